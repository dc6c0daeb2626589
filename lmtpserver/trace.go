package lmtpserver

import (
	"crypto/tls"
	"strings"
	"time"

	"github.com/mjl-/lmtpd/daemon"
	"github.com/mjl-/lmtpd/message"
	"github.com/mjl-/lmtpd/moxio"
	"github.com/mjl-/lmtpd/store"
)

// composeTraceHeaders builds the header block prepended to a delivery's
// payload: Return-Path, an optional Delivered-To (only meaningful for a
// single-recipient envelope), and a Received line naming this hop.
func (c *conn) composeTraceHeaders() string {
	env := c.env
	var b []byte

	if len(env.rcpts) > 0 {
		b = append(b, "Return-Path: <"+env.sender.XString(false)+">\r\n"...)
	}

	if len(env.rcpts) == 1 {
		r := env.rcpts[0]
		var policy store.DeliveredToPolicy
		if r.routing == routingLocal {
			policy = r.account.DeliveredTo
		}
		switch policy {
		case store.DeliveredToFinal:
			b = append(b, "Delivered-To: <"+r.addr.XString(false)+">\r\n"...)
		case store.DeliveredToOriginal:
			addr := r.orcpt
			if addr != "" {
				if i := strings.Index(addr, ";"); i >= 0 {
					addr = addr[i+1:]
				}
			} else {
				addr = r.addr.XString(false)
			}
			b = append(b, "Delivered-To: <"+addr+">\r\n"...)
		case store.DeliveredToNone, "":
			// Omitted.
		}
	}

	recvFrom := "from " + c.hello.String()
	if c.remoteIP != nil {
		recvFrom += " ([" + c.remoteIP.String() + "])"
	}
	recvBy := "by " + c.hostname.ASCII

	hdr := &message.HeaderWriter{}
	hdr.Add(" ", "Received:", recvFrom, recvBy, "with", "LMTP")
	if c.tls {
		if tlsConn, ok := c.conn.(*tls.Conn); ok {
			version, ciphersuite := moxio.TLSInfo(tlsConn)
			hdr.Newline()
			hdr.Addf("", "(using %s with cipher %s)", version, ciphersuite)
		}
	}
	hdr.Newline()
	hdr.Addf("", "id %s", daemon.ReceivedID(c.cid))
	if len(env.rcpts) == 1 {
		hdr.Newline()
		hdr.Addf("", "for <%s>;", env.rcpts[0].addr.XString(false))
	}
	hdr.Add(" ", time.Now().Format(message.RFC5322Z))

	b = append(b, hdr.String()...)
	return string(b)
}
