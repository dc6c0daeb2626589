package lmtpserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"strings"
	"time"

	"github.com/mjl-/lmtpd/daemon"
	"github.com/mjl-/lmtpd/mlog"
	"github.com/mjl-/lmtpd/moxio"
	"github.com/mjl-/lmtpd/moxvar"
	"github.com/mjl-/lmtpd/smtp"
)

// cmdLhlo implements greeting/reset. Announces this listener's capability
// set; XCLIENT is advertised only for trusted listeners.
// ../rfc/2033:220
func (c *conn) cmdLhlo(p *parser) {
	p.xspace()
	hello := xlhloArg(p.remainder())

	c.reset()
	c.hello = hello
	c.greeted = true

	c.bwritelinef("250-%s", c.hostname.ASCII)
	if c.tlsConfig != nil && !c.tls {
		c.bwritelinef("250-STARTTLS")
	}
	if c.trusted {
		c.bwritelinef("250-XCLIENT ADDR PORT TTL TIMEOUT")
	}
	c.bwritelinef("250-8BITMIME")
	c.bwritelinef("250-ENHANCEDSTATUSCODES")
	c.bwritecodeline(smtp.C250Completed, "", "PIPELINING", nil)
	c.xflush()
}

// ../rfc/3207:96
func (c *conn) cmdStarttls(p *parser) {
	c.xneedHello()
	p.xend()

	if c.tls {
		xlmtpUserErrorf(443, smtp.SeProto5BadCmdOrSeq1, "tls is already active")
	}

	underlying := c.conn
	if n := c.r.Buffered(); n > 0 {
		underlying = &moxio.PrefixConn{
			PrefixReader: io.LimitReader(c.r, int64(n)),
			Conn:         underlying,
		}
	}

	c.writecodeline(smtp.C220ServiceReady, smtp.SeOther00, "go! ("+daemon.ReceivedID(c.cid)+")", nil)
	tlsConn := tls.Server(underlying, c.tlsConfig)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c.log.Debug("starting tls server handshake")
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		xlmtpErrorf(454, "7.0", true, "starttls handshake: %s", err)
	}
	tlsversion, ciphersuite := moxio.TLSInfo(tlsConn)
	c.log.Debug("tls server handshake done", mlog.Field("tls", tlsversion), mlog.Field("ciphersuite", ciphersuite))
	c.conn = tlsConn
	c.tr = moxio.NewTraceReader(c.log, "RC: ", c)
	c.tw = moxio.NewTraceWriter(c.log, "LS: ", c)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)

	c.reset() // ../rfc/3207:210
	c.tls = true
}

// cmdMail implements MAIL FROM, dropping the teacher's submission-only
// parameters (AUTH, SMTPUTF8, REQUIRETLS, HOLDFOR/HOLDUNTIL) that have no
// place on a delivery-only LMTP listener.
func (c *conn) cmdMail(p *parser) {
	c.xneedHello()
	if c.env != nil {
		xlmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "MAIL already given")
	}
	defer func() {
		if x := recover(); x != nil {
			c.rset()
			panic(x)
		}
	}()

	p.xtake(" FROM:")
	rawRevPath := p.xrawReversePath()

	bodyType := "7BIT"
	paramSeen := map[string]bool{}
	for p.space() {
		key := p.xparamKeyword()
		K := strings.ToUpper(key)
		if paramSeen[K] {
			xlmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "duplicate param %q", key)
		}
		paramSeen[K] = true

		switch K {
		case "SIZE":
			p.xtake("=")
			size := p.xnumber(20)
			if c.maxMessageSize > 0 && size > c.maxMessageSize {
				xlmtpUserErrorf(smtp.C552MailboxFull, smtp.SeSys3MsgLimitExceeded4, "message too large")
			}
		case "BODY":
			p.xtake("=")
			v := strings.ToUpper(p.xparamValue())
			switch v {
			case "7BIT", "8BITMIME":
				bodyType = v
			default:
				xlmtpUserErrorf(smtp.C555UnrecognizedAddrParams, smtp.SeProto5BadParams4, "unrecognized BODY value %q", v)
			}
		default:
			xlmtpUserErrorf(smtp.C555UnrecognizedAddrParams, smtp.SeSys3NotSupported3, "unrecognized parameter %q", key)
		}
	}
	p.xend()

	rp := newParser(rawRevPath, false)
	sender := rp.xbareReversePath()
	rp.xempty()

	c.env = &envelope{
		sender:            sender,
		bodyType:          bodyType,
		mailFromTimestamp: time.Now(),
	}
	c.bwritecodeline(smtp.C250Completed, smtp.SeAddr1Other0, "OK", nil)
	c.xflush()
}

func (c *conn) cmdRset(p *parser) {
	p.xend()
	c.rset()
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "OK", nil)
}

func (c *conn) cmdNoop(p *parser) {
	p.xend()
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "OK", nil)
}

// cmdVrfy is stubbed per the recipient-verification Open Question:
// unconditionally not implemented.
func (c *conn) cmdVrfy(p *parser) {
	c.writecodeline(smtp.C252WithoutVrfy, "2.3.3", "not implemented, just try delivery", nil)
}

func (c *conn) cmdQuit(p *parser) {
	p.xend()
	c.writecodeline(smtp.C221Closing, smtp.SeOther00, "OK", nil)
	panic(cleanClose)
}

// cmdXclient overwrites the session's apparent remote identity, as an
// upstream front-end forwarding on behalf of the real client would. No
// grammar for this verb exists in the teacher; grounded on the same
// parser/handler shape as the other commands.
func (c *conn) cmdXclient(p *parser) {
	if !c.trusted {
		xlmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7Other0, "you are not from trusted IP")
	}

	var attrs xclientAttrs
	attrs.port = c.remotePort
	attrs.ttl = c.proxyTTL
	seen := false
	for p.space() {
		p.xclientAttr(&attrs)
		seen = true
	}
	p.xend()
	if !seen {
		xlmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "need at least one attribute")
	}

	c.reset()
	if attrs.addr != nil {
		c.remoteIP = attrs.addr
	}
	c.remotePort = attrs.port
	c.proxyTTL = attrs.ttl

	c.writelinef("%d %s LMTP lmtpd %s", smtp.C220ServiceReady, c.hostname.ASCII, moxvar.Version)
}
