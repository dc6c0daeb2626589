// Package lmtpserver implements the LMTP (RFC 2033) session engine: line
// transport, grammar, per-connection state, command dispatch, recipient
// routing, payload ingest and delivery fan-out.
package lmtpserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mjl-/lmtpd/anvil"
	"github.com/mjl-/lmtpd/dns"
	"github.com/mjl-/lmtpd/lmtpclient"
	"github.com/mjl-/lmtpd/metrics"
	"github.com/mjl-/lmtpd/mlog"
	"github.com/mjl-/lmtpd/moxio"
	"github.com/mjl-/lmtpd/smtp"
	"github.com/mjl-/lmtpd/store"
)

var errIO = errors.New("lmtpserver: i/o error, connection closed") // Sentinel panic marking clean connection abort.

var cleanClose struct{} // Sentinel for panic/recover indicating an intentional close (QUIT).

func isClosed(err error) bool {
	return errors.Is(err, errIO) || moxio.IsClosed(err)
}

type routing int

const (
	routingUnknown routing = iota
	routingLocal
	routingProxy
)

// proxyTarget is built from each proxy recipient's passdb fields. Only the
// first proxy recipient's target is dialed; every later proxy recipient in
// the same envelope is sent over that proxySession, whatever its own target.
type proxyTarget struct {
	host      string
	hostIP    net.IP
	port      int
	protocol  string // "lmtp" or "smtp"
	timeoutMS int
	rcptParam string // Passdb-supplied extra RCPT TO parameter text, verbatim.
}

// proxySession wraps the outbound connection opened for the first proxy
// recipient; later proxy recipients in the same envelope are added to it.
// The decremented TTL is handed to the downstream via XCLIENT when the
// session is opened and is not needed again afterward.
type proxySession struct {
	client *lmtpclient.Client
}

// rcpt is an accepted RCPT TO, immutable once appended to envelope.rcpts.
type rcpt struct {
	addr      smtp.Path
	detail    string
	orcpt     string // RCPT TO ORCPT= parameter, verbatim (e.g. "rfc822;user@example.org"); empty if absent.
	sessionID string
	routing   routing
	account   store.Account // Valid when routing == routingLocal.
	target    proxyTarget   // Valid when routing == routingProxy.
	anvilKey  string        // Non-empty if a concurrency slot was reserved for this recipient.
}

// envelope holds the MAIL FROM state and accumulated recipients; exists iff
// MAIL has been accepted since the last reset.
type envelope struct {
	sender            smtp.Path
	bodyType          string // "7BIT" or "8BITMIME", default "7BIT".
	rcpts             []*rcpt
	mailFromTimestamp time.Time
	proxy             *proxySession
}

type conn struct {
	cid          int64
	listenerName string

	origConn net.Conn
	conn     net.Conn

	tls       bool
	tlsConfig *tls.Config

	r  *bufio.Reader
	w  *bufio.Writer
	tr *moxio.TraceReader
	tw *moxio.TraceWriter

	log     *mlog.Log
	lastlog time.Time

	hostname dns.Domain // This server's greeting name.

	localIP, remoteIP      net.IP
	localPort, remotePort  int
	trusted                bool
	proxyTTL               int // Current inbound TTL for loop detection; overridable by XCLIENT.

	maxMessageSize     int64
	inMemoryMax        int64
	recipientDelimiter byte // 0 disables detail-suffix parsing.
	proxyEnabled       bool

	directory   *store.Directory
	anvilClient anvil.Client
	anvilMax    int
	resolver    dns.Resolver

	cmd      string
	cmdStart time.Time
	ncmds    int
	deadline time.Time

	hello   dns.IPDomain
	greeted bool

	env *envelope
}

// reset clears greeting and envelope state, as done for LHLO and XCLIENT.
// ../rfc/3207:210 (same reset rule reused for the LMTP-specific reset points)
func (c *conn) reset() {
	c.hello = dns.IPDomain{}
	c.greeted = false
	c.rset()
}

// rset clears only the envelope, for the RSET command and the few other
// cases (successful DATA, LHLO, XCLIENT) that reset mail transaction state.
func (c *conn) rset() {
	ctx := context.Background()
	if c.env != nil {
		for _, r := range c.env.rcpts {
			if r.anvilKey != "" {
				c.anvilClient.Release(ctx, r.anvilKey)
			}
		}
		if c.env.proxy != nil {
			c.env.proxy.client.Close()
		}
	}
	c.env = nil
}

func (c *conn) earliestDeadline(d time.Duration) time.Time {
	e := time.Now().Add(d)
	if !c.deadline.IsZero() && c.deadline.Before(e) {
		return c.deadline
	}
	return e
}

// Write writes to the connection. It panics on i/o errors, which is handled
// by the command loop in serve().
func (c *conn) Write(buf []byte) (int, error) {
	deadline := c.earliestDeadline(30 * time.Second)
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.log.Errorx("setting deadline for write", err)
	}
	n, err := c.conn.Write(buf)
	if err != nil {
		panic(fmt.Errorf("write: %s (%w)", err, errIO))
	}
	return n, nil
}

// Read reads from the connection. It panics on i/o errors, which is handled
// by the command loop in serve().
func (c *conn) Read(buf []byte) (int, error) {
	if err := c.conn.SetDeadline(c.earliestDeadline(30 * time.Second)); err != nil {
		c.log.Errorx("setting deadline for read", err)
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		panic(fmt.Errorf("read: %s (%w)", err, errIO))
	}
	return n, err
}

// Cache of line buffers for reading commands. Filled on demand.
var bufpool = moxio.NewBufpool(8, 2*1024)

func (c *conn) readline() string {
	line, err := bufpool.Readline(c.log, c.r)
	if err != nil && errors.Is(err, moxio.ErrLineTooLong) {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	} else if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	return line
}

// bwritecodeline buffers a response line with code/secode/msg, without
// flushing. err is only used for logging, and may be nil.
func (c *conn) bwritecodeline(code int, secode string, msg string, err error) {
	var ecode string
	if secode != "" {
		ecode = fmt.Sprintf("%d.%s", code/100, secode)
	}
	metrics.LMTPCommands.WithLabelValues(c.cmd, fmt.Sprintf("%d", code)).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
	c.log.Debugx("lmtp command result", err, mlog.Field("cmd", c.cmd), mlog.Field("code", code), mlog.Field("ecode", ecode))

	var sep string
	if ecode != "" {
		sep = " "
	}

	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		// ../rfc/5321:3506 ../rfc/5321:2583 ../rfc/5321:2756
		prelen := 3 + 1 + len(ecode) + len(sep)
		for prelen+len(line) > 510 {
			e := 510 - prelen
			for ; e > 400 && line[e] != ' '; e-- {
			}
			c.bwritelinef("%d-%s%s%s", code, ecode, sep, line[:e])
			line = line[e:]
		}
		spdash := " "
		if i < len(lines)-1 {
			spdash = "-"
		}
		c.bwritelinef("%d%s%s%s%s", code, spdash, ecode, sep, line)
	}
}

func (c *conn) bwritelinef(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprint(c.w, msg+"\r\n")
}

func (c *conn) xflush() {
	c.w.Flush() // Errors cause a panic from Write.
}

func (c *conn) writecodeline(code int, secode string, msg string, err error) {
	c.bwritecodeline(code, secode, msg, err)
	c.xflush()
}

func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}
