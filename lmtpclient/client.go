// Package lmtpclient implements the outbound half of LMTP proxying: dial a
// downstream LMTP (or SMTP) server, relay MAIL FROM/RCPT TO/DATA, and
// surface its per-recipient responses so the front-end can pass them back
// to its own client.
package lmtpclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/lmtpd/dns"
	"github.com/mjl-/lmtpd/mlog"
	"github.com/mjl-/lmtpd/moxio"
	"github.com/mjl-/lmtpd/smtp"
)

// Error is a parsed protocol-level reply from the downstream server: a
// rejection or failure with its SMTP/LMTP reply code intact, so a proxying
// front-end can relay the original code/secode/text instead of inventing
// its own.
type Error struct {
	Code   int
	Secode string
	Line   string
	Err    error // Non-nil for i/o/protocol errors; nil for ordinary non-2xx replies.
}

func (e Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%d %s %s", e.Code, e.Secode, e.Line)
}

func (e Error) Unwrap() error { return e.Err }

// Permanent reports whether the reply is a permanent (5xx) failure, as
// opposed to a temporary (4xx) one or an i/o/protocol error.
func (e Error) Permanent() bool {
	return e.Err == nil && e.Code/100 == 5
}

// Response is a single-recipient reply collected from a DATA command,
// in the order the recipients were given to RcptTo.
type Response struct {
	Code   int
	Secode string
	Line   string
}

// Client is a connection to one downstream LMTP or SMTP server, scoped to a
// single envelope: one MAIL FROM, one or more RCPT TO, one DATA.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	log  *mlog.Log

	protocol string // "lmtp" or "smtp"
	ehloName dns.Domain

	timeout  time.Duration
	deadline time.Time

	nrcpts int // Accepted recipients so far, DATA reads this many final replies.
}

// New performs the greeting handshake (LHLO/EHLO) over an already-dialed
// conn and returns a Client ready for MailFrom.
func New(ctx context.Context, log *mlog.Log, conn net.Conn, protocol string, ehloName dns.Domain, timeout time.Duration) (client *Client, rerr error) {
	c := &Client{
		conn:     conn,
		log:      log,
		protocol: protocol,
		ehloName: ehloName,
		timeout:  timeout,
	}
	if dl, ok := ctx.Deadline(); ok {
		c.deadline = dl
	}
	tr := moxio.NewTraceReader(log, "LPC<: ", conn)
	tw := moxio.NewTraceWriter(log, "LPC>: ", conn)
	c.r = bufio.NewReader(tr)
	c.w = bufio.NewWriter(tw)

	defer func() {
		c.recover(&rerr)
		if rerr != nil {
			client = nil
		}
	}()

	c.xreadResponse() // Greeting.
	c.xhello()
	return c, nil
}

// xhello sends LHLO (or EHLO for an smtp downstream) and reads the
// capability response, discarding the advertised extensions; the client
// only ever speaks the fixed MAIL/RCPT/DATA subset.
func (c *Client) xhello() {
	verb := "LHLO"
	if c.protocol == "smtp" {
		verb = "EHLO"
	}
	c.xwritelinef("%s %s", verb, c.ehloName.ASCII)
	for {
		code, _, _, last := c.xreadLine()
		if code != smtp.C250Completed {
			panic(Error{Code: code, Line: "greeting not accepted"})
		}
		if last {
			break
		}
	}
}

// XClient forwards the original client's address, port and the
// loop-detection TTL to the downstream via the XCLIENT extension, before
// MAIL FROM. The downstream resets its session state on XCLIENT (like LHLO
// or RSET) and only re-emits a bare greeting line, so the LHLO/EHLO
// handshake is repeated afterward.
func (c *Client) XClient(ctx context.Context, addr net.IP, port, ttl int) (rerr error) {
	defer c.recover(&rerr)
	addrField := addr.String()
	if addr != nil && addr.To4() == nil {
		addrField = "IPv6:" + addrField
	}
	c.xwritelinef("XCLIENT ADDR=%s PORT=%d TTL=%d", addrField, port, ttl)
	c.xreadResponse()
	c.xhello()
	return nil
}

func (c *Client) setDeadline() {
	d := time.Now().Add(c.timeout)
	if !c.deadline.IsZero() && c.deadline.Before(d) {
		d = c.deadline
	}
	c.conn.SetDeadline(d)
}

func (c *Client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	if err, ok := x.(error); ok {
		*rerr = err
		return
	}
	panic(x)
}

func (c *Client) xwritelinef(format string, args ...any) {
	c.setDeadline()
	if _, err := fmt.Fprintf(c.w, format+"\r\n", args...); err != nil {
		panic(Error{Err: fmt.Errorf("write: %w", err)})
	}
	if err := c.w.Flush(); err != nil {
		panic(Error{Err: fmt.Errorf("flush: %w", err)})
	}
}

// xreadLine reads one response line, parsing its code/secode/text and
// whether it is the last line of a (possibly multiline) reply.
func (c *Client) xreadLine() (code int, secode, text string, last bool) {
	c.setDeadline()
	line, err := c.r.ReadString('\n')
	if err != nil {
		panic(Error{Err: fmt.Errorf("read: %w", err)})
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 3 {
		panic(Error{Err: fmt.Errorf("short response line %q", line)})
	}
	v, err := strconv.Atoi(line[:3])
	if err != nil {
		panic(Error{Err: fmt.Errorf("bad response code %q", line)})
	}
	code = v
	rest := line[3:]
	if strings.HasPrefix(rest, "-") {
		rest = rest[1:]
	} else if strings.HasPrefix(rest, " ") {
		rest = rest[1:]
		last = true
	} else if rest == "" {
		last = true
	} else {
		panic(Error{Err: fmt.Errorf("malformed response line %q", line)})
	}
	secode, text = splitEcode(code/100, rest)
	return code, secode, text, last
}

// xreadResponse reads a full (possibly multiline) reply and panics with an
// Error if it isn't a 2xx.
func (c *Client) xreadResponse() (code int, secode, text string) {
	for {
		co, se, tx, last := c.xreadLine()
		code, secode, text = co, se, tx
		if last {
			break
		}
	}
	if code/100 != 2 {
		panic(Error{Code: code, Secode: secode, Line: text})
	}
	return
}

func splitEcode(major int, s string) (secode, remain string) {
	fields := strings.SplitN(s, " ", 2)
	first := fields[0]
	parts := strings.Split(first, ".")
	if len(parts) == 3 && parts[0] == strconv.Itoa(major) {
		if len(fields) == 2 {
			return first, fields[1]
		}
		return first, ""
	}
	return "", s
}

// MailFrom sends MAIL FROM for the envelope; bodyType is "7BIT" or
// "8BITMIME". BODY=8BITMIME is added whenever bodyType is "8BITMIME", for
// LMTP and SMTP downstreams alike; the extensions the downstream advertised
// are not checked.
func (c *Client) MailFrom(ctx context.Context, sender smtp.Path, bodyType string) (rerr error) {
	defer c.recover(&rerr)
	var body string
	if bodyType == "8BITMIME" {
		body = " BODY=8BITMIME"
	}
	c.xwritelinef("MAIL FROM:<%s>%s", sender.XString(false), body)
	c.xreadResponse()
	return nil
}

// RcptTo sends one RCPT TO and returns the downstream's verdict. A non-2xx
// reply is returned as an Error carrying the original code/secode/text, not
// a generic failure, so the caller can relay it verbatim.
func (c *Client) RcptTo(ctx context.Context, rcpt smtp.Path) (rerr error) {
	defer c.recover(&rerr)
	c.xwritelinef("RCPT TO:<%s>", rcpt.XString(false))
	c.xreadResponse()
	c.nrcpts++
	return nil
}

// Data sends DATA, streams body with dot-stuffing applied (smtp.DataWrite) and
// collects one reply per accepted recipient, in RcptTo order.
func (c *Client) Data(ctx context.Context, body io.Reader) (resps []Response, rerr error) {
	defer c.recover(&rerr)
	c.xwritelinef("DATA")
	co, _, tx, last := c.xreadLine()
	if !last {
		for !last {
			co, _, tx, last = c.xreadLine()
		}
	}
	if co != smtp.C354Continue {
		return nil, Error{Code: co, Line: tx}
	}

	c.setDeadline()
	if err := smtp.DataWrite(c.w, body); err != nil {
		return nil, Error{Err: fmt.Errorf("writing data: %w", err)}
	}
	if err := c.w.Flush(); err != nil {
		return nil, Error{Err: fmt.Errorf("flush: %w", err)}
	}

	for i := 0; i < c.nrcpts; i++ {
		code, secode, text, lastline := c.xreadLine()
		for !lastline {
			code, secode, text, lastline = c.xreadLine()
		}
		resps = append(resps, Response{Code: code, Secode: secode, Line: text})
	}
	return resps, nil
}

// Close sends QUIT and closes the underlying connection, ignoring any error
// from QUIT itself (the recipient fan-out has already completed).
func (c *Client) Close() error {
	func() {
		defer func() { recover() }()
		c.xwritelinef("QUIT")
		c.xreadResponse()
	}()
	return c.conn.Close()
}
