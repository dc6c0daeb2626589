package lmtpclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/lmtpd/dns"
	"github.com/mjl-/lmtpd/mlog"
	"github.com/mjl-/lmtpd/smtp"
)

func testPath(localpart, domain string) smtp.Path {
	d, err := dns.ParseDomain(domain)
	if err != nil {
		panic(err)
	}
	return smtp.Path{Localpart: smtp.Localpart(localpart), IPDomain: dns.IPDomain{Domain: d}}
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// fakeServer runs script against one end of a pipe: for each expected
// command prefix it writes back the paired reply (possibly multiline,
// separated by "\n" within the string), then stops when the script is
// exhausted, leaving the conn open. DATA is special-cased: the reply is split on the first "\n" —
// the first part (the 354 continue line) is sent before reading the
// dot-stuffed body, the remainder after, matching real LMTP/SMTP sequencing.
func fakeServer(t *testing.T, conn net.Conn, greeting string, script []struct{ expect, reply string }) {
	t.Helper()
	go func() {
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		w.WriteString(greeting + "\r\n")
		w.Flush()
		for _, step := range script {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if step.expect != "" && !strings.HasPrefix(strings.ToUpper(line), step.expect) {
				t.Errorf("unexpected command %q, want prefix %q", line, step.expect)
			}
			if step.expect == "DATA" {
				pre, post, _ := strings.Cut(step.reply, "\n")
				w.WriteString(pre + "\n")
				w.Flush()
				for {
					bline, err := r.ReadString('\n')
					if err != nil || bline == ".\r\n" {
						break
					}
				}
				w.WriteString(post)
				w.Flush()
				continue
			}
			w.WriteString(step.reply)
			w.Flush()
		}
	}()
}

func dialPipe(t *testing.T, greeting string, script []struct{ expect, reply string }) (*Client, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	fakeServer(t, server, greeting, script)
	hostname := dns.Domain{ASCII: "mail.example.org"}
	log := mlog.New("lmtpclient-test")
	c, err := New(context.Background(), log, client, "lmtp", hostname, time.Second)
	tcheck(t, err, "handshake")
	return c, server
}

func TestClientHandshakeMailRcptData(t *testing.T) {
	script := []struct{ expect, reply string }{
		{"LHLO", "250-mail.example.org\r\n250 PIPELINING\r\n"},
		{"MAIL FROM", "250 2.1.0 OK\r\n"},
		{"RCPT TO", "250 2.1.5 OK\r\n"},
		{"DATA", "354 Continue\r\n250 2.0.0 delivered\r\n"},
		{"QUIT", "221 2.0.0 OK\r\n"},
	}
	c, _ := dialPipe(t, "220 mail.example.org LMTP ready", script)

	err := c.MailFrom(context.Background(), testPath("sender", "x.example"), "7BIT")
	tcheck(t, err, "mailfrom")

	err = c.RcptTo(context.Background(), testPath("user", "example.org"))
	tcheck(t, err, "rcptto")

	resps, err := c.Data(context.Background(), bytes.NewReader([]byte("Subject: hi\r\n\r\nhello\r\n")))
	tcheck(t, err, "data")
	if len(resps) != 1 || resps[0].Code != 250 {
		t.Fatalf("got responses %#v", resps)
	}

	tcheck(t, c.Close(), "close")
}

func TestClientRcptRejectionCarriesCode(t *testing.T) {
	script := []struct{ expect, reply string }{
		{"LHLO", "250-mail.example.org\r\n250 PIPELINING\r\n"},
		{"MAIL FROM", "250 2.1.0 OK\r\n"},
		{"RCPT TO", "550 5.1.1 User doesn't exist\r\n"},
	}
	c, _ := dialPipe(t, "220 mail.example.org LMTP ready", script)

	tcheck(t, c.MailFrom(context.Background(), testPath("sender", "x.example"), "7BIT"), "mailfrom")

	err := c.RcptTo(context.Background(), testPath("nobody", "example.org"))
	if err == nil {
		t.Fatalf("expected rejection")
	}
	var lerr Error
	if !errors.As(err, &lerr) {
		t.Fatalf("expected lmtpclient.Error, got %T: %v", err, err)
	}
	if lerr.Code != 550 || lerr.Secode != "5.1.1" || lerr.Err != nil {
		t.Fatalf("got %#v", lerr)
	}
	if !lerr.Permanent() {
		t.Fatalf("expected permanent failure")
	}
}

func TestClientXClientResendsHello(t *testing.T) {
	script := []struct{ expect, reply string }{
		{"LHLO", "250-mail.example.org\r\n250 PIPELINING\r\n"},
		{"XCLIENT", "250 2.0.0 OK\r\n"},
		{"LHLO", "250-mail.example.org\r\n250 PIPELINING\r\n"},
		{"MAIL FROM", "250 2.1.0 OK\r\n"},
	}
	c, _ := dialPipe(t, "220 mail.example.org LMTP ready", script)

	err := c.XClient(context.Background(), net.ParseIP("10.0.0.5"), 25, 4)
	tcheck(t, err, "xclient")

	tcheck(t, c.MailFrom(context.Background(), testPath("sender", "x.example"), "7BIT"), "mailfrom")
}

func TestClientGreetingRejectedFailsHandshake(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		w := bufio.NewWriter(server)
		w.WriteString("220 mail.example.org LMTP ready\r\n")
		w.Flush()
		r := bufio.NewReader(server)
		r.ReadString('\n') // LHLO
		w.WriteString("421 4.3.0 not accepting connections\r\n")
		w.Flush()
	}()

	hostname := dns.Domain{ASCII: "mail.example.org"}
	log := mlog.New("lmtpclient-test")
	c, err := New(context.Background(), log, client, "lmtp", hostname, time.Second)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if c != nil {
		t.Fatalf("expected nil client on handshake failure, got %#v", c)
	}
}
