package lmtpserver

import (
	"bufio"
	"context"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/mjl-/lmtpd/anvil"
	"github.com/mjl-/lmtpd/daemon"
	"github.com/mjl-/lmtpd/dns"
	"github.com/mjl-/lmtpd/mlog"
	"github.com/mjl-/lmtpd/store"
)

// testSession wires a conn up over a net.Pipe and drives serve() in the
// background, the way a real listener goroutine would for one accepted
// connection.
type testSession struct {
	t      *testing.T
	client net.Conn
	r      *bufio.Reader
}

func newTestSession(t *testing.T, opts listenOpts) *testSession {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go serve(ctx, daemon.Cid(), server, opts)
	return &testSession{t: t, client: client, r: bufio.NewReader(client)}
}

func (s *testSession) send(line string) {
	s.t.Helper()
	if _, err := s.client.Write([]byte(line + "\r\n")); err != nil {
		s.t.Fatalf("writing %q: %s", line, err)
	}
}

// readReply reads one full (possibly multiline) reply and returns it as a
// single string with embedded newlines, without the line endings.
func (s *testSession) readReply() string {
	s.t.Helper()
	var lines []string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			s.t.Fatalf("reading reply: %s", err)
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			break
		}
	}
	return strings.Join(lines, "\n")
}

func newDirectory(t *testing.T) *store.Directory {
	t.Helper()
	dir := t.TempDir()
	d, err := store.OpenDirectory(context.Background(), dir+"/directory.db", dir, mlog.New("lmtpserver-test"))
	tcheck(t, err, "opening directory")
	t.Cleanup(func() { d.Close() })
	return d
}

func insertLocal(t *testing.T, d *store.Directory, username, mailboxDir string) {
	t.Helper()
	acc := store.Account{Username: username, MailboxDir: mailboxDir}
	tcheck(t, d.DB.Insert(context.Background(), &acc), "inserting account")
}

func insertLocalWithPolicy(t *testing.T, d *store.Directory, username, mailboxDir string, policy store.DeliveredToPolicy) {
	t.Helper()
	acc := store.Account{Username: username, MailboxDir: mailboxDir, DeliveredTo: policy}
	tcheck(t, d.DB.Insert(context.Background(), &acc), "inserting account")
}

func insertProxy(t *testing.T, d *store.Directory, username, host string, port int) {
	t.Helper()
	acc := store.Account{Username: username, Proxy: true, ProxyHost: host, ProxyPort: port}
	tcheck(t, d.DB.Insert(context.Background(), &acc), "inserting proxy account")
}

func testOpts(d *store.Directory) listenOpts {
	return listenOpts{
		listenerName:       "test",
		hostname:           dns.Domain{ASCII: "mail.example.org"},
		trusted:            true,
		inMemoryMax:        1 << 20,
		recipientDelimiter: '+',
		proxyEnabled:       true,
		proxyDefaultTTL:    5,
		coll: Collaborators{
			Directory:   d,
			AnvilClient: anvil.LocalClient{Registry: anvil.NewRegistry()},
		},
	}
}

// TestMinimalLocalDelivery exercises scenario S1: LHLO, MAIL FROM, RCPT TO a
// local account, DATA, QUIT, each drawing exactly the expected reply.
func TestMinimalLocalDelivery(t *testing.T) {
	d := newDirectory(t)
	insertLocal(t, d, "user", "user")
	s := newTestSession(t, testOpts(d))

	greeting := s.readReply()
	if !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("got greeting %q", greeting)
	}

	s.send("LHLO client.example.org")
	reply := s.readReply()
	if !strings.Contains(reply, "PIPELINING") {
		t.Fatalf("got %q", reply)
	}

	s.send("MAIL FROM:<sender@x.example>")
	reply = s.readReply()
	if !strings.HasPrefix(reply, "250 2.1.0") {
		t.Fatalf("got %q", reply)
	}

	s.send("RCPT TO:<user@local>")
	reply = s.readReply()
	if !strings.HasPrefix(reply, "250 2.1.5") {
		t.Fatalf("got %q", reply)
	}

	s.send("DATA")
	reply = s.readReply()
	if !strings.HasPrefix(reply, "354") {
		t.Fatalf("got %q", reply)
	}
	s.send("Subject: hi")
	s.send("")
	s.send("hello there")
	s.send(".")
	reply = s.readReply()
	if !strings.HasPrefix(reply, "250 2.0.0 <user@local>") {
		t.Fatalf("got %q", reply)
	}

	s.send("QUIT")
	reply = s.readReply()
	if !strings.HasPrefix(reply, "221 2.0.0") {
		t.Fatalf("got %q", reply)
	}
}

// TestRcptBeforeMailRejected and TestDataWithoutRecipientsRejected check
// invariant 2 from spec.md §8: out-of-sequence commands are rejected with
// the documented codes rather than silently accepted.
func TestRcptBeforeMailRejected(t *testing.T) {
	d := newDirectory(t)
	insertLocal(t, d, "user", "user")
	s := newTestSession(t, testOpts(d))
	s.readReply() // greeting
	s.send("LHLO client.example.org")
	s.readReply()

	s.send("RCPT TO:<user@local>")
	reply := s.readReply()
	if !strings.HasPrefix(reply, "503") {
		t.Fatalf("got %q", reply)
	}
}

func TestDataWithoutRecipientsRejected(t *testing.T) {
	d := newDirectory(t)
	s := newTestSession(t, testOpts(d))
	s.readReply()
	s.send("LHLO client.example.org")
	s.readReply()
	s.send("MAIL FROM:<sender@x.example>")
	s.readReply()

	s.send("DATA")
	reply := s.readReply()
	if !strings.HasPrefix(reply, "554") {
		t.Fatalf("got %q", reply)
	}
}

// TestMixedDestinationsRejected exercises scenario S2: once a proxy
// recipient has been accepted, a subsequent local recipient is refused.
func TestMixedDestinationsRejected(t *testing.T) {
	d := newDirectory(t)
	insertLocal(t, d, "localuser", "localuser")

	upstream, upstreamAddr := startFakeLMTPUpstream(t, []upstreamStep{
		{"LHLO", "250-upstream.example\r\n250 PIPELINING\r\n"},
		{"XCLIENT", "250 2.0.0 OK\r\n"},
		{"LHLO", "250-upstream.example\r\n250 PIPELINING\r\n"},
		{"MAIL FROM", "250 2.1.0 OK\r\n"},
		{"RCPT TO", "250 2.1.5 OK\r\n"},
	})
	defer upstream.Close()

	insertProxy(t, d, "remote", upstreamAddr.IP.String(), upstreamAddr.Port)

	opts := testOpts(d)
	s := newTestSession(t, opts)
	s.readReply()
	s.send("LHLO client.example.org")
	s.readReply()
	s.send("MAIL FROM:<sender@x.example>")
	s.readReply()

	s.send("RCPT TO:<remote@x.example>")
	reply := s.readReply()
	if !strings.HasPrefix(reply, "250 2.1.5") {
		t.Fatalf("got %q", reply)
	}

	s.send("RCPT TO:<localuser@local>")
	reply = s.readReply()
	if !strings.HasPrefix(reply, "451 4.3.0") || !strings.Contains(reply, "mixed proxy/non-proxy") {
		t.Fatalf("got %q", reply)
	}
}

// TestProxyLoopToSelfRejected exercises scenario S3: a proxy record that
// points back at this same listener's host:port is refused outright.
func TestProxyLoopToSelfRejected(t *testing.T) {
	d := newDirectory(t)
	// serve() falls back to 127.0.0.10:0 as the local address for a
	// non-TCP conn (our net.Pipe), so a proxy record pointing there is this
	// listener pointing at itself.
	insertProxy(t, d, "loopuser", "127.0.0.10", 0)

	opts := testOpts(d)
	s := newTestSession(t, opts)
	s.readReply()
	s.send("LHLO client.example.org")
	s.readReply()
	s.send("MAIL FROM:<sender@x.example>")
	s.readReply()

	s.send("RCPT TO:<loopuser@x.example>")
	reply := s.readReply()
	if !strings.HasPrefix(reply, "554 5.4.6") || !strings.Contains(reply, "loops to itself") {
		t.Fatalf("got %q", reply)
	}
}

// TestProxyTTLExhaustedRejected exercises scenario S4: a session whose
// inbound TTL has already reached 1 refuses any proxy recipient.
func TestProxyTTLExhaustedRejected(t *testing.T) {
	d := newDirectory(t)
	insertProxy(t, d, "remote", "10.0.0.9", 24)

	opts := testOpts(d)
	opts.proxyDefaultTTL = 1
	s := newTestSession(t, opts)
	s.readReply()
	s.send("LHLO client.example.org")
	s.readReply()
	s.send("MAIL FROM:<sender@x.example>")
	s.readReply()

	s.send("RCPT TO:<remote@x.example>")
	reply := s.readReply()
	if !strings.HasPrefix(reply, "554 5.4.6") || !strings.Contains(reply, "TTL=0") {
		t.Fatalf("got %q", reply)
	}
}

// TestUntrustedXclientRejected exercises scenario S6: XCLIENT from a
// non-trusted listener is refused and leaves session state untouched.
func TestUntrustedXclientRejected(t *testing.T) {
	d := newDirectory(t)
	insertLocal(t, d, "user", "user")
	opts := testOpts(d)
	opts.trusted = false
	s := newTestSession(t, opts)
	s.readReply()
	s.send("LHLO client.example.org")
	s.readReply()

	s.send("XCLIENT ADDR=1.2.3.4 PORT=25")
	reply := s.readReply()
	if !strings.HasPrefix(reply, "550") {
		t.Fatalf("got %q", reply)
	}

	// Session state must still work normally afterwards.
	s.send("MAIL FROM:<sender@x.example>")
	reply = s.readReply()
	if !strings.HasPrefix(reply, "250 2.1.0") {
		t.Fatalf("got %q", reply)
	}
}

// TestLargeMessageSpills exercises scenario S5: a body larger than the
// in-memory ceiling completes delivery normally via the spill path, and no
// filesystem entry for the in-flight payload is ever observable.
func TestLargeMessageSpills(t *testing.T) {
	d := newDirectory(t)
	insertLocal(t, d, "user", "user")
	opts := testOpts(d)
	opts.inMemoryMax = 64 // Force an early spill.
	s := newTestSession(t, opts)
	s.readReply()
	s.send("LHLO client.example.org")
	s.readReply()
	s.send("MAIL FROM:<sender@x.example>")
	s.readReply()
	s.send("RCPT TO:<user@local>")
	s.readReply()

	s.send("DATA")
	reply := s.readReply()
	if !strings.HasPrefix(reply, "354") {
		t.Fatalf("got %q", reply)
	}

	s.send("Subject: big message")
	s.send("")
	line := strings.Repeat("x", 78)
	for i := 0; i < 40; i++ {
		s.send(line)
	}
	s.send(".")

	// Check that no name under the directory's tmp dir survives the spill: it
	// was unlinked right after creation, so nothing to find here means the
	// spill path ran without leaking a path.
	entries, err := os.ReadDir(d.BaseDir + "/tmp")
	if err == nil {
		for _, e := range entries {
			t.Errorf("unexpected leftover spill entry %q", e.Name())
		}
	}

	reply = s.readReply()
	if !strings.HasPrefix(reply, "250 2.0.0 <user@local>") {
		t.Fatalf("got %q", reply)
	}
}

// TestRcptOrcptUsedForOriginalDeliveredTo exercises the "original"
// Delivered-To policy: the ORCPT value given on RCPT TO, not the recipient
// address the server resolved it to, ends up in the stored message's
// Delivered-To header.
func TestRcptOrcptUsedForOriginalDeliveredTo(t *testing.T) {
	d := newDirectory(t)
	insertLocalWithPolicy(t, d, "user", "user", store.DeliveredToOriginal)
	s := newTestSession(t, testOpts(d))
	s.readReply()
	s.send("LHLO client.example.org")
	s.readReply()
	s.send("MAIL FROM:<sender@x.example>")
	s.readReply()

	s.send("RCPT TO:<user@local> NOTIFY=NEVER ORCPT=rfc822;orig@x.example")
	reply := s.readReply()
	if !strings.HasPrefix(reply, "250 2.1.5") {
		t.Fatalf("got %q", reply)
	}

	s.send("DATA")
	s.readReply()
	s.send("Subject: hi")
	s.send("")
	s.send("hello there")
	s.send(".")
	reply = s.readReply()
	if !strings.HasPrefix(reply, "250 2.0.0 <user@local>") {
		t.Fatalf("got %q", reply)
	}

	entries, err := os.ReadDir(d.BaseDir + "/user/new")
	tcheck(t, err, "reading delivered mailbox")
	if len(entries) != 1 {
		t.Fatalf("got %d delivered messages, want 1", len(entries))
	}
	buf, err := os.ReadFile(d.BaseDir + "/user/new/" + entries[0].Name())
	tcheck(t, err, "reading delivered message")
	if !strings.Contains(string(buf), "Delivered-To: <orig@x.example>") {
		t.Fatalf("delivered message missing ORCPT Delivered-To, got:\n%s", buf)
	}
}

// TestRcptUnknownParamRejected checks that a still-unrecognized RCPT
// parameter keeps failing with 555, now that NOTIFY/ORCPT are accepted.
func TestRcptUnknownParamRejected(t *testing.T) {
	d := newDirectory(t)
	insertLocal(t, d, "user", "user")
	s := newTestSession(t, testOpts(d))
	s.readReply()
	s.send("LHLO client.example.org")
	s.readReply()
	s.send("MAIL FROM:<sender@x.example>")
	s.readReply()

	s.send("RCPT TO:<user@local> BOGUS=1")
	reply := s.readReply()
	if !strings.HasPrefix(reply, "555") {
		t.Fatalf("got %q", reply)
	}
}

type upstreamStep struct{ expect, reply string }

// startFakeLMTPUpstream listens on 127.0.0.1:0 and runs script against every
// accepted connection, grounding proxy-path tests without a real backend.
func startFakeLMTPUpstream(t *testing.T, script []upstreamStep) (net.Listener, *net.TCPAddr) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listening for fake upstream")
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		r := bufio.NewReader(nc)
		w := bufio.NewWriter(nc)
		w.WriteString("220 upstream.example LMTP ready\r\n")
		w.Flush()
		for _, step := range script {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if step.expect != "" && !strings.HasPrefix(strings.ToUpper(line), step.expect) {
				t.Errorf("unexpected upstream command %q, want prefix %q", line, step.expect)
			}
			w.WriteString(step.reply)
			w.Flush()
		}
	}()
	return ln, ln.Addr().(*net.TCPAddr)
}
