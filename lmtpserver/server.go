package lmtpserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/lmtpd/anvil"
	"github.com/mjl-/lmtpd/config"
	"github.com/mjl-/lmtpd/daemon"
	"github.com/mjl-/lmtpd/dns"
	"github.com/mjl-/lmtpd/metrics"
	"github.com/mjl-/lmtpd/mlog"
	"github.com/mjl-/lmtpd/moxio"
	"github.com/mjl-/lmtpd/moxvar"
	"github.com/mjl-/lmtpd/smtp"
	"github.com/mjl-/lmtpd/store"
)

// Collaborators are the process-wide services a conn needs for routing and
// delivery; one set is shared by all connections on all listeners.
type Collaborators struct {
	Directory   *store.Directory
	AnvilClient anvil.Client
	Resolver    dns.Resolver
}

var servers []func(ctx context.Context)

// Listen builds a goroutine per configured, enabled listener. Call Serve to
// start accepting connections.
func Listen(conf config.Static, coll Collaborators) error {
	for name, listener := range conf.Listeners {
		if !listener.LMTP.Enabled {
			continue
		}
		tlsConfig, err := listener.LMTP.TLS.Load()
		if err != nil {
			return fmt.Errorf("loading tls config for listener %q: %w", name, err)
		}
		port := listener.LMTP.Port
		if port == 0 {
			port = 24
		}

		recipientDelimiter := byte(0)
		if conf.RecipientDelimiter != "" {
			recipientDelimiter = conf.RecipientDelimiter[0]
		}

		opts := listenOpts{
			listenerName:       name,
			hostname:           conf.HostnameDomain,
			tlsConfig:          tlsConfig,
			trusted:            listener.LMTP.Trusted,
			maxMessageSize:     conf.MaxMessageSize,
			inMemoryMax:        conf.InMemoryMax,
			recipientDelimiter: recipientDelimiter,
			proxyEnabled:       conf.ProxyEnabled,
			proxyDefaultTTL:    conf.ProxyDefaultTTL,
			coll:               coll,
		}

		for _, ip := range listener.IPs {
			addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
			if err := listen1("tcp", addr, opts); err != nil {
				return err
			}
		}
		if listener.UnixSocket != "" {
			if err := listen1("unix", listener.UnixSocket, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

type listenOpts struct {
	listenerName       string
	hostname           dns.Domain
	tlsConfig          *tls.Config
	trusted            bool
	maxMessageSize     int64
	inMemoryMax        int64
	recipientDelimiter byte
	proxyEnabled       bool
	proxyDefaultTTL    int
	coll               Collaborators
}

func listen1(network, addr string, opts listenOpts) error {
	log := mlog.New("lmtpserver")
	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("listen on %s %s: %w", network, addr, err)
	}
	log.Info("listening for lmtp", mlog.Field("listener", opts.listenerName), mlog.Field("address", addr), mlog.Field("network", network))

	servers = append(servers, func(ctx context.Context) {
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		for {
			nc, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				log.Infox("lmtp: accept", err, mlog.Field("listener", opts.listenerName))
				continue
			}
			go serve(ctx, daemon.Cid(), nc, opts)
		}
	})
	return nil
}

// Serve starts every listener registered by a prior Listen call, each in its
// own goroutine. It returns once ctx is done and every listener has stopped
// accepting new connections; in-flight connections are not waited for.
func Serve(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range servers {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func serve(ctx context.Context, cid int64, nc net.Conn, opts listenOpts) {
	var localIP, remoteIP net.IP
	var localPort, remotePort int
	if a, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		localIP, localPort = a.IP, a.Port
	} else {
		localIP = net.ParseIP("127.0.0.10")
	}
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP, remotePort = a.IP, a.Port
	} else {
		remoteIP = net.ParseIP("127.0.0.10")
	}

	c := &conn{
		cid:                cid,
		listenerName:       opts.listenerName,
		origConn:           nc,
		conn:               nc,
		tlsConfig:          opts.tlsConfig,
		lastlog:            time.Now(),
		hostname:           opts.hostname,
		localIP:            localIP,
		remoteIP:           remoteIP,
		localPort:          localPort,
		remotePort:         remotePort,
		trusted:            opts.trusted,
		proxyTTL:           opts.proxyDefaultTTL,
		maxMessageSize:     opts.maxMessageSize,
		inMemoryMax:        opts.inMemoryMax,
		recipientDelimiter: opts.recipientDelimiter,
		proxyEnabled:       opts.proxyEnabled,
		directory:          opts.coll.Directory,
		anvilClient:        opts.coll.AnvilClient,
		resolver:           opts.coll.Resolver,
	}

	var logmutex sync.Mutex
	c.log = mlog.New("lmtpserver").MoreFields(func() []mlog.Pair {
		logmutex.Lock()
		defer logmutex.Unlock()
		now := time.Now()
		l := []mlog.Pair{
			mlog.Field("cid", c.cid),
			mlog.Field("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		return l
	})
	c.tr = moxio.NewTraceReader(c.log, "RC: ", c)
	c.tw = moxio.NewTraceWriter(c.log, "LS: ", c)
	c.r = bufio.NewReader(c.tr)
	c.w = bufio.NewWriter(c.tw)

	metrics.LMTPConnections.WithLabelValues(opts.listenerName).Inc()
	c.log.Info("new connection",
		mlog.Field("remote", c.conn.RemoteAddr()),
		mlog.Field("local", c.conn.LocalAddr()),
		mlog.Field("listener", opts.listenerName))

	defer func() {
		c.origConn.Close()
		c.conn.Close()
		c.rset() // Release any anvil reservations still held.

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", mlog.Field("err", x))
			debug.PrintStack()
			metrics.PanicInc("lmtpserver")
		}
	}()

	select {
	case <-ctx.Done():
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down", nil)
		return
	default:
	}

	c.writelinef("%d %s LMTP lmtpd %s", smtp.C220ServiceReady, c.hostname.ASCII, moxvar.Version)

	for {
		command(c)

		// Command pipelining: if another full command line is already buffered, skip
		// flushing so the next reply batches with this one into a single packet.
		n := c.r.Buffered()
		if n > 0 {
			buf, err := c.r.Peek(n)
			if err == nil && bytes.IndexByte(buf, '\n') >= 0 {
				continue
			}
		}
		c.xflush()
	}
}

var commands = map[string]func(c *conn, p *parser){
	"lhlo":     (*conn).cmdLhlo,
	"starttls": (*conn).cmdStarttls,
	"mail":     (*conn).cmdMail,
	"rcpt":     (*conn).cmdRcpt,
	"data":     (*conn).cmdData,
	"rset":     (*conn).cmdRset,
	"vrfy":     (*conn).cmdVrfy,
	"noop":     (*conn).cmdNoop,
	"quit":     (*conn).cmdQuit,
	"xclient":  (*conn).cmdXclient,
}

func command(c *conn) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(error)
		if !ok {
			panic(x)
		}

		if isClosed(err) {
			panic(err)
		}

		var lerr lmtpError
		if errors.As(err, &lerr) {
			c.writecodeline(lerr.code, lerr.secode, fmt.Sprintf("%s (%s)", lerr.Error(), daemon.ReceivedID(c.cid)), lerr.err)
			if lerr.printStack {
				debug.PrintStack()
			}
		} else {
			c.log.Errorx("command panic", err)
			panic(err)
		}
	}()

	line := c.readline()
	t := strings.SplitN(line, " ", 2)
	var args string
	if len(t) == 2 {
		args = " " + t[1]
	}
	cmd := t[0]
	cmdl := strings.ToLower(cmd)

	c.cmd = cmdl
	c.cmdStart = time.Now()

	p := newParser(args, false)
	fn, ok := commands[cmdl]
	if !ok {
		c.cmd = "(unknown)"
		if c.ncmds == 0 {
			c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "please try again speaking lmtp", nil)
			panic(errIO)
		}
		xlmtpUserErrorf(smtp.C500BadSyntax, smtp.SeProto5BadCmdOrSeq1, "unknown command")
	}
	c.ncmds++
	fn(c, p)
}

func (c *conn) xneedHello() {
	if !c.greeted {
		xlmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "no lhlo yet")
	}
}
