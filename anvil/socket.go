package anvil

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mjl-/lmtpd/mlog"
)

var xlog = mlog.New("anvil")

// Serve accepts connections on ln and answers the LOOKUP protocol against
// reg until ln is closed. Each connection may issue any number of pipelined
// "LOOKUP\t<key>\n" requests, each answered with "OK\t<count>\n".
func Serve(ln net.Listener, reg *Registry) error {
	log := xlog
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go serveConn(c, reg, log)
	}
}

func serveConn(c net.Conn, reg *Registry, log *mlog.Log) {
	defer c.Close()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		cmd, arg, _ := strings.Cut(line, "\t")
		switch cmd {
		case "LOOKUP":
			fmt.Fprintf(w, "OK\t%d\n", reg.Count(arg))
		default:
			fmt.Fprintf(w, "FAIL\tunknown command\n")
		}
		if err := w.Flush(); err != nil {
			log.Debugx("writing anvil reply", err)
			return
		}
	}
}

// SocketClient is a Client that queries an anvil-protocol Unix domain socket
// for each Reserve (Release does nothing), for deployments that run the registry out of
// process. Reserve is not atomic across the round trip: it performs a
// LOOKUP, and relies on the caller not exceeding max locally in the common
// case of light contention. Genuinely atomic remote reservation would need a
// stateful protocol extension; out of scope here.
type SocketClient struct {
	Network, Address string
}

func (c SocketClient) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, c.Network, c.Address)
}

func (c SocketClient) lookup(ctx context.Context, key string) (int, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if _, err := fmt.Fprintf(conn, "LOOKUP\t%s\n", key); err != nil {
		return 0, err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimRight(line, "\r\n")
	cmd, arg, _ := strings.Cut(line, "\t")
	if cmd != "OK" {
		return 0, fmt.Errorf("anvil lookup failed: %s", line)
	}
	return strconv.Atoi(arg)
}

func (c SocketClient) Reserve(ctx context.Context, key string, max int) (bool, error) {
	if max <= 0 {
		return true, nil
	}
	n, err := c.lookup(ctx, key)
	if err != nil {
		return false, err
	}
	return n < max, nil
}

func (c SocketClient) Release(ctx context.Context, key string) {
	// Best-effort; the remote registry only tracks counts it incremented
	// itself via a local Reserve, so nothing to release here for the
	// lookup-only protocol above.
}
