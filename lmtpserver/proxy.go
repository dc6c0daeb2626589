package lmtpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mjl-/lmtpd/lmtpclient"
	"github.com/mjl-/lmtpd/smtp"
)

// dialProxy connects to a proxy target and completes the LHLO/EHLO
// handshake, returning a Client ready for MailFrom.
func dialProxy(ctx context.Context, c *conn, target proxyTarget) (*lmtpclient.Client, error) {
	timeout := time.Duration(target.timeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 125 * time.Second
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nc, err := lmtpclient.Dial(dctx, &net.Dialer{}, target.hostIP, target.host, target.port, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing proxy target %s:%d: %w", target.host, target.port, err)
	}

	client, err := lmtpclient.New(dctx, c.log, nc, target.protocol, c.hostname, timeout)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("handshake with proxy target %s:%d: %w", target.host, target.port, err)
	}
	return client, nil
}

// relayProxyError writes a reply for a failed proxy MAIL/RCPT, passing the
// downstream's own code/secode/text through verbatim when available instead
// of collapsing everything to a generic temporary failure.
func relayProxyError(c *conn, addr smtp.Path, err error) {
	var lerr lmtpclient.Error
	if errors.As(err, &lerr) && lerr.Err == nil {
		c.writecodeline(lerr.Code, lerr.Secode, fmt.Sprintf("<%s> %s", addr.XString(false), lerr.Line), err)
		return
	}
	c.writecodeline(451, "4.0", fmt.Sprintf("<%s> Remote server not answering", addr.XString(false)), err)
}
