package lmtpserver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mjl-/lmtpd/daemon"
	"github.com/mjl-/lmtpd/smtp"
	"github.com/mjl-/lmtpd/store"
)

// cmdRcpt implements the recipient router: detail-suffix splitting,
// optional passdb proxy lookup, loop detection, mixed-destination
// rejection, and the local-path anvil concurrency gate.
// Grounded on Dovecot's client_proxy_rcpt_parse_fields/client_proxy_rcpt/
// cmd_rcpt (lmtp/commands.c).
func (c *conn) cmdRcpt(p *parser) {
	c.xneedHello()
	if c.env == nil {
		xlmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "MAIL needed first")
	}

	p.xtake(" TO:")
	var addr smtp.Path
	if p.take("<POSTMASTER>") {
		addr = smtp.Path{Localpart: "postmaster"}
	} else {
		addr = p.xforwardPath()
	}
	var orcpt string
	for p.space() {
		key := p.xparamKeyword()
		p.xtake("=")
		val := p.xparamValue()
		switch strings.ToUpper(key) {
		case "NOTIFY":
			// RFC 3461 delivery-status notification preference; accepted and
			// discarded, no DSN reports are generated.
		case "ORCPT":
			orcpt = val
		default:
			xlmtpUserErrorf(smtp.C555UnrecognizedAddrParams, smtp.SeProto5BadParams4, "unrecognized parameter %q", key)
		}
	}
	p.xend()

	username, detail, delim := c.splitDetail(addr)
	sessionID := recipientSessionID(c.cid, len(c.env.rcpts))
	ctx := context.Background()

	if c.proxyEnabled {
		fields, ok, err := c.directory.Lookup(ctx, username)
		if err != nil {
			xlmtpErrorf(451, "3.0", false, "<%s> temporary internal error: %s", addr.XString(false), err)
		}
		if ok {
			if c.proxyRcpt(ctx, addr, username, detail, delim, orcpt, fields, sessionID) {
				return
			}
		}
	}

	c.localRcpt(ctx, addr, username, detail, orcpt, sessionID)
}

// splitDetail separates a configured detail delimiter out of the localpart,
// returning the plain username and the detail suffix (empty if none).
func (c *conn) splitDetail(addr smtp.Path) (username, detail string, delim byte) {
	lp := string(addr.Localpart)
	if c.recipientDelimiter == 0 {
		return lp, "", 0
	}
	if i := strings.IndexByte(lp, c.recipientDelimiter); i >= 0 {
		return lp[:i], lp[i+1:], c.recipientDelimiter
	}
	return lp, "", c.recipientDelimiter
}

// proxyRcpt interprets a passdb hit's fields. It returns true if the hit
// owns this RCPT's outcome (proxying enabled by the record) and writes the
// reply itself; false means the record does not proxy and the caller
// should fall through to the local path.
func (c *conn) proxyRcpt(ctx context.Context, addr smtp.Path, username, detail string, delim byte, orcpt string, fields map[string]string, sessionID string) bool {
	if _, ok := fields["proxy"]; !ok {
		return false
	}

	target := proxyTarget{
		port:      c.localPort,
		protocol:  "lmtp",
		timeoutMS: 125_000,
	}
	effectiveUsername := username
	if host, ok := fields["host"]; ok {
		target.host = host
	}
	if hostip, ok := fields["hostip"]; ok {
		target.hostIP = net.ParseIP(hostip)
	}
	if port, ok := fields["port"]; ok {
		if n, err := strconv.Atoi(port); err == nil {
			target.port = n
		}
	}
	if secs, ok := fields["proxy_timeout"]; ok {
		if n, err := strconv.Atoi(secs); err == nil {
			target.timeoutMS = n * 1000
		}
	}
	if proto, ok := fields["protocol"]; ok {
		switch proto {
		case "lmtp":
			target.protocol = "lmtp"
		case "smtp":
			target.protocol = "smtp"
			if _, portSet := fields["port"]; !portSet {
				target.port = 25
			}
		default:
			xlmtpErrorf(451, "3.5", false, "proxy: unknown protocol %q", proto)
		}
	}
	if u, ok := fields["user"]; ok {
		effectiveUsername = u
	} else if u, ok := fields["destuser"]; ok {
		effectiveUsername = u
	}
	if target.host == "" {
		// A passdb misconfiguration, not the client's fault.
		xlmtpErrorf(451, "3.5", false, "proxy: host not given")
	}

	effectiveAddr := addr
	if effectiveUsername != username {
		newLocalpart := effectiveUsername
		if detail != "" {
			newLocalpart = effectiveUsername + string(delim) + detail
		}
		effectiveAddr = smtp.Path{Localpart: smtp.Localpart(newLocalpart), IPDomain: addr.IPDomain}
	} else if c.isOurself(target) {
		xlmtpErrorf(554, "4.6", true, "<%s> Proxying loops to itself", addr.XString(false))
	}

	if c.proxyTTL <= 1 {
		xlmtpErrorf(554, "4.6", true, "<%s> Proxying appears to be looping (TTL=0)", addr.XString(false))
	}

	if len(c.env.rcpts) != 0 && c.env.rcpts[0].routing != routingProxy {
		xlmtpErrorf(451, "3.0", true, "<%s> Can't handle mixed proxy/non-proxy destinations", addr.XString(false))
	}

	if c.env.proxy == nil {
		client, err := dialProxy(ctx, c, target)
		if err != nil {
			c.writecodeline(451, "4.0", "Remote server not answering", err)
			return true
		}
		ttl := c.proxyTTL - 1
		if err := client.XClient(ctx, c.remoteIP, c.remotePort, ttl); err != nil {
			client.Close()
			c.writecodeline(451, "4.0", "Remote server not answering", err)
			return true
		}
		c.env.proxy = &proxySession{client: client}
		if err := client.MailFrom(ctx, c.env.sender, c.env.bodyType); err != nil {
			c.writecodeline(451, "4.0", "Remote server not answering", err)
			return true
		}
	}

	if err := c.env.proxy.client.RcptTo(ctx, effectiveAddr); err != nil {
		relayProxyError(c, addr, err)
		return true
	}

	c.env.rcpts = append(c.env.rcpts, &rcpt{
		addr:      effectiveAddr,
		detail:    detail,
		orcpt:     orcpt,
		sessionID: sessionID,
		routing:   routingProxy,
		target:    target,
	})
	c.writecodeline(smtp.C250Completed, smtp.SeAddr1DestValid5, "OK", nil)
	return true
}

func (c *conn) isOurself(target proxyTarget) bool {
	if target.port != c.localPort {
		return false
	}
	ip := target.hostIP
	if ip == nil {
		ip = net.ParseIP(target.host)
	}
	return ip != nil && c.localIP != nil && ip.Equal(c.localIP)
}

// localRcpt resolves addr against the local directory, applying the
// mixed-destination rule and the per-user anvil concurrency gate.
func (c *conn) localRcpt(ctx context.Context, addr smtp.Path, username, detail, orcpt, sessionID string) {
	acc, err := c.directory.ResolveLocal(ctx, username)
	if err == store.ErrAccountUnknown {
		xlmtpErrorf(550, "1.1", true, "<%s> User doesn't exist: %s", addr.XString(false), username)
	} else if err != nil {
		xlmtpErrorf(451, "3.0", false, "<%s> Temporary internal error: %s", addr.XString(false), err)
	}

	if c.env.proxy != nil {
		xlmtpErrorf(451, "3.0", true, "<%s> Can't handle mixed proxy/non-proxy destinations", addr.XString(false))
	}

	r := &rcpt{
		addr:      addr,
		detail:    detail,
		orcpt:     orcpt,
		sessionID: sessionID,
		routing:   routingLocal,
		account:   acc,
	}

	max := c.anvilMax
	if acc.ConcurrencyCap != 0 && (max == 0 || acc.ConcurrencyCap < max) {
		max = acc.ConcurrencyCap
	}
	if max == 0 {
		c.env.rcpts = append(c.env.rcpts, r)
		c.writecodeline(smtp.C250Completed, smtp.SeAddr1DestValid5, "OK", nil)
		return
	}

	key := store.ConcurrencyKey("lmtp", acc.Username)
	ok, err := c.anvilClient.Reserve(ctx, key, max)
	if err != nil {
		xlmtpErrorf(451, "3.0", false, "<%s> Temporary internal error: %s", addr.XString(false), err)
	}
	if !ok {
		xlmtpUserErrorf(451, "3.0", "<%s> Too many concurrent connections", addr.XString(false))
	}
	r.anvilKey = key
	c.env.rcpts = append(c.env.rcpts, r)
	c.writecodeline(smtp.C250Completed, smtp.SeAddr1DestValid5, "OK", nil)
}

// recipientSessionID returns the base per-connection session id for the
// first recipient and "<base>:<k>" (k >= 2, 1-based) for subsequent ones,
// guaranteeing uniqueness within a delivery even when the same message is
// fanned out to many recipients.
func recipientSessionID(cid int64, priorRcpts int) string {
	base := daemon.ReceivedID(cid)
	if priorRcpts == 0 {
		return base
	}
	return fmt.Sprintf("%s:%d", base, priorRcpts+1)
}
