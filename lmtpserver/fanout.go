package lmtpserver

import (
	"context"
	"fmt"

	"github.com/mjl-/lmtpd/metrics"
	"github.com/mjl-/lmtpd/mlog"
	"github.com/mjl-/lmtpd/smtp"
)

// deliver fans a composed payload out to every recipient in envelope order,
// emitting exactly one reply line per recipient. A proxied envelope has
// exactly one shared downstream session (mixed local/proxy destinations are
// rejected at RCPT time), so its recipients are delivered with a single
// DATA call and their replies are relayed back in RcptTo order; local
// recipients are each delivered independently.
func (c *conn) deliver(ctx context.Context, sink *payloadSink) {
	env := c.env

	if env.proxy != nil {
		c.deliverProxy(ctx, sink, env)
	} else {
		c.deliverLocal(ctx, sink, env)
	}

	c.restorePrivileges()
}

func (c *conn) deliverProxy(ctx context.Context, sink *payloadSink, env *envelope) {
	reader, err := sink.reader()
	if err != nil {
		xcheckf(err, "reading payload for proxy relay")
	}

	resps, err := env.proxy.client.Data(ctx, reader)
	if err != nil {
		for _, r := range env.rcpts {
			relayProxyError(c, r.addr, err)
			metrics.LMTPDeliveries.WithLabelValues("proxy", "error").Inc()
		}
		return
	}

	for i, r := range env.rcpts {
		if i >= len(resps) {
			c.writecodeline(451, "4.0", fmt.Sprintf("<%s> missing upstream reply", r.addr.XString(false)), nil)
			metrics.LMTPDeliveries.WithLabelValues("proxy", "error").Inc()
			continue
		}
		resp := resps[i]
		c.writecodeline(resp.Code, resp.Secode, fmt.Sprintf("<%s> %s", r.addr.XString(false), resp.Line), nil)
		result := "error"
		if resp.Code/100 == 2 {
			result = "delivered"
		}
		metrics.LMTPDeliveries.WithLabelValues("proxy", result).Inc()
	}
}

func (c *conn) deliverLocal(ctx context.Context, sink *payloadSink, env *envelope) {
	for _, r := range env.rcpts {
		reader, err := sink.reader()
		if err != nil {
			xcheckf(err, "reading payload for delivery")
		}

		meta, err := c.directory.Deliver(ctx, r.account, reader)
		if err != nil {
			c.writecodeline(451, "3.0", fmt.Sprintf("<%s> Temporary internal error: %s", r.addr.XString(false), err), err)
			metrics.LMTPDeliveries.WithLabelValues("local", "error").Inc()
			continue
		}
		c.log.Debug("delivered message",
			mlog.Field("rcpt", r.addr.XString(false)),
			mlog.Field("from", meta.From),
			mlog.Field("to", meta.To),
			mlog.Field("messageid", meta.MessageID),
			mlog.Field("subject", meta.Subject),
			mlog.Field("returnpath", meta.ReturnPath))
		c.writecodeline(smtp.C250Completed, smtp.SeOther00, fmt.Sprintf("<%s> OK", r.addr.XString(false)), nil)
		metrics.LMTPDeliveries.WithLabelValues("local", "delivered").Inc()
	}
}

// restorePrivileges is the fan-out completion hook the narrowed privilege
// model (see DESIGN.md) reduces to a no-op: store.Directory delivers
// in-process rather than under a per-user uid, so there is nothing to
// restore. The call stays in place so a future privilege-separated storage
// backend has a point to hook into.
func (c *conn) restorePrivileges() {
}
