package lmtpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mjl-/lmtpd/metrics"
	"github.com/mjl-/lmtpd/smtp"
	"github.com/mjl-/lmtpd/store"
)

// payloadSink accumulates a composed message payload in memory up to a
// configured ceiling, then transparently spills to an unlinked temp file for
// the remainder. This is the one fd a delivery ever needs: it never has a
// name, so a crash mid-delivery leaves nothing to clean up.
type payloadSink struct {
	mem     []byte
	max     int64
	f       *os.File
	baseDir string
}

func (s *payloadSink) Write(p []byte) (int, error) {
	if s.f == nil {
		if int64(len(s.mem))+int64(len(p)) <= s.max {
			s.mem = append(s.mem, p...)
			return len(p), nil
		}
		f, err := store.CreateSpillFile(s.baseDir, "lmtpd-spill")
		if err != nil {
			return 0, err
		}
		if len(s.mem) > 0 {
			if _, err := f.Write(s.mem); err != nil {
				f.Close()
				return 0, err
			}
		}
		s.f = f
		s.mem = nil
		metrics.LMTPPayloadSpills.WithLabelValues().Inc()
	}
	n, err := s.f.Write(p)
	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

// reader returns a fresh read-only view of the accumulated payload, from the
// start, for handing to local delivery and/or proxy relay.
func (s *payloadSink) reader() (io.ReadSeeker, error) {
	if s.f != nil {
		if _, err := s.f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return s.f, nil
	}
	return bytes.NewReader(s.mem), nil
}

func (s *payloadSink) close() {
	if s.f != nil {
		s.f.Close()
	}
}

// cmdData implements payload ingest: immediate 354, dot-stuffed body read
// into a payloadSink prefixed with the synthesized trace headers, then
// per-recipient delivery fan-out.
func (c *conn) cmdData(p *parser) {
	c.xneedHello()
	if c.env == nil || len(c.env.rcpts) == 0 {
		xlmtpUserErrorf(554, smtp.SeProto5BadCmdOrSeq1, "No valid recipients")
	}
	p.xend()

	c.writelinef("%d OK", smtp.C354Continue)

	// The whole ingest-plus-fan-out is bounded; a stuck downstream or a stalled
	// client shouldn't pin a session open forever.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	c.deadline, _ = ctx.Deadline()
	defer func() { c.deadline = time.Time{} }()

	sink := &payloadSink{max: c.inMemoryMax, baseDir: c.directory.BaseDir}
	defer sink.close()

	if _, err := sink.Write([]byte(c.composeTraceHeaders())); err != nil {
		xlmtpErrorf(451, "3.0", false, "writing trace headers: %s", err)
	}

	dr := smtp.NewDataReader(c.r)
	var limited io.Writer = sink
	if c.maxMessageSize > 0 {
		limited = &limitWriter{w: sink, max: c.maxMessageSize}
	}
	_, err := io.Copy(limited, dr)
	if err != nil {
		if errors.Is(err, errMessageTooLarge) {
			c.writecodeline(smtp.C552MailboxFull, smtp.SeSys3MsgLimitExceeded4, "message too large", err)
			io.Copy(io.Discard, dr)
			return
		}
		if errors.Is(err, smtp.ErrCRLF) {
			c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "invalid bare \\r or \\n in message", err)
			return
		}
		// Spill/i/o failure: fatal to the session per the payload-sink-error taxonomy.
		c.writecodeline(451, "3.0", "Temporary internal failure", err)
		panic(fmt.Errorf("writing message data: %s (%w)", err, errIO))
	}

	c.deliver(ctx, sink)
	c.rset()
}

type limitWriter struct {
	w   io.Writer
	max int64
	n   int64
}

var errMessageTooLarge = errors.New("lmtpserver: message exceeds configured maximum size")

func (l *limitWriter) Write(p []byte) (int, error) {
	l.n += int64(len(p))
	if l.n > l.max {
		return 0, errMessageTooLarge
	}
	return l.w.Write(p)
}
