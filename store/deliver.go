package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/lmtpd/daemon"
	"github.com/mjl-/lmtpd/message"
)

// DeliveryMeta carries the wanted-header set extracted from the composed
// payload for a delivered message, as recorded alongside the raw message
// bytes.
type DeliveryMeta struct {
	From       string
	To         string
	MessageID  string
	Subject    string
	ReturnPath string
}

var wantedHeaderFields = [][]byte{
	[]byte("From"),
	[]byte("To"),
	[]byte("Message-Id"),
	[]byte("Subject"),
	[]byte("Return-Path"),
}

// Deliver writes payload (the trace-header-prepended message stream) into
// acc's mailbox as a new message, using a create-in-tmp-then-rename sequence
// so a reader never observes a partially written file. It returns the
// wanted-header set (From, To, Message-ID, Subject, Return-Path) read off
// the payload as it is written, for the caller to log alongside the
// delivery outcome.
func (d *Directory) Deliver(ctx context.Context, acc Account, payload io.Reader) (meta DeliveryMeta, err error) {
	dir := filepath.Join(d.BaseDir, acc.MailboxDir, "new")
	if err := os.MkdirAll(dir, 0770); err != nil {
		return meta, fmt.Errorf("making mailbox dir: %w", err)
	}
	tmpDir := filepath.Join(d.BaseDir, acc.MailboxDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0770); err != nil {
		return meta, fmt.Errorf("making mailbox tmp dir: %w", err)
	}

	name := fmt.Sprintf("%d.%d.lmtpd", time.Now().UnixNano(), daemon.Cid())
	tmpPath := filepath.Join(tmpDir, name)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return meta, fmt.Errorf("creating message file: %w", err)
	}
	defer func() {
		if err != nil {
			if xerr := os.Remove(tmpPath); xerr != nil && !os.IsNotExist(xerr) {
				d.Log.Errorx("removing failed delivery temp file", xerr)
			}
		}
	}()

	w := message.NewWriter(f)
	tr := io.TeeReader(payload, w) // Every byte read is also written to the message file, in order, exactly once.
	br := bufio.NewReader(tr)
	header, herr := message.ReadHeaders(br)
	if herr == nil {
		if fields, ferr := message.ParseHeaderFields(header, nil, wantedHeaderFields); ferr == nil && fields != nil {
			meta = DeliveryMeta{
				From:       fields.Get("From"),
				To:         fields.Get("To"),
				MessageID:  fields.Get("Message-Id"),
				Subject:    fields.Get("Subject"),
				ReturnPath: fields.Get("Return-Path"),
			}
		}
	}
	if _, err = io.Copy(io.Discard, br); err != nil {
		f.Close()
		return meta, fmt.Errorf("writing message: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return meta, fmt.Errorf("syncing message: %w", err)
	}
	if err = f.Close(); err != nil {
		return meta, fmt.Errorf("closing message: %w", err)
	}

	finalPath := filepath.Join(dir, name)
	if err = os.Rename(tmpPath, finalPath); err != nil {
		return meta, fmt.Errorf("renaming message into place: %w", err)
	}
	return meta, nil
}
