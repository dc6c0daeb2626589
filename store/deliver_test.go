package store

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/mjl-/lmtpd/mlog"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestDeliverExtractsWantedHeaders(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDirectory(context.Background(), dir+"/directory.db", dir, mlog.New("store-test"))
	tcheck(t, err, "opening directory")
	defer d.Close()

	acc := Account{Username: "user", MailboxDir: "user"}
	tcheck(t, d.DB.Insert(context.Background(), &acc), "inserting account")

	payload := "From: sender@x.example\r\n" +
		"To: user@local\r\n" +
		"Subject: hi there\r\n" +
		"Message-Id: <abc@x.example>\r\n" +
		"Return-Path: <sender@x.example>\r\n" +
		"\r\n" +
		"hello\r\n"

	meta, err := d.Deliver(context.Background(), acc, strings.NewReader(payload))
	tcheck(t, err, "delivering")

	if meta.From != "sender@x.example" {
		t.Errorf("got From %q", meta.From)
	}
	if meta.To != "user@local" {
		t.Errorf("got To %q", meta.To)
	}
	if meta.Subject != "hi there" {
		t.Errorf("got Subject %q", meta.Subject)
	}
	if meta.MessageID != "<abc@x.example>" {
		t.Errorf("got MessageID %q", meta.MessageID)
	}
	if meta.ReturnPath != "<sender@x.example>" {
		t.Errorf("got ReturnPath %q", meta.ReturnPath)
	}

	entries, err := os.ReadDir(dir + "/user/new")
	tcheck(t, err, "reading mailbox")
	if len(entries) != 1 {
		t.Fatalf("got %d delivered messages, want 1", len(entries))
	}
	buf, err := os.ReadFile(dir + "/user/new/" + entries[0].Name())
	tcheck(t, err, "reading delivered message")
	if !strings.Contains(string(buf), "hello") {
		t.Fatalf("delivered message missing body, got:\n%s", buf)
	}
}
