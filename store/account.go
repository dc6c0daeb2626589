// Package store implements the local-delivery collaborators consumed by
// lmtpserver: a user directory (passdb-style routing/delivery lookups) and
// local mailbox delivery, both backed by a bstore database plus a maildir-style
// on-disk message store.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/lmtpd/mlog"
	"github.com/mjl-/lmtpd/moxvar"
)

var xlog = mlog.New("store")

var (
	ErrAccountUnknown = errors.New("no such account")
)

// DeliveredToPolicy controls whether and how a Delivered-To trace header is
// synthesized for single-recipient deliveries.
type DeliveredToPolicy string

const (
	DeliveredToFinal    DeliveredToPolicy = "final"
	DeliveredToOriginal DeliveredToPolicy = "original"
	DeliveredToNone     DeliveredToPolicy = "none"
)

// Account is a directory record: it carries both the routing decision (proxy
// vs local) consulted by the recipient router, and the local mailbox location
// used for delivery once a recipient is accepted as local.
type Account struct {
	ID       int64
	Username string `bstore:"nonzero,unique"`

	// Proxy routing fields, interpreted the way a passdb record's free-form
	// key=value fields would be.
	Proxy          bool
	ProxyHost      string
	ProxyHostIP    string
	ProxyPort      int
	ProxyProtocol  string // "lmtp" or "smtp", empty means lmtp
	ProxyTimeoutMS int
	DestUser       string // rewritten effective username, empty if unchanged

	// Local delivery fields.
	MailboxDir      string // relative to the directory's base dir
	DeliveredTo     DeliveredToPolicy
	ConcurrencyCap  int // 0 means unlimited
}

// Directory is the process-wide user directory and local-delivery
// collaborator. One Directory is shared by all sessions.
type Directory struct {
	DB      *bstore.DB
	BaseDir string
	Log     *mlog.Log
}

// OpenDirectory opens (creating if necessary) the directory database at
// dbPath. baseDir is the root under which each account's MailboxDir is
// resolved for delivery.
func OpenDirectory(ctx context.Context, dbPath, baseDir string, log *mlog.Log) (*Directory, error) {
	os.MkdirAll(filepath.Dir(dbPath), 0770)
	sl := slog.New(slog.NewTextHandler(os.Stderr, nil))
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: moxvar.RegisterLogger(dbPath, sl)}
	db, err := bstore.Open(ctx, dbPath, &opts, Account{})
	if err != nil {
		return nil, fmt.Errorf("open directory db: %w", err)
	}
	return &Directory{DB: db, BaseDir: baseDir, Log: log}, nil
}

func (d *Directory) Close() error {
	return d.DB.Close()
}

// Lookup implements the passdb collaborator interface from the recipient
// router: it returns the free-form fields recorded for username, or ok=false
// if there is no record (the router falls through to the local path in that
// case).
func (d *Directory) Lookup(ctx context.Context, username string) (fields map[string]string, ok bool, err error) {
	acc, err := bstore.QueryDB[Account](ctx, d.DB).FilterNonzero(Account{Username: username}).Get()
	if err == bstore.ErrAbsent {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("looking up directory record: %w", err)
	}
	if !acc.Proxy {
		return nil, true, nil
	}
	fields = map[string]string{"proxy": ""}
	if acc.ProxyHost != "" {
		fields["host"] = acc.ProxyHost
	}
	if acc.ProxyHostIP != "" {
		fields["hostip"] = acc.ProxyHostIP
	}
	if acc.ProxyPort != 0 {
		fields["port"] = fmt.Sprintf("%d", acc.ProxyPort)
	}
	if acc.ProxyProtocol != "" {
		fields["protocol"] = acc.ProxyProtocol
	}
	if acc.ProxyTimeoutMS != 0 {
		fields["proxy_timeout"] = fmt.Sprintf("%d", acc.ProxyTimeoutMS/1000)
	}
	if acc.DestUser != "" {
		fields["user"] = acc.DestUser
	}
	return fields, true, nil
}

// ResolveLocal looks up the local-delivery record for username. It is called
// by the recipient router after a passdb miss (or a non-proxying record),
// i.e. for accounts that are expected to be delivered to locally.
func (d *Directory) ResolveLocal(ctx context.Context, username string) (Account, error) {
	acc, err := bstore.QueryDB[Account](ctx, d.DB).FilterNonzero(Account{Username: username}).Get()
	if err == bstore.ErrAbsent {
		return Account{}, ErrAccountUnknown
	}
	if err != nil {
		return Account{}, fmt.Errorf("looking up account: %w", err)
	}
	return acc, nil
}

// ConcurrencyKey returns the key used against the concurrency registry for
// this account, following the "<service>/<escaped-username>" convention.
func ConcurrencyKey(service, username string) string {
	return service + "/" + strings.ReplaceAll(username, "/", "%2F")
}
