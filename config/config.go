// Package config holds the static, file-based configuration for lmtpd,
// parsed with sconf.
package config

import (
	"crypto/tls"
	"fmt"
	"os"

	"github.com/mjl-/sconf"

	"github.com/mjl-/lmtpd/dns"
)

// DefaultInMemoryMax is the default in-memory ceiling for a payload sink
// before it spills to a temp file (roughly 64 KiB per the recommendation).
const DefaultInMemoryMax = 64 * 1024

// Static is the parsed form of the lmtpd configuration file.
type Static struct {
	DataDir          string            `sconf-doc:"Directory where the directory database, spooled temp files and delivered mail are stored. Relative paths are interpreted relative to the directory holding this config file."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. lmtpserver, lmtpclient, anvil."`
	Hostname         string            `sconf-doc:"Full hostname of this system, used as the greeting name and in synthesized Received headers, e.g. mail.example.org."`
	HostnameDomain   dns.Domain        `sconf:"-" json:"-"`

	Listeners map[string]Listener `sconf-doc:"Listeners are groups of addresses on which the LMTP service is offered."`

	RecipientDelimiter string `sconf:"optional" sconf-doc:"Character separating the address localpart from its detail/subaddress, e.g. '+'. Empty disables detail parsing."`

	MaxMessageSize    int64 `sconf:"optional" sconf-doc:"Maximum accepted message size in bytes. Zero means no limit beyond the transport's own limits."`
	InMemoryMax       int64 `sconf:"optional" sconf-doc:"Payload bytes buffered in memory before spilling to a temp file. Defaults to 64KiB."`
	ProxyEnabled      bool  `sconf:"optional" sconf-doc:"Whether RCPT TO may be routed to a remote LMTP/SMTP backend based on directory lookups. If false, all recipients are resolved locally."`
	ProxyDefaultTTL   int   `sconf:"optional" sconf-doc:"Default TTL handed to a freshly accepted connection for loop detection when XCLIENT does not override it. Defaults to 60."`
	AnvilSocket       string `sconf:"optional" sconf-doc:"Optional path to a Unix domain socket serving the anvil LOOKUP protocol for out-of-process concurrency queries. If empty, an in-process registry is used."`
	MetricsAddr       string `sconf:"optional" sconf-doc:"Address to serve Prometheus metrics on, e.g. localhost:8722. Empty disables metrics serving."`
}

// Listener groups addresses and the LMTP service configuration active on
// them.
type Listener struct {
	IPs          []string `sconf-doc:"IP addresses to listen on. Use 0.0.0.0 and/or :: for all addresses."`
	UnixSocket   string   `sconf:"optional" sconf-doc:"Path to a Unix domain socket to listen on, instead of/in addition to IPs."`
	LMTP         LMTP     `sconf-doc:"LMTP service configuration for this listener."`
}

// LMTP configures the LMTP service on a listener.
type LMTP struct {
	Enabled bool `sconf-doc:"Whether LMTP is enabled on this listener."`
	Port    int  `sconf:"optional" sconf-doc:"Port to listen on. Defaults to 24."`

	TLS       *TLS `sconf:"optional" sconf-doc:"TLS configuration for STARTTLS. If absent, STARTTLS is not offered."`
	Trusted   bool `sconf:"optional" sconf-doc:"Whether connections on this listener are trusted, allowing XCLIENT."`
}

// TLS names certificate/key files loaded once at startup; ACME/automatic
// certificate management is out of scope for this daemon.
type TLS struct {
	CertFile string `sconf-doc:"PEM certificate chain file."`
	KeyFile  string `sconf-doc:"PEM private key file."`
}

// Load builds a *tls.Config from t, or returns nil if t is nil.
func (t *TLS) Load() (*tls.Config, error) {
	if t == nil {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading tls keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// ParseFile reads and validates the configuration file at path.
func ParseFile(path string) (Static, error) {
	var c Static
	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := sconf.Parse(f, &c); err != nil {
		return c, fmt.Errorf("parsing config file: %w", err)
	}
	dom, err := dns.ParseDomain(c.Hostname)
	if err != nil {
		return c, fmt.Errorf("parsing hostname %q: %w", c.Hostname, err)
	}
	c.HostnameDomain = dom
	if c.InMemoryMax == 0 {
		c.InMemoryMax = DefaultInMemoryMax
	}
	if c.ProxyDefaultTTL == 0 {
		c.ProxyDefaultTTL = 60
	}
	return c, nil
}
