package dns

import (
	"context"
	"net"
)

// Resolver resolves a ProxyTarget host name to a connectable IP address. It
// wraps the standard library resolver; DANE/DNSSEC validation is a TLS-trust
// concern handled (if at all) by the dialer, not by name resolution.
type Resolver struct {
	Resolver *net.Resolver
}

// NewResolver returns a Resolver using net.DefaultResolver.
func NewResolver() Resolver {
	return Resolver{Resolver: net.DefaultResolver}
}

// LookupHost resolves name to a list of IP addresses usable for dialing, in
// the order the resolver returned them.
func (r Resolver) LookupHost(ctx context.Context, name string) ([]net.IP, error) {
	addrs, err := r.Resolver.LookupIPAddr(ctx, name)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}
