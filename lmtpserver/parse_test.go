package lmtpserver

import (
	"testing"

	"github.com/mjl-/lmtpd/dns"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func xparsePanic(t *testing.T, fn func()) (recovered any) {
	t.Helper()
	defer func() {
		recovered = recover()
	}()
	fn()
	return nil
}

func TestForwardPath(t *testing.T) {
	p := newParser("<user@example.org>", false)
	path := p.xforwardPath()
	if string(path.Localpart) != "user" || path.IPDomain.Domain.ASCII != "example.org" {
		t.Fatalf("got %#v", path)
	}
	p.xend()
}

func TestForwardPathAddressLiteral(t *testing.T) {
	p := newParser("<user@[1.2.3.4]>", false)
	path := p.xforwardPath()
	if string(path.Localpart) != "user" || path.IPDomain.IP.String() != "1.2.3.4" {
		t.Fatalf("got %#v", path)
	}
}

func TestForwardPathTooLong(t *testing.T) {
	long := ""
	for i := 0; i < 260; i++ {
		long += "a"
	}
	p := newParser("<"+long+"@example.org>", false)
	if r := xparsePanic(t, func() { p.xforwardPath() }); r == nil {
		t.Fatalf("expected panic for oversized path")
	}
}

func TestBareReversePathEmpty(t *testing.T) {
	p := newParser("", false)
	path := p.xbareReversePath()
	if path.Localpart != "" || !path.IPDomain.IsZero() {
		t.Fatalf("expected null reverse path, got %#v", path)
	}
}

func TestParamKeywordParsesKeyword(t *testing.T) {
	p := newParser(" FOO=bar", false)
	p.xspace()
	key := p.xparamKeyword()
	if key != "FOO" {
		t.Fatalf("got key %q", key)
	}
}

func TestLhloArgValidDomain(t *testing.T) {
	v := xlhloArg("mail.example.org")
	if v.Domain.ASCII != "mail.example.org" {
		t.Fatalf("got %#v", v)
	}
}

func TestLhloArgAddressLiteral(t *testing.T) {
	v := xlhloArg("[1.2.3.4]")
	if v.IP.String() != "1.2.3.4" {
		t.Fatalf("got %#v", v)
	}
}

// Per spec.md's Open Question 1 and the round-trip property in §8: an
// unparsable LHLO argument is canonicalized to the domain "invalid" rather
// than failing the command.
func TestLhloArgInvalidFallsBack(t *testing.T) {
	v := xlhloArg("not a valid domain!!")
	want, err := dns.ParseDomain("invalid")
	tcheck(t, err, "parsing invalid domain")
	if v.Domain != want {
		t.Fatalf("got %#v, want domain %q", v, want.ASCII)
	}
}

func TestLhloArgEmptyFallsBack(t *testing.T) {
	v := xlhloArg("")
	if v.Domain.ASCII != "invalid" {
		t.Fatalf("got %#v", v)
	}
}

func TestXclientAttrAddr(t *testing.T) {
	var attrs xclientAttrs
	p := newParser("ADDR=1.2.3.4", false)
	p.xclientAttr(&attrs)
	if attrs.addr == nil || attrs.addr.String() != "1.2.3.4" {
		t.Fatalf("got %#v", attrs)
	}
}

func TestXclientAttrIPv6(t *testing.T) {
	var attrs xclientAttrs
	p := newParser("ADDR=IPv6:::1", false)
	p.xclientAttr(&attrs)
	if attrs.addr == nil || attrs.addr.String() != "::1" {
		t.Fatalf("got %#v", attrs)
	}
}

func TestXclientAttrUnknownIgnored(t *testing.T) {
	var attrs xclientAttrs
	p := newParser("LOGIN=someone", false)
	p.xclientAttr(&attrs)
	if attrs.addr != nil || attrs.port != 0 {
		t.Fatalf("expected unknown attribute to be ignored, got %#v", attrs)
	}
}

func TestXclientAttrBadPort(t *testing.T) {
	var attrs xclientAttrs
	p := newParser("PORT=notanumber", false)
	if r := xparsePanic(t, func() { p.xclientAttr(&attrs) }); r == nil {
		t.Fatalf("expected panic for bad port")
	}
}

func TestXendAllowsTrailingSpace(t *testing.T) {
	p := newParser("  \t ", false)
	p.xend() // Must not panic.
}

func TestXendRejectsTrailingData(t *testing.T) {
	p := newParser(" garbage", false)
	if r := xparsePanic(t, func() { p.xend() }); r == nil {
		t.Fatalf("expected panic for trailing data")
	}
}

func TestBarePathSourceRouteIgnored(t *testing.T) {
	p := newParser("@relay1.example,@relay2.example:user@example.org", false)
	path := p.xbarePath()
	if string(path.Localpart) != "user" || path.IPDomain.Domain.ASCII != "example.org" {
		t.Fatalf("got %#v", path)
	}
}

func TestQuotedLocalpart(t *testing.T) {
	p := newParser(`<"john doe"@example.org>`, false)
	path := p.xforwardPath()
	if string(path.Localpart) != "john doe" {
		t.Fatalf("got %q", path.Localpart)
	}
}
