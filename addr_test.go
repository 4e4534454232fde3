/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"net/netip"
	"testing"
)

// embedding examples from RFC 6052 §2.4, 192.0.2.33 under every allowed
// prefix length
var rfc6052_vectors = []struct {
	prefix string
	v6     string
}{
	{"2001:db8::/32", "2001:db8:c000:221::"},
	{"2001:db8:100::/40", "2001:db8:1c0:2:21::"},
	{"2001:db8:122::/48", "2001:db8:122:c000:2:2100::"},
	{"2001:db8:122:300::/56", "2001:db8:122:3c0:0:221::"},
	{"2001:db8:122:344::/64", "2001:db8:122:344:c0:2:2100::"},
	{"2001:db8:122:344::/96", "2001:db8:122:344::192.0.2.33"},
}

func TestEmbed(t *testing.T) {

	v4 := netip.MustParseAddr("192.0.2.33")

	for _, vec := range rfc6052_vectors {

		plat := netip.MustParsePrefix(vec.prefix)
		want := netip.MustParseAddr(vec.v6)

		got := embed(plat, v4)
		if got != want {
			t.Errorf("embed(%v, %v) = %v, want %v", vec.prefix, v4, got, want)
		}

		// byte 8 must stay zero for every prefix length
		if got.As16()[8] != 0 {
			t.Errorf("embed(%v, %v): byte 8 is not zero", vec.prefix, v4)
		}
	}
}

func TestExtract(t *testing.T) {

	want := netip.MustParseAddr("192.0.2.33")

	for _, vec := range rfc6052_vectors {

		plat := netip.MustParsePrefix(vec.prefix)
		v6 := netip.MustParseAddr(vec.v6)

		got, ok := extract(plat, v6)
		if !ok {
			t.Errorf("extract(%v, %v) failed", vec.prefix, vec.v6)
			continue
		}
		if got != want {
			t.Errorf("extract(%v, %v) = %v, want %v", vec.prefix, vec.v6, got, want)
		}
	}
}

func TestExtractNotInPlat(t *testing.T) {

	plat := netip.MustParsePrefix("64:ff9b::/96")

	for _, ss := range []string{"2001:db8::1", "65:ff9b::808:808"} {
		if _, ok := extract(plat, netip.MustParseAddr(ss)); ok {
			t.Errorf("extract(%v, %v) succeeded, want failure", plat, ss)
		}
	}
}

func TestEmbedExtractRoundTrip(t *testing.T) {

	for _, vec := range rfc6052_vectors {

		plat := netip.MustParsePrefix(vec.prefix)

		for _, ss := range []string{"8.8.8.8", "203.0.113.200", "1.2.3.4"} {

			v4 := netip.MustParseAddr(ss)
			got, ok := extract(plat, embed(plat, v4))
			if !ok || got != v4 {
				t.Errorf("round trip of %v via %v = %v ok(%v)", v4, vec.prefix, got, ok)
			}
		}
	}
}

func TestPlatPrefixlen(t *testing.T) {

	for _, bits := range []int{32, 40, 48, 56, 64, 96} {
		if !plat_prefixlen_ok(bits) {
			t.Errorf("prefix length /%v rejected", bits)
		}
	}
	for _, bits := range []int{0, 24, 72, 80, 128} {
		if plat_prefixlen_ok(bits) {
			t.Errorf("prefix length /%v accepted", bits)
		}
	}

	if _, err := parse_plat_prefix("64:ff9b::/95"); err == nil {
		t.Errorf("parse_plat_prefix accepted /95")
	}
	if _, err := parse_plat_prefix("192.0.2.0/24"); err == nil {
		t.Errorf("parse_plat_prefix accepted an IPv4 prefix")
	}
	if pfx, err := parse_plat_prefix("64:ff9b::1/96"); err != nil || pfx != netip.MustParsePrefix("64:ff9b::/96") {
		t.Errorf("parse_plat_prefix did not mask: %v %v", pfx, err)
	}
}

func TestPrefix64Equal(t *testing.T) {

	a := netip.MustParseAddr("2001:db8::1")
	b := netip.MustParseAddr("2001:db8::dead:beef")
	c := netip.MustParseAddr("2001:db9::1")

	if !prefix64_equal(a, b) {
		t.Errorf("%v and %v should share a /64", a, b)
	}
	if prefix64_equal(a, c) {
		t.Errorf("%v and %v should not share a /64", a, c)
	}
}

func TestGenIPv6Local(t *testing.T) {

	uplink := netip.MustParseAddr("2001:db8:122:344::1")

	addr := gen_ipv6_local(uplink)

	if !prefix64_equal(addr, uplink) {
		t.Errorf("generated address %v left the uplink /64", addr)
	}
	if addr == uplink {
		t.Errorf("generated address equals the uplink address")
	}
	if gen_ipv6_local(uplink) != addr {
		t.Errorf("generated address is not stable")
	}

	// a different interface address within the same /64 maps to the same
	// CLAT address
	other := netip.MustParseAddr("2001:db8:122:344::2:7")
	if gen_ipv6_local(other) != addr {
		t.Errorf("generated address depends on the interface identifier")
	}
}

func TestPlatPrefixFromAddr(t *testing.T) {

	// synthesized ipv4only.arpa answers at various prefix lengths
	for _, vec := range []struct {
		addr   string
		prefix string
	}{
		{"64:ff9b::192.0.0.170", "64:ff9b::/96"},
		{"64:ff9b::192.0.0.171", "64:ff9b::/96"},
		{"2001:db8:122:344:c0:0:aa00:0", "2001:db8:122:344::/64"},
	} {
		pfx, ok := plat_prefix_from_addr(netip.MustParseAddr(vec.addr))
		if !ok {
			t.Errorf("no prefix found in %v", vec.addr)
			continue
		}
		if pfx != netip.MustParsePrefix(vec.prefix) {
			t.Errorf("prefix from %v = %v, want %v", vec.addr, pfx, vec.prefix)
		}
	}

	// not a synthesized address
	if _, ok := plat_prefix_from_addr(netip.MustParseAddr("2001:db8::1")); ok {
		t.Errorf("found a prefix in a native address")
	}
}
