/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"crypto/sha256"
	"fmt"
	"net/netip"
)

/* Address algebra

IPv4 addresses embed into the PLAT prefix at the byte positions defined by
RFC 6052 §2.2: contiguous for a /96, around the zero "u" octet (byte 8)
for shorter prefixes. The local CLAT address is the uplink /64 plus an
interface identifier derived by hashing the prefix, so it is stable for
the lifetime of a given uplink configuration.
*/

// valid RFC 6052 prefix lengths
func plat_prefixlen_ok(bits int) bool {

	switch bits {
	case 32, 40, 48, 56, 64, 96:
		return true
	}
	return false
}

func parse_plat_prefix(s string) (netip.Prefix, error) {

	pfx, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	if !pfx.Addr().Is6() || pfx.Addr().Is4In6() {
		return netip.Prefix{}, fmt.Errorf("not an IPv6 prefix: %v", s)
	}
	if !plat_prefixlen_ok(pfx.Bits()) {
		return netip.Prefix{}, fmt.Errorf("invalid prefix length: /%v", pfx.Bits())
	}
	return pfx.Masked(), nil
}

// Embed an IPv4 address into the PLAT prefix.
func embed(plat netip.Prefix, addr netip.Addr) netip.Addr {

	v6 := plat.Masked().Addr().As16()
	v4 := addr.As4()

	i := plat.Bits() / 8
	for j := 0; j < 4; j++ {
		if i == 8 {
			i++ // byte 8 stays zero
		}
		v6[i] = v4[j]
		i++
	}
	return netip.AddrFrom16(v6)
}

// Extract the IPv4 address embedded in a PLAT address. Fails if the
// address does not lie inside the prefix.
func extract(plat netip.Prefix, addr netip.Addr) (netip.Addr, bool) {

	if !in_plat(plat, addr) {
		return netip.Addr{}, false
	}

	v6 := addr.As16()
	var v4 [4]byte

	i := plat.Bits() / 8
	for j := 0; j < 4; j++ {
		if i == 8 {
			i++
		}
		v4[j] = v6[i]
		i++
	}
	return netip.AddrFrom4(v4), true
}

func in_plat(plat netip.Prefix, addr netip.Addr) bool {

	return addr.Is6() && plat.Contains(addr)
}

// Tests whether two IPv6 addresses share a /64.
func prefix64_equal(a, b netip.Addr) bool {

	ab := a.As16()
	bb := b.As16()
	for i := 0; i < 8; i++ {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}

// Derive the local CLAT address from the uplink's address: keep the /64,
// replace the interface identifier with a hash of the prefix. The result
// is deterministic for a given uplink prefix.
func gen_ipv6_local(uplink netip.Addr) netip.Addr {

	v6 := uplink.As16()
	h := sha256.Sum256(v6[:8])
	copy(v6[8:], h[:8])
	v6[8] &^= 0x02 // keep the identifier locally administered
	return netip.AddrFrom16(v6)
}

func addr_from16(bs []byte) netip.Addr {

	var b [16]byte
	copy(b[:], bs)
	return netip.AddrFrom16(b)
}

func addr_from4(bs []byte) netip.Addr {

	var b [4]byte
	copy(b[:], bs)
	return netip.AddrFrom4(b)
}

func MustParseIP(s string) netip.Addr {

	addr, err := netip.ParseAddr(s)
	if err != nil {
		log.fatal("invalid IP address: %v", s)
	}
	return addr
}
