/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"net/netip"
	"strings"
	"testing"
)

func TestParseConfig(t *testing.T) {

	conf := `
# translator settings

plat_subnet           64:ff9b::/96
ipv4_local_subnet     192.0.0.0      # RFC 7335
ipv4_local_prefixlen  29
mtu                   1500
ipv4mtu = 1400
frag_df0              yes
user                  clat

bogus line that does not parse
unknown_key           1
`

	log.set(ERROR, false)
	config_defaults()
	parse_config("clatd.conf", strings.NewReader(conf))

	if cfg.plat_subnet != netip.MustParsePrefix("64:ff9b::/96") {
		t.Errorf("plat_subnet = %v", cfg.plat_subnet)
	}
	if cfg.ipv4_local_subnet != netip.MustParsePrefix("192.0.0.0/29") {
		t.Errorf("ipv4_local_subnet = %v", cfg.ipv4_local_subnet)
	}
	if cfg.mtu != 1500 {
		t.Errorf("mtu = %v", cfg.mtu)
	}
	if cfg.ipv4mtu != 1400 {
		t.Errorf("ipv4mtu = %v", cfg.ipv4mtu)
	}
	if !cfg.frag_df0 {
		t.Errorf("frag_df0 not set")
	}
	if cfg.user != "clat" {
		t.Errorf("user = %v", cfg.user)
	}
}

func TestConfigMtu(t *testing.T) {

	log.set(ERROR, false)

	// the minimum IPv6 mtu leaves 1252 for the tunnel
	cfg.mtu = 1280
	cfg.ipv4mtu = 0
	config_mtu()
	if cfg.mtu != 1280 || cfg.ipv4mtu != 1252 {
		t.Errorf("mtu(%v) ipv4mtu(%v), want 1280 1252", cfg.mtu, cfg.ipv4mtu)
	}

	// oversized values clamp down
	cfg.mtu = MAXMTU + 4000
	cfg.ipv4mtu = 0
	config_mtu()
	if cfg.mtu != MAXMTU || cfg.ipv4mtu != MAXMTU-MTU_DELTA {
		t.Errorf("mtu(%v) ipv4mtu(%v), want %v %v", cfg.mtu, cfg.ipv4mtu, MAXMTU, MAXMTU-MTU_DELTA)
	}

	// undersized values clamp up
	cfg.mtu = 576
	cfg.ipv4mtu = 0
	config_mtu()
	if cfg.mtu != 1280 {
		t.Errorf("mtu = %v, want 1280", cfg.mtu)
	}

	// an explicitly smaller tunnel mtu is honored
	cfg.mtu = 1500
	cfg.ipv4mtu = 1400
	config_mtu()
	if cfg.ipv4mtu != 1400 {
		t.Errorf("ipv4mtu = %v, want 1400", cfg.ipv4mtu)
	}

	// but never more than mtu allows
	cfg.mtu = 1500
	cfg.ipv4mtu = 1500
	config_mtu()
	if cfg.ipv4mtu != 1500-MTU_DELTA {
		t.Errorf("ipv4mtu = %v, want %v", cfg.ipv4mtu, 1500-MTU_DELTA)
	}
}

func TestPrefixChangeDecision(t *testing.T) {

	// the decision driving the poll loop exit after an uplink renumber
	cfg.ipv6_local = netip.MustParseAddr("2001:db8::1")

	same := netip.MustParseAddr("2001:db8::dead:beef")
	if !prefix64_equal(cfg.ipv6_local, same) {
		t.Errorf("address within the /64 treated as a change")
	}

	moved := netip.MustParseAddr("2001:db9::1")
	if prefix64_equal(cfg.ipv6_local, moved) {
		t.Errorf("renumbered uplink not detected")
	}
}
