/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

/* Process wide configuration

Written by configure_interface() during startup, read only thereafter.
An uplink prefix change is never applied in place: the event loop exits
instead and the launcher restarts the daemon with a clean slate.
*/

var cfg struct {
	mtu     int // uplink IPv6 mtu, within [1280, MAXMTU]
	ipv4mtu int // tunnel IPv4 mtu, mtu - MTU_DELTA unless configured lower

	plat_subnet netip.Prefix // PLAT prefix embedding IPv4 peers

	ipv4_local_subnet netip.Prefix // subnet the local IPv4 address is picked from
	ipv4_local        netip.Addr   // address installed on the tunnel
	ipv6_local        netip.Addr   // /128 CLAT address, uplink /64 + interface id

	default_pdp_interface string // uplink interface
	native_ipv6_interface string // interface for the raw send socket

	frag_df0 bool // add a fragment header when translating DF=0 packets

	user   string
	groups []string
}

const (
	rfc7335_subnet = "192.0.0.0/29"
	default_user   = "clat"
)

func config_defaults() {

	cfg.ipv4_local_subnet = netip.MustParsePrefix(rfc7335_subnet)
	cfg.user = default_user
	cfg.groups = []string{"inet", "vpn"}
}

// parse key value configuration, one pair per line, '#' starts a comment
func parse_config(fname string, input io.Reader) {

	line_scanner := bufio.NewScanner(input)
	lno := 0

	for line_scanner.Scan() {

		lno += 1

		line := line_scanner.Text()
		if ix := strings.IndexByte(line, '#'); ix >= 0 {
			line = line[:ix]
		}
		line = strings.ReplaceAll(line, "=", " ")
		toks := strings.Fields(line)

		if len(toks) == 0 {
			continue
		}
		if len(toks) != 2 {
			log.err("config: %v(%v): malformed line, ignoring", fname, lno)
			continue
		}

		key, val := toks[0], toks[1]

		switch key {

		case "plat_subnet":

			pfx, err := parse_plat_prefix(val)
			if err != nil {
				log.fatal("config: %v(%v): invalid plat_subnet: %v", fname, lno, err)
			}
			cfg.plat_subnet = pfx

		case "ipv4_local_subnet":

			addr, err := netip.ParseAddr(val)
			if err != nil || !addr.Is4() {
				log.fatal("config: %v(%v): invalid ipv4_local_subnet: %v", fname, lno, val)
			}
			bits := cfg.ipv4_local_subnet.Bits()
			cfg.ipv4_local_subnet = netip.PrefixFrom(addr, bits).Masked()

		case "ipv4_local_prefixlen":

			bits, err := strconv.Atoi(val)
			if err != nil || bits < 1 || bits > 30 {
				log.fatal("config: %v(%v): invalid ipv4_local_prefixlen: %v", fname, lno, val)
			}
			cfg.ipv4_local_subnet = netip.PrefixFrom(cfg.ipv4_local_subnet.Addr(), bits).Masked()

		case "mtu":

			mtu, err := strconv.Atoi(val)
			if err != nil {
				log.fatal("config: %v(%v): invalid mtu: %v", fname, lno, val)
			}
			cfg.mtu = mtu

		case "ipv4mtu":

			mtu, err := strconv.Atoi(val)
			if err != nil {
				log.fatal("config: %v(%v): invalid ipv4mtu: %v", fname, lno, val)
			}
			cfg.ipv4mtu = mtu

		case "default_pdp_interface":

			cfg.default_pdp_interface = val

		case "frag_df0":

			cfg.frag_df0 = val == "1" || val == "yes" || val == "true"

		case "user":

			cfg.user = val

		case "groups":

			cfg.groups = strings.Split(val, ",")

		default:
			log.err("config: %v(%v): unknown key: %v, ignoring", fname, lno, key)
		}
	}
}

func read_config(fname string) {

	file, err := os.Open(fname)
	if err != nil {
		log.info("config: cannot open %v, using defaults", fname)
		return
	}
	defer file.Close()

	parse_config(fname, file)
}

// clamp the uplink mtu and derive the tunnel mtu
func config_mtu() {

	if cfg.mtu > MAXMTU {
		log.err("config: max mtu is %v, requested %v", MAXMTU, cfg.mtu)
		cfg.mtu = MAXMTU
	}
	if cfg.mtu <= 0 {
		cfg.mtu = getifmtu(cfg.default_pdp_interface)
		log.info("config: using interface mtu(%v)", cfg.mtu)
	}
	if cfg.mtu < 1280 {
		log.err("config: mtu too small: %v, using 1280", cfg.mtu)
		cfg.mtu = 1280
	}

	if cfg.ipv4mtu <= 0 || cfg.ipv4mtu > cfg.mtu-MTU_DELTA {
		cfg.ipv4mtu = cfg.mtu - MTU_DELTA
	}
}

// Pick a free address from the local IPv4 subnet. A candidate is free if
// the routing probe shows no local assignment. There is a window between
// probing and installing during which another instance could pick the
// same address, the damage is limited to stalled IPv4 TCP connections
// until one of the tunnels goes down.
func select_ipv4_address() (netip.Addr, bool) {

	subnet := cfg.ipv4_local_subnet

	addr := subnet.Masked().Addr().Next() // skip the network address
	for subnet.Contains(addr) {

		next := addr.Next()
		if !subnet.Contains(next) {
			break // skip the broadcast address
		}
		if ipv4_address_free(addr) {
			return addr, true
		}
		addr = next
	}

	return netip.Addr{}, false
}

// read configuration and apply it: mtu, local IPv4 on the tunnel, CLAT
// IPv6 on the uplink, packet classifier
func configure_interface() {

	config_defaults()
	read_config(cli.conf)

	cfg.default_pdp_interface = cli.uplink
	cfg.native_ipv6_interface = cli.uplink

	config_mtu()

	// PLAT prefix: command line, then config file, then discovery

	if cli.plat != "" {
		pfx, err := parse_plat_prefix(cli.plat)
		if err != nil {
			log.fatal("config: invalid plat prefix: %v", err)
		}
		cfg.plat_subnet = pfx
	}
	if !cfg.plat_subnet.IsValid() {
		pfx, err := discover_plat_prefix()
		if err != nil {
			log.fatal("config: no plat prefix configured and discovery failed: %v", err)
		}
		log.info("config: discovered plat prefix %v", pfx)
		cfg.plat_subnet = pfx
	}

	// local IPv4 address

	if cli.v4addr != "" {
		addr, err := netip.ParseAddr(cli.v4addr)
		if err != nil || !addr.Is4() {
			log.fatal("config: invalid IPv4 address: %v", cli.v4addr)
		}
		cfg.ipv4_local = addr
	} else {
		addr, ok := select_ipv4_address()
		if !ok {
			log.fatal("config: no free IPv4 address in %v", cfg.ipv4_local_subnet)
		}
		cfg.ipv4_local = addr
	}

	log.info("config: using IPv4 address %v on %v", cfg.ipv4_local, tun.name)

	configure_tun_ip()

	// CLAT IPv6 address

	if cli.v6addr != "" {
		addr, err := netip.ParseAddr(cli.v6addr)
		if err != nil || !addr.Is6() || addr.Is4In6() {
			log.fatal("config: invalid IPv6 address: %v", cli.v6addr)
		}
		cfg.ipv6_local = addr
	} else {
		uplink_addr, ok := interface_ipv6_addr(cfg.default_pdp_interface)
		if !ok {
			log.fatal("config: no IPv6 address on %v", cfg.default_pdp_interface)
		}
		cfg.ipv6_local = gen_ipv6_local(uplink_addr)
	}

	log.info("config: using IPv6 address %v on %v", cfg.ipv6_local, cfg.default_pdp_interface)

	// answer neighbor solicitations for the CLAT address

	add_anycast_address(tun.write_fd6, cfg.ipv6_local, cfg.default_pdp_interface)

	// accept only frames addressed to the CLAT address

	if err := attach_clat_filter(tun.read_fd6, cfg.ipv6_local); err != nil {
		log.fatal("config: attach packet filter: %v", err)
	}

	log.info("config: mtu(%v) ipv4mtu(%v) plat %v", cfg.mtu, cfg.ipv4mtu, cfg.plat_subnet)
}

// Detect whether the uplink moved to a different /64. Any failure to read
// the address counts as a change, forcing a restart through the launcher.
func ipv6_address_changed(ifname string) bool {

	addr, ok := interface_ipv6_addr(ifname)
	if !ok {
		log.err("config: unable to find an IPv6 address on %v", ifname)
		return true
	}

	if !prefix64_equal(addr, cfg.ipv6_local) {
		log.info("config: IPv6 prefix on %v changed: %v -> %v", ifname, cfg.ipv6_local, addr)
		return true
	}
	return false
}
