/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/miekg/dns"
)

/* PLAT prefix discovery

When no prefix is configured, resolve the AAAA records of ipv4only.arpa
through the local resolvers and look for the well known addresses at the
embedding positions of every allowed prefix length, per RFC 7050. The
network identifier, when given, selects an alternate resolver
configuration provisioned by the launcher.
*/

const (
	dns64_name  = "ipv4only.arpa."
	resolv_conf = "/etc/resolv.conf"
)

var dns64_wka = []netip.Addr{
	netip.MustParseAddr("192.0.0.170"),
	netip.MustParseAddr("192.0.0.171"),
}

func resolv_conf_path() string {

	if cli.netid != "" {
		return "/etc/resolv." + cli.netid + ".conf"
	}
	return resolv_conf
}

// Derive the prefix from a synthesized address, longest prefix first.
func plat_prefix_from_addr(addr netip.Addr) (netip.Prefix, bool) {

	for _, bits := range []int{96, 64, 56, 48, 40, 32} {

		pfx := netip.PrefixFrom(addr, bits).Masked()
		v4, ok := extract(pfx, addr)
		if !ok {
			continue
		}
		for _, wka := range dns64_wka {
			if v4 == wka {
				return pfx, true
			}
		}
	}
	return netip.Prefix{}, false
}

func discover_plat_prefix() (netip.Prefix, error) {

	conf, err := dns.ClientConfigFromFile(resolv_conf_path())
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("cannot read resolver configuration: %w", err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns64_name, dns.TypeAAAA)
	client := new(dns.Client)

	for _, server := range conf.Servers {

		rsp, _, err := client.Exchange(msg, net.JoinHostPort(server, conf.Port))
		if err != nil {
			log.debug("discover: %v: %v", server, err)
			continue
		}

		for _, rr := range rsp.Answer {
			aaaa, ok := rr.(*dns.AAAA)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(aaaa.AAAA)
			if !ok {
				continue
			}
			if pfx, ok := plat_prefix_from_addr(addr); ok {
				return pfx, nil
			}
		}
	}

	return netip.Prefix{}, fmt.Errorf("no synthesized %v answer", dns64_name)
}
