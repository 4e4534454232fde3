/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

/* Host address and route administration

Thin wrappers around rtnetlink. The daemon owns only the tunnel and the
single anycast address it puts on the uplink, everything else on the
host is left alone.
*/

func ifindex(ifname string) int {

	link, err := netlink.LinkByName(ifname)
	if err != nil {
		log.fatal("net: cannot find interface %v: %v", ifname, err)
	}
	return link.Attrs().Index
}

func getifmtu(ifname string) int {

	link, err := netlink.LinkByName(ifname)
	if err != nil {
		log.fatal("net: cannot find interface %v: %v", ifname, err)
	}
	return link.Attrs().MTU
}

// First global unicast IPv6 address assigned to the interface.
func interface_ipv6_addr(ifname string) (netip.Addr, bool) {

	link, err := netlink.LinkByName(ifname)
	if err != nil {
		log.err("net: cannot find interface %v: %v", ifname, err)
		return netip.Addr{}, false
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		log.err("net: cannot list addresses on %v: %v", ifname, err)
		return netip.Addr{}, false
	}

	for _, addr := range addrs {
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is6() && ip.IsGlobalUnicast() {
			return ip, true
		}
	}
	return netip.Addr{}, false
}

// Routing probe for local IPv4 address selection. An address is taken if
// the kernel resolves it to a local route or would source traffic to it
// from the address itself, which is what happens when another tunnel
// already owns it.
func ipv4_address_free(addr netip.Addr) bool {

	routes, err := netlink.RouteGet(net.IP(addr.AsSlice()))
	if err != nil {
		return true // no route, nothing here owns it
	}

	for _, route := range routes {
		if route.Type == unix.RTN_LOCAL {
			return false
		}
		if route.Src != nil && route.Src.Equal(net.IP(addr.AsSlice())) {
			return false
		}
	}
	return true
}

// Install the local IPv4 address on the tunnel and bring it up.
// Configure before up: the moment the interface comes up the host
// assumes its configuration is final.
func configure_tun_ip() {

	link, err := netlink.LinkByName(tun.name)
	if err != nil {
		log.fatal("net: cannot find tunnel %v: %v", tun.name, err)
	}

	nladdr := netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(cfg.ipv4_local.AsSlice()),
		Mask: net.CIDRMask(32, 32),
	}}
	if err = netlink.AddrAdd(link, &nladdr); err != nil {
		log.fatal("net: cannot set address on %v: %v", tun.name, err)
	}

	if err = netlink.LinkSetMTU(link, cfg.ipv4mtu); err != nil {
		log.fatal("net: cannot set %v mtu: %v", tun.name, err)
	}

	if err = netlink.LinkSetUp(link); err != nil {
		log.fatal("net: cannot bring %v up: %v", tun.name, err)
	}

	log.info("net: netifc %v %v mtu(%v)", cfg.ipv4_local, tun.name, cfg.ipv4mtu)
}

// Join the CLAT address as anycast on the uplink so the kernel answers
// neighbor solicitations for it without otherwise claiming it.
func add_anycast_address(fd int, addr netip.Addr, ifname string) {

	mreq := unix.IPv6Mreq{Interface: uint32(ifindex(ifname))}
	mreq.Multiaddr = addr.As16()

	if err := unix.SetsockoptIPv6Mreq(fd, unix.SOL_IPV6, unix.IPV6_JOIN_ANYCAST, &mreq); err != nil {
		log.fatal("net: cannot join anycast %v on %v: %v", addr, ifname, err)
	}
}
