/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// option on raw IPv6 sockets selecting the kernel checksum offset,
// missing from the unix package
const IPV6_CHECKSUM = 7

type Tunnel struct {
	name      string
	fd4       int // tun device, IPv4 side
	write_fd6 int // raw IPv6 send socket
	read_fd6  int // packet ring socket, IPv6 receive side
	ring      Ring
}

var tun Tunnel

// Create the tun device. Reads and writes carry a four byte packet
// information header ahead of each packet.
func tun_create() {

	type IfReq struct {
		name  [unix.IFNAMSIZ]byte
		flags uint16
		pad   [40 - unix.IFNAMSIZ - 2]byte
	}

	ufd, err := unix.Open("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		log.fatal("tun: cannot get tun device: %v", err)
	}

	ifreq := IfReq{flags: unix.IFF_TUN}
	copy(ifreq.name[:unix.IFNAMSIZ-1], cli.tunname)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(ufd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifreq)))
	if errno != 0 {
		log.fatal("tun: cannot setup tun device, errno(%v)", errno)
	}

	err = unix.SetNonblock(ufd, true)
	if err != nil {
		log.fatal("tun: cannot make tun device non blocking: %v", err)
	}

	tun.fd4 = ufd
	tun.name = strings.Trim(string(ifreq.name[:]), "\x00")

	log.info("tun: created device %v", tun.name)
}

// Open the raw IPv6 send socket and the packet ring for the receive side.
func open_sockets() {

	rawsock, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		log.fatal("tun: raw socket failed: %v", err)
	}

	// final checksums come from the translator
	if err = unix.SetsockoptInt(rawsock, unix.SOL_IPV6, IPV6_CHECKSUM, 0); err != nil {
		log.err("tun: could not disable checksum on raw socket: %v", err)
	}

	if cli.mark != 0 {
		if err = unix.SetsockoptInt(rawsock, unix.SOL_SOCKET, unix.SO_MARK, int(cli.mark)); err != nil {
			log.err("tun: could not set mark on raw socket: %v", err)
		}
	}

	tun.write_fd6 = rawsock
	tun.read_fd6 = ring_create()
}

// Send a translated IPv6 packet. The kernel takes the header from the
// buffer, the sockaddr only routes it.
func raw_send(pkt []byte) {

	if len(pkt) < IPv6_HDR_MIN_LEN {
		return
	}

	if cli.debug["tun"] {
		log.debug("raw out: %v", pp_pkt(pkt))
	}
	trace_pkt("raw out: ", pkt)

	var daddr unix.SockaddrInet6
	copy(daddr.Addr[:], pkt[IPv6_DST:IPv6_DST+16])

	err := unix.Sendto(tun.write_fd6, pkt, 0, &daddr)
	if err == unix.EAGAIN {
		log.err_limited("rawsend", "raw out: send would block, dropping")
		return
	}
	if err != nil {
		log.err("raw out: send failed: %v", err)
	}
}

// Deliver a translated IPv4 packet into the tunnel, packet information
// header and packet in a single gathering write.
func tun_write(pkt []byte) {

	if cli.debug["tun"] {
		log.debug("tun out: %v", pp_pkt(pkt))
	}
	trace_pkt("tun out: ", pkt)

	var pi [TUN_HDR_LEN]byte
	be.PutUint16(pi[TUN_FLAGS:TUN_FLAGS+2], 0)
	be.PutUint16(pi[TUN_PROTO:TUN_PROTO+2], ETHER_IPv4)

	wlen, err := unix.Writev(tun.fd4, [][]byte{pi[:], pkt})
	if err == unix.EAGAIN {
		log.err_limited("tunwrite", "tun out: write would block, dropping")
		return
	}
	if err != nil {
		log.err("tun out: write failed: %v", err)
	} else if wlen != TUN_HDR_LEN+len(pkt) {
		log.err("tun out: write truncated: wlen(%v) pktlen(%v)", wlen, len(pkt))
	}
}
