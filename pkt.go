/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

var be = binary.BigEndian

const (
	// tun packet information header
	TUN_HDR_LEN = 4
	TUN_FLAGS   = 0
	TUN_PROTO   = 2
	// ETHER types
	ETHER_IPv4 = 0x0800
	ETHER_IPv6 = 0x86dd

	// 40 bytes IPv6 header - 20 bytes IPv4 header + 8 bytes fragment header
	MTU_DELTA = 28
	MAXMTU    = 65536
	PACKETLEN = MAXMTU + TUN_HDR_LEN

	// IP protocols
	ICMP          = 1
	TCP           = 6
	UDP           = 17
	GRE           = 47
	IPv6_HOP_OPT  = 0  // IPv6 hop-by-hop options extension header
	IPv6_ROUTING  = 43 // IPv6 routing extension header
	IPv6_FRAG_EXT = 44 // IPv6 fragment extension header
	IPv6_DEST_OPT = 60 // IPv6 destination options extension header
	ICMPv6        = 58
	IPv6_NO_NEXT  = 59

	// IPv4 header offsets
	IP_VER           = 0
	IPv4_TOS         = 1
	IPv4_LEN         = 2
	IPv4_ID          = 4
	IPv4_FRAG        = 6
	IPv4_TTL         = 8
	IPv4_PROTO       = 9
	IPv4_CSUM        = 10
	IPv4_SRC         = 12
	IPv4_DST         = 16
	IPv4_HDR_MIN_LEN = 20

	// IPv4 fragment field bits
	IPv4_FLAG_DF   = 0x4000
	IPv4_FLAG_MF   = 0x2000
	IPv4_FRAG_MASK = 0x1fff

	// IPv6 header offsets
	IPv6_PLD_LEN     = 4
	IPv6_NEXT        = 6
	IPv6_TTL         = 7
	IPv6_SRC         = 8
	IPv6_DST         = 24
	IPv6_HDR_MIN_LEN = 40

	// IPv6 fragment extension header offsets
	IPv6_FRAG_NEXT    = 0
	IPv6_FRAG_RES1    = 1
	IPv6_FRAG_OFF     = 2
	IPv6_FRAG_IDENT   = 4
	IPv6_FRAG_HDR_LEN = 8

	// UDP offsets
	UDP_SPORT   = 0
	UDP_DPORT   = 2
	UDP_LEN     = 4
	UDP_CSUM    = 6
	UDP_HDR_LEN = 8

	// TCP offsets
	TCP_SPORT = 0
	TCP_DPORT = 2
	TCP_CSUM  = 16

	// ICMP offsets, shared by ICMPv4 and ICMPv6
	ICMP_TYPE    = 0
	ICMP_CODE    = 1
	ICMP_CSUM    = 2
	ICMP_ID      = 4
	ICMP_SEQ     = 6
	ICMP_PTR     = 4 // parameter problem pointer (v4: one byte, v6: four bytes)
	ICMP_MTU     = 6 // v4 frag needed next-hop mtu
	ICMP_MTU6    = 4 // v6 packet too big mtu (four bytes)
	ICMP_DATA    = 8
	ICMP_HDR_LEN = 8
)

// translator checksum hints
const (
	TP_CSUM_NONE = iota
	TP_CSUM_L4_VALID
)

func ip_proto_name(proto byte) string {

	switch proto {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	case ICMP:
		return "ICMP"
	case GRE:
		return "GRE"
	case IPv6_HOP_OPT:
		return "IPv6-Hop-Opt"
	case IPv6_ROUTING:
		return "IPv6-Routing"
	case IPv6_FRAG_EXT:
		return "IPv6-Frag"
	case IPv6_DEST_OPT:
		return "IPv6-Dest-Opt"
	case ICMPv6:
		return "ICMPv6"
	case IPv6_NO_NEXT:
		return "IPv6-No-Next"
	}
	return fmt.Sprintf("%v", proto)
}

func pp_pkt(pkt []byte) (ss string) {

	// IPv4(UDP) DF  192.0.0.4  8.8.8.8  len(64)
	// IPv6(ICMPv6)  2001:db8::1  64:ff9b::808:808  len(64)

	if len(pkt) < 1 {
		return "PKT  short"
	}

	switch pkt[IP_VER] >> 4 {

	case 4:

		if len(pkt) < IPv4_HDR_MIN_LEN {
			break
		}
		flags := ""
		frag_field := be.Uint16(pkt[IPv4_FRAG : IPv4_FRAG+2])
		if frag_field&(IPv4_FLAG_MF|IPv4_FRAG_MASK) != 0 {
			flags += " IF"
		}
		if frag_field&IPv4_FLAG_DF != 0 {
			flags += " DF"
		}
		ss = fmt.Sprintf("IPv4(%v)%v  %v  %v  len(%v)",
			ip_proto_name(pkt[IPv4_PROTO]),
			flags,
			addr_from4(pkt[IPv4_SRC:IPv4_SRC+4]),
			addr_from4(pkt[IPv4_DST:IPv4_DST+4]),
			be.Uint16(pkt[IPv4_LEN:IPv4_LEN+2]))
		return

	case 6:

		if len(pkt) < IPv6_HDR_MIN_LEN {
			break
		}
		ss = fmt.Sprintf("IPv6(%v)  %v  %v  len(%v)",
			ip_proto_name(pkt[IPv6_NEXT]),
			addr_from16(pkt[IPv6_SRC:IPv6_SRC+16]),
			addr_from16(pkt[IPv6_DST:IPv6_DST+16]),
			be.Uint16(pkt[IPv6_PLD_LEN:IPv6_PLD_LEN+2]))
		return
	}

	ss = fmt.Sprintf("PKT  len(%v)", len(pkt))
	return
}

func pp_net(pfx string, pkt []byte) {

	// IPv4(UDP) DF  192.0.0.4  8.8.8.8  len(64) id(1) ttl(64) csum: 0000

	if len(pkt) < 1 {
		log.trace(pfx + "PKT  short")
		return
	}

	switch pkt[IP_VER] >> 4 {

	case 4:

		if len(pkt) < IPv4_HDR_MIN_LEN {
			break
		}
		flags := ""
		frag_field := be.Uint16(pkt[IPv4_FRAG : IPv4_FRAG+2])
		if frag_field&(IPv4_FLAG_MF|IPv4_FRAG_MASK) != 0 {
			flags += " IF"
		}
		if frag_field&IPv4_FLAG_DF != 0 {
			flags += " DF"
		}
		log.trace("%vIPv4(%v)%v  %v  %v  len(%v) id(%v) ttl(%v) csum: %04x",
			pfx,
			ip_proto_name(pkt[IPv4_PROTO]),
			flags,
			addr_from4(pkt[IPv4_SRC:IPv4_SRC+4]),
			addr_from4(pkt[IPv4_DST:IPv4_DST+4]),
			be.Uint16(pkt[IPv4_LEN:IPv4_LEN+2]),
			be.Uint16(pkt[IPv4_ID:IPv4_ID+2]),
			pkt[IPv4_TTL],
			be.Uint16(pkt[IPv4_CSUM:IPv4_CSUM+2]))
		return

	case 6:

		if len(pkt) < IPv6_HDR_MIN_LEN {
			break
		}
		log.trace("%vIPv6(%v)  %v  %v  len(%v) ttl(%v)",
			pfx,
			ip_proto_name(pkt[IPv6_NEXT]),
			addr_from16(pkt[IPv6_SRC:IPv6_SRC+16]),
			addr_from16(pkt[IPv6_DST:IPv6_DST+16]),
			be.Uint16(pkt[IPv6_PLD_LEN:IPv6_PLD_LEN+2]),
			pkt[IPv6_TTL])
		return
	}

	log.trace(pfx + pp_pkt(pkt))
}

func pp_tran(pfx string, pkt []byte) {

	var proto byte
	var l4 []byte

	if len(pkt) < 1 {
		return
	}

	switch pkt[IP_VER] >> 4 {

	case 4:

		if len(pkt) < IPv4_HDR_MIN_LEN {
			return
		}
		hdrlen := int(pkt[IP_VER]&0x0f) * 4
		if hdrlen < IPv4_HDR_MIN_LEN || hdrlen > len(pkt) {
			return
		}
		proto = pkt[IPv4_PROTO]
		l4 = pkt[hdrlen:]

	case 6:

		if len(pkt) < IPv6_HDR_MIN_LEN {
			return
		}
		proto = pkt[IPv6_NEXT]
		l4 = pkt[IPv6_HDR_MIN_LEN:]
		if proto == IPv6_FRAG_EXT {
			if len(l4) < IPv6_FRAG_HDR_LEN {
				return
			}
			proto = l4[IPv6_FRAG_NEXT]
			l4 = l4[IPv6_FRAG_HDR_LEN:]
		}

	default:
		return
	}

	switch proto {

	case UDP:

		// UDP  1045  1045  len(96) csum: 0000

		if len(l4) < UDP_HDR_LEN {
			return
		}
		log.trace("%vUDP  %v  %v  len(%v) csum: %04x",
			pfx,
			be.Uint16(l4[UDP_SPORT:UDP_SPORT+2]),
			be.Uint16(l4[UDP_DPORT:UDP_DPORT+2]),
			be.Uint16(l4[UDP_LEN:UDP_LEN+2]),
			be.Uint16(l4[UDP_CSUM:UDP_CSUM+2]))

	case TCP:

		if len(l4) < TCP_CSUM+2 {
			return
		}
		log.trace("%vTCP  %v  %v  csum: %04x",
			pfx,
			be.Uint16(l4[TCP_SPORT:TCP_SPORT+2]),
			be.Uint16(l4[TCP_DPORT:TCP_DPORT+2]),
			be.Uint16(l4[TCP_CSUM:TCP_CSUM+2]))

	case ICMP, ICMPv6:

		if len(l4) < ICMP_HDR_LEN {
			return
		}
		log.trace("%vICMP  type(%v) code(%v) csum: %04x",
			pfx,
			l4[ICMP_TYPE],
			l4[ICMP_CODE],
			be.Uint16(l4[ICMP_CSUM:ICMP_CSUM+2]))
	}
}

func pp_raw(pfx string, pkt []byte) {

	// RAW  45 00 00 74 2e 52 40 00 40 11 d0 b6 0a fb 1b 6f c0 a8 54 5e 04 ..

	const max = 128 + 32
	var sb strings.Builder

	sb.WriteString(pfx)
	sb.WriteString("RAW ")
	for ii := 0; ii < len(pkt); ii++ {
		if ii < max {
			sb.WriteString(" ")
			sb.WriteString(hex.EncodeToString(pkt[ii : ii+1]))
		} else {
			sb.WriteString("  ..")
			break
		}
	}
	log.trace(sb.String())
}

func trace_pkt(pfx string, pkt []byte) {

	if cli.trace {
		pp_net(pfx, pkt)
		pp_tran(pfx, pkt)
		pp_raw(pfx, pkt)
	}
}
