/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"crypto/rand"
)

const (
	// ICMPv4 types
	ICMPv4_ECHO_REPLY    = 0
	ICMPv4_DEST_UNREACH  = 3
	ICMPv4_SOURCE_QUENCH = 4
	ICMPv4_REDIRECT      = 5
	ICMPv4_ECHO_REQUEST  = 8
	ICMPv4_TIME_EXCEEDED = 11
	ICMPv4_PARAM_PROB    = 12

	// ICMPv4 codes for ICMPv4_DEST_UNREACH
	ICMPv4_NET_UNREACH  = 0
	ICMPv4_HOST_UNREACH = 1
	ICMPv4_PROT_UNREACH = 2
	ICMPv4_PORT_UNREACH = 3
	ICMPv4_FRAG_NEEDED  = 4
	ICMPv4_NET_UNKNOWN  = 6
	ICMPv4_HOST_UNKNOWN = 7
	ICMPv4_NET_PROHIB   = 9
	ICMPv4_HOST_PROHIB  = 10
	ICMPv4_ADMIN_PROHIB = 13
	ICMPv4_PREC_CUTOFF  = 15

	// ICMPv4 codes for ICMPv4_TIME_EXCEEDED
	ICMPv4_EXC_TTL  = 0
	ICMPv4_EXC_FRAG = 1

	// ICMPv6 types
	ICMPv6_DEST_UNREACH   = 1
	ICMPv6_PACKET_TOO_BIG = 2
	ICMPv6_TIME_EXCEEDED  = 3
	ICMPv6_PARAM_PROB     = 4
	ICMPv6_ECHO_REQUEST   = 128 // code = 0
	ICMPv6_ECHO_REPLY     = 129 // code = 0

	// ICMPv6 codes for ICMPv6_DEST_UNREACH
	ICMPv6_NET_UNREACH  = 0
	ICMPv6_ADMIN_PROHIB = 1
	ICMPv6_BEYOND_SCOPE = 2
	ICMPv6_HOST_UNREACH = 3
	ICMPv6_PORT_UNREACH = 4

	// ICMPv6 codes for ICMPv6_TIME_EXCEEDED
	ICMPv6_EXC_TTL  = 0
	ICMPv6_EXC_FRAG = 1

	// ICMPv6 codes for ICMPv6_PARAM_PROB
	ICMPv6_BAD_HEADER   = 0
	ICMPv6_UNKNOWN_NEXT = 1

	ICMPv4_SEND_TTL = 64
	ICMPv6_SEND_TTL = 64

	// generated errors carry the offending packet up to these sizes
	ICMP_ERR_MAX4 = 576
	ICMP_ERR_MAX6 = 1280
)

const ( // per message translation actions

	ICMP_NO_ENCAP = iota + 1 // informational, id/seq preserved
	ICMP_ENCAP               // error, embedded packet is translated
	ICMP_DROP
)

type IcmpReq struct { // params for icmp replies to the origin
	typ  byte // type is a reserved keyword so we use Polish spelling
	code byte
	mtu  uint16
}

// ICMPv4 type/code to ICMPv6 type/code
func icmp_typ46(typ, code byte) (byte, byte, int) {

	switch typ {

	case ICMPv4_ECHO_REQUEST:
		if code == 0 {
			return ICMPv6_ECHO_REQUEST, 0, ICMP_NO_ENCAP
		}
	case ICMPv4_ECHO_REPLY:
		if code == 0 {
			return ICMPv6_ECHO_REPLY, 0, ICMP_NO_ENCAP
		}
	case ICMPv4_DEST_UNREACH:
		switch code {
		case ICMPv4_PROT_UNREACH:
			return ICMPv6_PARAM_PROB, ICMPv6_UNKNOWN_NEXT, ICMP_ENCAP
		case ICMPv4_PORT_UNREACH:
			return ICMPv6_DEST_UNREACH, ICMPv6_PORT_UNREACH, ICMP_ENCAP
		case ICMPv4_FRAG_NEEDED:
			return ICMPv6_PACKET_TOO_BIG, 0, ICMP_ENCAP
		case ICMPv4_NET_PROHIB, ICMPv4_HOST_PROHIB, ICMPv4_ADMIN_PROHIB, ICMPv4_PREC_CUTOFF:
			return ICMPv6_DEST_UNREACH, ICMPv6_ADMIN_PROHIB, ICMP_ENCAP
		default:
			return ICMPv6_DEST_UNREACH, ICMPv6_NET_UNREACH, ICMP_ENCAP
		}
	case ICMPv4_TIME_EXCEEDED:
		return ICMPv6_TIME_EXCEEDED, code, ICMP_ENCAP
	case ICMPv4_PARAM_PROB:
		if code == 0 || code == 2 {
			return ICMPv6_PARAM_PROB, ICMPv6_BAD_HEADER, ICMP_ENCAP
		}
	}

	// redirect, source quench, timestamp, and the rest have no counterpart
	return 0, 0, ICMP_DROP
}

// ICMPv6 type/code to ICMPv4 type/code
func icmp_typ64(typ, code byte) (byte, byte, int) {

	switch typ {

	case ICMPv6_ECHO_REQUEST:
		if code == 0 {
			return ICMPv4_ECHO_REQUEST, 0, ICMP_NO_ENCAP
		}
	case ICMPv6_ECHO_REPLY:
		if code == 0 {
			return ICMPv4_ECHO_REPLY, 0, ICMP_NO_ENCAP
		}
	case ICMPv6_DEST_UNREACH:
		switch code {
		case ICMPv6_NET_UNREACH, ICMPv6_BEYOND_SCOPE, ICMPv6_HOST_UNREACH:
			return ICMPv4_DEST_UNREACH, ICMPv4_HOST_UNREACH, ICMP_ENCAP
		case ICMPv6_ADMIN_PROHIB:
			return ICMPv4_DEST_UNREACH, ICMPv4_HOST_PROHIB, ICMP_ENCAP
		case ICMPv6_PORT_UNREACH:
			return ICMPv4_DEST_UNREACH, ICMPv4_PORT_UNREACH, ICMP_ENCAP
		}
	case ICMPv6_PACKET_TOO_BIG:
		if code == 0 {
			return ICMPv4_DEST_UNREACH, ICMPv4_FRAG_NEEDED, ICMP_ENCAP
		}
	case ICMPv6_TIME_EXCEEDED:
		return ICMPv4_TIME_EXCEEDED, code, ICMP_ENCAP
	case ICMPv6_PARAM_PROB:
		switch code {
		case ICMPv6_BAD_HEADER:
			return ICMPv4_PARAM_PROB, 0, ICMP_ENCAP
		case ICMPv6_UNKNOWN_NEXT:
			return ICMPv4_DEST_UNREACH, ICMPv4_PROT_UNREACH, ICMP_ENCAP
		}
	}

	return 0, 0, ICMP_DROP
}

// Parameter problem pointer, IPv4 header offset to IPv6 header offset.
func icmp_ptr46(ptr byte) (byte, bool) {

	switch {
	case ptr == 0 || ptr == 1:
		return ptr, true
	case ptr == 2 || ptr == 3:
		return 4, true // total length -> payload length
	case ptr == 8:
		return 7, true // ttl -> hop limit
	case ptr == 9:
		return 6, true // protocol -> next header
	case ptr >= 12 && ptr < 16:
		return 8, true // source address
	case ptr >= 16 && ptr < 20:
		return 24, true // destination address
	}
	return 0, false // id, fragment field, checksum, options
}

// Parameter problem pointer, IPv6 header offset to IPv4 header offset.
func icmp_ptr64(ptr uint32) (byte, bool) {

	switch {
	case ptr == 0 || ptr == 1:
		return byte(ptr), true
	case ptr == 4 || ptr == 5:
		return 2, true // payload length -> total length
	case ptr == 6:
		return 9, true // next header -> protocol
	case ptr == 7:
		return 8, true // hop limit -> ttl
	case ptr >= 8 && ptr < 24:
		return 12, true // source address
	case ptr >= 24 && ptr < 40:
		return 16, true // destination address
	}
	return 0, false
}

// Whether an ICMP reply may be sent in response to this IPv4 packet:
// never to an ICMP message other than echo, never to a non-first fragment.
func icmp4_respond_ok(pkt []byte) bool {

	if len(pkt) < IPv4_HDR_MIN_LEN {
		return false
	}
	frag_field := be.Uint16(pkt[IPv4_FRAG : IPv4_FRAG+2])
	if frag_field&IPv4_FRAG_MASK != 0 {
		return false
	}
	if pkt[IPv4_PROTO] == ICMP {
		hdrlen := int(pkt[IP_VER]&0x0f) * 4
		if len(pkt) < hdrlen+ICMP_HDR_LEN {
			return false
		}
		typ := pkt[hdrlen+ICMP_TYPE]
		if typ != ICMPv4_ECHO_REQUEST && typ != ICMPv4_ECHO_REPLY {
			return false
		}
	}
	return true
}

// Same for an IPv6 packet.
func icmp6_respond_ok(pkt []byte) bool {

	if len(pkt) < IPv6_HDR_MIN_LEN {
		return false
	}
	proto := pkt[IPv6_NEXT]
	off := IPv6_HDR_MIN_LEN
	if proto == IPv6_FRAG_EXT {
		if len(pkt) < off+IPv6_FRAG_HDR_LEN {
			return false
		}
		field := be.Uint16(pkt[off+IPv6_FRAG_OFF : off+IPv6_FRAG_OFF+2])
		if field&^7 != 0 {
			return false // not first fragment
		}
		proto = pkt[off+IPv6_FRAG_NEXT]
		off += IPv6_FRAG_HDR_LEN
	}
	if proto == ICMPv6 {
		if len(pkt) < off+ICMP_HDR_LEN {
			return false
		}
		typ := pkt[off+ICMP_TYPE]
		if typ != ICMPv6_ECHO_REQUEST && typ != ICMPv6_ECHO_REPLY {
			return false
		}
	}
	return true
}

// Build an ICMPv4 error carrying the offending packet, for delivery back
// through the tunnel. Returns the length written into xlat.rsp, 0 if no
// reply is allowed.
func icmp4_error(orig []byte, req IcmpReq) int {

	if !icmp4_respond_ok(orig) {
		return 0
	}

	if len(orig) > ICMP_ERR_MAX4-IPv4_HDR_MIN_LEN-ICMP_HDR_LEN {
		orig = orig[:ICMP_ERR_MAX4-IPv4_HDR_MIN_LEN-ICMP_HDR_LEN]
	}

	pkt := xlat.rsp[:]
	tot := IPv4_HDR_MIN_LEN + ICMP_HDR_LEN + len(orig)

	pkt[IP_VER] = 0x45
	pkt[IPv4_TOS] = 0
	be.PutUint16(pkt[IPv4_LEN:IPv4_LEN+2], uint16(tot))
	var identb [2]byte
	rand.Read(identb[:])
	copy(pkt[IPv4_ID:IPv4_ID+2], identb[:])
	be.PutUint16(pkt[IPv4_FRAG:IPv4_FRAG+2], 0)
	pkt[IPv4_TTL] = ICMPv4_SEND_TTL
	pkt[IPv4_PROTO] = ICMP
	be.PutUint16(pkt[IPv4_CSUM:IPv4_CSUM+2], 0)
	src := cfg.ipv4_local.As4()
	copy(pkt[IPv4_SRC:IPv4_SRC+4], src[:])
	copy(pkt[IPv4_DST:IPv4_DST+4], orig[IPv4_SRC:IPv4_SRC+4])
	be.PutUint16(pkt[IPv4_CSUM:IPv4_CSUM+2],
		csum_fold(csum_add(0, pkt[:IPv4_HDR_MIN_LEN])))

	icmp := pkt[IPv4_HDR_MIN_LEN:]
	icmp[ICMP_TYPE] = req.typ
	icmp[ICMP_CODE] = req.code
	be.PutUint16(icmp[ICMP_CSUM:ICMP_CSUM+2], 0)
	be.PutUint16(icmp[ICMP_PTR:ICMP_PTR+2], 0)
	be.PutUint16(icmp[ICMP_MTU:ICMP_MTU+2], req.mtu)
	copy(icmp[ICMP_DATA:], orig)
	be.PutUint16(icmp[ICMP_CSUM:ICMP_CSUM+2],
		csum_fold(csum_add(0, icmp[:ICMP_HDR_LEN+len(orig)])))

	return tot
}

// Build an ICMPv6 error carrying the offending packet, for delivery back
// through the raw socket. Returns the length written into xlat.rsp.
func icmp6_error(orig []byte, req IcmpReq) int {

	if !icmp6_respond_ok(orig) {
		return 0
	}

	if len(orig) > ICMP_ERR_MAX6-IPv6_HDR_MIN_LEN-ICMP_HDR_LEN {
		orig = orig[:ICMP_ERR_MAX6-IPv6_HDR_MIN_LEN-ICMP_HDR_LEN]
	}

	pkt := xlat.rsp[:]
	plen := ICMP_HDR_LEN + len(orig)

	pkt[IP_VER] = 0x60
	pkt[1] = 0
	pkt[2] = 0
	pkt[3] = 0
	be.PutUint16(pkt[IPv6_PLD_LEN:IPv6_PLD_LEN+2], uint16(plen))
	pkt[IPv6_NEXT] = ICMPv6
	pkt[IPv6_TTL] = ICMPv6_SEND_TTL
	src := cfg.ipv6_local.As16()
	copy(pkt[IPv6_SRC:IPv6_SRC+16], src[:])
	copy(pkt[IPv6_DST:IPv6_DST+16], orig[IPv6_SRC:IPv6_SRC+16])

	icmp := pkt[IPv6_HDR_MIN_LEN:]
	icmp[ICMP_TYPE] = req.typ
	icmp[ICMP_CODE] = req.code
	be.PutUint16(icmp[ICMP_CSUM:ICMP_CSUM+2], 0)
	be.PutUint32(icmp[ICMP_MTU6:ICMP_MTU6+4], uint32(req.mtu))
	copy(icmp[ICMP_DATA:], orig)

	sum := pseudo_v6(pkt[IPv6_SRC:], pkt[IPv6_DST:], ICMPv6, plen)
	sum = csum_add(sum, icmp[:plen])
	be.PutUint16(icmp[ICMP_CSUM:ICMP_CSUM+2], csum_fold(sum))

	return IPv6_HDR_MIN_LEN + plen
}
