/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"net/netip"
)

/* Stateless packet translation

Both directions rewrite the IP header in a private scratch buffer and
leave the transport payload untouched except for checksum fixups, which
are incremental wherever the covered bytes did not change. ICMP errors
carry their offending packet through one level of recursive translation,
nested errors are dropped.

The scratch buffers are owned by the event loop context. Translation is
synchronous with the readiness wakeup that delivered the packet, there
is no per packet allocation on the steady state path.
*/

const ICMP_XLAT_DEPTH = 2 // outermost packet plus one embedded packet

var xlat struct {
	out [PACKETLEN]byte // translated packet
	rsp [PACKETLEN]byte // icmp error back to the origin
	req IcmpReq
}

// Translate an IPv4 packet read from the tunnel into an IPv6 packet.
// Returns the translated packet, or an ICMP reply to deliver back to the
// origin, or neither (drop).
func xlat46(pkt []byte, hint int) (res, rsp []byte) {

	xlat.req = IcmpReq{}

	n := xlat46_pkt(pkt, xlat.out[:], hint, ICMP_XLAT_DEPTH)
	if n > 0 {
		return xlat.out[:n], nil
	}
	if xlat.req.typ != 0 {
		if m := icmp4_error(pkt, xlat.req); m > 0 {
			return nil, xlat.rsp[:m]
		}
	}
	return nil, nil
}

// Translate an IPv6 packet from the packet ring into an IPv4 packet.
func xlat64(pkt []byte) (res, rsp []byte) {

	xlat.req = IcmpReq{}

	n := xlat64_pkt(pkt, xlat.out[:], ICMP_XLAT_DEPTH)
	if n > 0 {
		return xlat.out[:n], nil
	}
	if xlat.req.typ != 0 {
		if m := icmp6_error(pkt, xlat.req); m > 0 {
			return nil, xlat.rsp[:m]
		}
	}
	return nil, nil
}

func map_addr46(addr netip.Addr) netip.Addr {

	if addr == cfg.ipv4_local {
		return cfg.ipv6_local
	}
	return embed(cfg.plat_subnet, addr)
}

func map_addr64(addr netip.Addr) (netip.Addr, bool) {

	if addr == cfg.ipv6_local {
		return cfg.ipv4_local, true
	}
	return extract(cfg.plat_subnet, addr)
}

// The workhorse for the v4 to v6 direction. Writes the translated packet
// into out and returns its length, 0 to drop. Depth below ICMP_XLAT_DEPTH
// means an embedded packet: possibly truncated, no ttl decrement, no
// replies, no size policy.
func xlat46_pkt(pkt, out []byte, hint, depth int) int {

	top := depth == ICMP_XLAT_DEPTH

	if len(pkt) < IPv4_HDR_MIN_LEN {
		log.err_limited("46short", "xlat46: packet too short, dropping")
		return 0
	}
	if pkt[IP_VER]>>4 != 4 {
		log.err_limited("46ver", "xlat46: not an IPv4 packet, dropping")
		return 0
	}
	hdrlen := int(pkt[IP_VER]&0x0f) * 4
	if hdrlen < IPv4_HDR_MIN_LEN || hdrlen > len(pkt) {
		log.err_limited("46hdr", "xlat46: invalid header length, dropping")
		return 0
	}
	tot := int(be.Uint16(pkt[IPv4_LEN : IPv4_LEN+2]))
	if tot < hdrlen {
		log.err_limited("46len", "xlat46: invalid total length, dropping")
		return 0
	}
	if tot > len(pkt) {
		if top {
			log.err_limited("46trunc", "xlat46: truncated packet, dropping")
			return 0
		}
		// embedded packets arrive truncated, translate what is there
	} else {
		pkt = pkt[:tot]
	}

	if top && hint != TP_CSUM_L4_VALID {
		if csum_fold(csum_add(0, pkt[:hdrlen])) != 0 {
			log.err_limited("46csum", "xlat46: bad header checksum, dropping")
			return 0
		}
	}

	ttl := pkt[IPv4_TTL]
	if top && ttl <= 1 {
		if ttl == 1 {
			xlat.req = IcmpReq{ICMPv4_TIME_EXCEEDED, ICMPv4_EXC_TTL, 0}
		}
		return 0
	}

	frag_field := be.Uint16(pkt[IPv4_FRAG : IPv4_FRAG+2])
	frag_df := frag_field&IPv4_FLAG_DF != 0
	frag_mf := frag_field&IPv4_FLAG_MF != 0
	frag_off := int(frag_field&IPv4_FRAG_MASK) << 3
	frag_if := frag_off != 0 || frag_mf

	proto := pkt[IPv4_PROTO]
	if frag_if && proto == ICMP {
		log.err_limited("46icmpfrag", "xlat46: fragmented icmp, dropping")
		return 0
	}

	// a packet that does not fit the uplink and cannot be fragmented
	// bounces with the tunnel mtu

	if top && frag_df && !frag_if && len(pkt) > cfg.ipv4mtu {
		xlat.req = IcmpReq{ICMPv4_DEST_UNREACH, ICMPv4_FRAG_NEEDED, uint16(cfg.ipv4mtu)}
		return 0
	}

	l4 := pkt[hdrlen:]
	l4len := len(l4)
	l4len_claimed := tot - hdrlen // differs from l4len only when truncated

	src6 := map_addr46(addr_from4(pkt[IPv4_SRC : IPv4_SRC+4]))
	dst6 := map_addr46(addr_from4(pkt[IPv4_DST : IPv4_DST+4]))

	add_frag := frag_if || (cfg.frag_df0 && !frag_df)
	hdr6 := IPv6_HDR_MIN_LEN
	if add_frag {
		hdr6 += IPv6_FRAG_HDR_LEN
	}

	if hdr6+l4len > len(out) {
		log.err_limited("46big", "xlat46: packet too large, dropping")
		return 0
	}

	proto6 := proto
	if proto == ICMP {
		proto6 = ICMPv6
	}

	// IPv6 header: traffic class from tos, flow label zero

	out[0] = 0x60 | pkt[IPv4_TOS]>>4
	out[1] = pkt[IPv4_TOS] << 4
	out[2] = 0
	out[3] = 0
	if add_frag {
		out[IPv6_NEXT] = IPv6_FRAG_EXT
	} else {
		out[IPv6_NEXT] = proto6
	}
	if top {
		out[IPv6_TTL] = ttl - 1
	} else {
		out[IPv6_TTL] = ttl
	}
	src := src6.As16()
	dst := dst6.As16()
	copy(out[IPv6_SRC:IPv6_SRC+16], src[:])
	copy(out[IPv6_DST:IPv6_DST+16], dst[:])

	if add_frag {
		fh := out[IPv6_HDR_MIN_LEN : IPv6_HDR_MIN_LEN+IPv6_FRAG_HDR_LEN]
		fh[IPv6_FRAG_NEXT] = proto6
		fh[IPv6_FRAG_RES1] = 0
		field := uint16(frag_off)
		if frag_mf {
			field |= 1
		}
		be.PutUint16(fh[IPv6_FRAG_OFF:IPv6_FRAG_OFF+2], field)
		be.PutUint32(fh[IPv6_FRAG_IDENT:IPv6_FRAG_IDENT+4],
			uint32(be.Uint16(pkt[IPv4_ID:IPv4_ID+2])))
	}

	copy(out[hdr6:], l4)

	// transport checksum fixups

	switch proto {

	case UDP:

		if frag_off != 0 {
			break // checksum lives in the first fragment
		}
		if l4len < UDP_HDR_LEN {
			if top {
				log.err_limited("46udp", "xlat46: invalid udp packet, dropping")
				return 0
			}
			break
		}

		udp_csum := be.Uint16(l4[UDP_CSUM : UDP_CSUM+2])

		if udp_csum == 0 {
			// IPv6 forbids zero udp checksums, compute one
			if frag_if {
				log.err_limited("46udp0", "xlat46: zero checksum on fragmented udp, dropping")
				return 0
			}
			sum := pseudo_v6(out[IPv6_SRC:], out[IPv6_DST:], UDP, l4len)
			sum = csum_add(sum, out[hdr6:hdr6+l4len])
			udp_csum = csum_fold(sum)
			if udp_csum == 0 {
				udp_csum = 0xffff
			}
		} else {
			udp_csum = csum_adjust(udp_csum,
				pkt[IPv4_SRC:IPv4_SRC+8], out[IPv6_SRC:IPv6_SRC+32])
			if udp_csum == 0 {
				udp_csum = 0xffff
			}
		}
		be.PutUint16(out[hdr6+UDP_CSUM:hdr6+UDP_CSUM+2], udp_csum)

	case TCP:

		if frag_off != 0 || l4len < TCP_CSUM+2 {
			break
		}

		tcp_csum := be.Uint16(l4[TCP_CSUM : TCP_CSUM+2])
		tcp_csum = csum_adjust(tcp_csum,
			pkt[IPv4_SRC:IPv4_SRC+8], out[IPv6_SRC:IPv6_SRC+32])
		be.PutUint16(out[hdr6+TCP_CSUM:hdr6+TCP_CSUM+2], tcp_csum)

	case ICMP:

		n := icmp46_body(l4, out, hdr6, depth)
		if n < 0 {
			return 0
		}
		if n != l4len {
			l4len_claimed += n - l4len
			l4len = n
		}

		// ICMPv6 checksums cover a pseudo header, ICMPv4 ones do not
		be.PutUint16(out[hdr6+ICMP_CSUM:hdr6+ICMP_CSUM+2], 0)
		sum := pseudo_v6(out[IPv6_SRC:], out[IPv6_DST:], ICMPv6, l4len_claimed)
		sum = csum_add(sum, out[hdr6:hdr6+l4len])
		be.PutUint16(out[hdr6+ICMP_CSUM:hdr6+ICMP_CSUM+2], csum_fold(sum))

	case GRE:
		// passthrough, checksum does not cover addresses
	}

	plen := hdr6 - IPv6_HDR_MIN_LEN + l4len
	be.PutUint16(out[IPv6_PLD_LEN:IPv6_PLD_LEN+2], uint16(plen))

	return hdr6 + l4len
}

// ICMPv4 body to ICMPv6 body, in place in out. The caller has already
// copied the original body and computes the final checksum. Returns the
// new body length, -1 to drop.
func icmp46_body(l4, out []byte, hdr6, depth int) int {

	if len(l4) < ICMP_HDR_LEN {
		log.err_limited("46icmp", "xlat46: invalid icmp packet, dropping")
		return -1
	}

	typ := l4[ICMP_TYPE]
	code := l4[ICMP_CODE]
	ntyp, ncode, action := icmp_typ46(typ, code)
	if action == ICMP_DROP {
		log.err_limited("46icmptyp", "xlat46: untranslatable icmp type(%v) code(%v), dropping", typ, code)
		return -1
	}

	o := out[hdr6:]
	o[ICMP_TYPE] = ntyp
	o[ICMP_CODE] = ncode

	if action == ICMP_NO_ENCAP {
		return len(l4) // echo, id and seq preserved
	}

	if depth <= 1 {
		log.err_limited("46nested", "xlat46: nested icmp error, dropping")
		return -1
	}
	if len(l4) < ICMP_DATA+IPv4_HDR_MIN_LEN {
		log.err_limited("46icmp", "xlat46: invalid icmp packet, dropping")
		return -1
	}

	switch {

	case typ == ICMPv4_DEST_UNREACH && code == ICMPv4_FRAG_NEEDED:

		mtu := uint32(be.Uint16(l4[ICMP_MTU : ICMP_MTU+2]))
		mtu += MTU_DELTA
		if mtu < 1280 {
			mtu = 1280
		}
		be.PutUint32(o[ICMP_MTU6:ICMP_MTU6+4], mtu)

	case typ == ICMPv4_DEST_UNREACH && code == ICMPv4_PROT_UNREACH:

		be.PutUint32(o[4:8], 6) // pointer at the next header field

	case typ == ICMPv4_PARAM_PROB:

		ptr, ok := icmp_ptr46(l4[ICMP_PTR])
		if !ok {
			log.err_limited("46ptr", "xlat46: untranslatable parameter pointer(%v), dropping", l4[ICMP_PTR])
			return -1
		}
		be.PutUint32(o[4:8], uint32(ptr))

	default:
		be.PutUint32(o[4:8], 0)
	}

	n := xlat46_pkt(l4[ICMP_DATA:], o[ICMP_DATA:], TP_CSUM_L4_VALID, depth-1)
	if n == 0 {
		log.err_limited("46inner", "xlat46: invalid embedded packet, dropping")
		return -1
	}
	return ICMP_DATA + n
}

// The workhorse for the v6 to v4 direction.
func xlat64_pkt(pkt, out []byte, depth int) int {

	top := depth == ICMP_XLAT_DEPTH

	if len(pkt) < IPv6_HDR_MIN_LEN {
		log.err_limited("64short", "xlat64: packet too short, dropping")
		return 0
	}
	if pkt[IP_VER]>>4 != 6 {
		log.err_limited("64ver", "xlat64: not an IPv6 packet, dropping")
		return 0
	}
	plen := int(be.Uint16(pkt[IPv6_PLD_LEN : IPv6_PLD_LEN+2]))
	if plen == 0 {
		log.err_limited("64jumbo", "xlat64: jumbogram, dropping")
		return 0
	}
	if IPv6_HDR_MIN_LEN+plen > len(pkt) {
		if top {
			log.err_limited("64trunc", "xlat64: truncated packet, dropping")
			return 0
		}
	} else {
		pkt = pkt[:IPv6_HDR_MIN_LEN+plen]
	}

	dst6 := addr_from16(pkt[IPv6_DST : IPv6_DST+16])
	if top && dst6 != cfg.ipv6_local {
		// the classifier only passes our frames, but it is rearmed
		// asynchronously on reconfiguration
		log.err_limited("64dst", "xlat64: destination %v is not ours, dropping", dst6)
		return 0
	}

	src4, ok := map_addr64(addr_from16(pkt[IPv6_SRC : IPv6_SRC+16]))
	if !ok {
		log.err_limited("64src", "xlat64: source %v not in plat prefix, dropping",
			addr_from16(pkt[IPv6_SRC:IPv6_SRC+16]))
		return 0
	}
	dst4, ok := map_addr64(dst6)
	if !ok {
		log.err_limited("64dst2", "xlat64: destination %v not in plat prefix, dropping", dst6)
		return 0
	}

	// walk extension headers

	proto := pkt[IPv6_NEXT]
	off := IPv6_HDR_MIN_LEN
	frag_if := false
	frag_mf := false
	frag_off := 0
	have_frag := false
	ident := uint32(0)

walk:
	for {
		switch proto {

		case IPv6_HOP_OPT, IPv6_DEST_OPT:

			if len(pkt) < off+8 {
				log.err_limited("64ext", "xlat64: truncated extension header, dropping")
				return 0
			}
			next := pkt[off]
			hlen := (int(pkt[off+1]) + 1) * 8
			if len(pkt) < off+hlen {
				log.err_limited("64ext", "xlat64: truncated extension header, dropping")
				return 0
			}
			proto = next
			off += hlen

		case IPv6_ROUTING:

			if len(pkt) < off+8 {
				log.err_limited("64ext", "xlat64: truncated extension header, dropping")
				return 0
			}
			if pkt[off+2] != 0 || pkt[off+3] != 0 {
				log.err_limited("64rt", "xlat64: routing header type(%v) segments(%v), dropping",
					pkt[off+2], pkt[off+3])
				return 0
			}
			next := pkt[off]
			hlen := (int(pkt[off+1]) + 1) * 8
			if len(pkt) < off+hlen {
				log.err_limited("64ext", "xlat64: truncated extension header, dropping")
				return 0
			}
			proto = next
			off += hlen

		case IPv6_FRAG_EXT:

			if have_frag {
				log.err_limited("64frag2", "xlat64: second fragment header, dropping")
				return 0
			}
			if len(pkt) < off+IPv6_FRAG_HDR_LEN {
				log.err_limited("64ext", "xlat64: truncated extension header, dropping")
				return 0
			}
			have_frag = true
			field := be.Uint16(pkt[off+IPv6_FRAG_OFF : off+IPv6_FRAG_OFF+2])
			frag_off = int(field &^ 7)
			frag_mf = field&1 != 0
			frag_if = frag_off != 0 || frag_mf
			ident = be.Uint32(pkt[off+IPv6_FRAG_IDENT : off+IPv6_FRAG_IDENT+4])
			proto = pkt[off+IPv6_FRAG_NEXT]
			off += IPv6_FRAG_HDR_LEN

		case IPv6_NO_NEXT:
			return 0

		default:
			break walk
		}
	}

	ttl := pkt[IPv6_TTL]
	if top && ttl <= 1 {
		if ttl == 1 {
			xlat.req = IcmpReq{ICMPv6_TIME_EXCEEDED, ICMPv6_EXC_TTL, 0}
		}
		return 0
	}

	if frag_if && proto == ICMPv6 {
		log.err_limited("64icmpfrag", "xlat64: fragmented icmp, dropping")
		return 0
	}

	l4 := pkt[off:]
	l4len := len(l4)

	outlen := IPv4_HDR_MIN_LEN + l4len
	if top && outlen > 0xffff {
		xlat.req = IcmpReq{ICMPv6_PACKET_TOO_BIG, 0, 0xffff}
		return 0
	}
	if outlen > len(out) {
		log.err_limited("64big", "xlat64: packet too large, dropping")
		return 0
	}

	proto4 := proto
	if proto == ICMPv6 {
		proto4 = ICMP
	}

	// IPv4 header

	out[IP_VER] = 0x45
	out[IPv4_TOS] = pkt[0]<<4 | pkt[1]>>4
	be.PutUint16(out[IPv4_LEN:IPv4_LEN+2], uint16(outlen))
	be.PutUint16(out[IPv4_ID:IPv4_ID+2], uint16(ident))
	var field uint16
	if frag_if {
		field = uint16(frag_off >> 3)
		if frag_mf {
			field |= IPv4_FLAG_MF
		}
	} else {
		field = IPv4_FLAG_DF
	}
	be.PutUint16(out[IPv4_FRAG:IPv4_FRAG+2], field)
	if top {
		out[IPv4_TTL] = ttl - 1
	} else {
		out[IPv4_TTL] = ttl
	}
	out[IPv4_PROTO] = proto4
	be.PutUint16(out[IPv4_CSUM:IPv4_CSUM+2], 0)
	src := src4.As4()
	dst := dst4.As4()
	copy(out[IPv4_SRC:IPv4_SRC+4], src[:])
	copy(out[IPv4_DST:IPv4_DST+4], dst[:])
	be.PutUint16(out[IPv4_CSUM:IPv4_CSUM+2],
		csum_fold(csum_add(0, out[:IPv4_HDR_MIN_LEN])))

	copy(out[IPv4_HDR_MIN_LEN:], l4)

	o4 := out[IPv4_HDR_MIN_LEN:]

	switch proto {

	case UDP:

		if frag_off != 0 {
			break
		}
		if l4len < UDP_HDR_LEN {
			if top {
				log.err_limited("64udp", "xlat64: invalid udp packet, dropping")
				return 0
			}
			break
		}

		udp_csum := be.Uint16(l4[UDP_CSUM : UDP_CSUM+2])

		if udp_csum == 0 {
			// a zero checksum slipped past the far translator, recompute
			// when the whole datagram is at hand
			if frag_if {
				log.err_limited("64udp0", "xlat64: zero checksum on fragmented udp, dropping")
				return 0
			}
			sum := pseudo_v4(out[IPv4_SRC:], out[IPv4_DST:], UDP, l4len)
			sum = csum_add(sum, o4[:l4len])
			udp_csum = csum_fold(sum)
			if udp_csum == 0 {
				udp_csum = 0xffff
			}
		} else {
			udp_csum = csum_adjust(udp_csum,
				pkt[IPv6_SRC:IPv6_SRC+32], out[IPv4_SRC:IPv4_SRC+8])
			if udp_csum == 0 {
				udp_csum = 0xffff
			}
		}
		be.PutUint16(o4[UDP_CSUM:UDP_CSUM+2], udp_csum)

	case TCP:

		if frag_off != 0 || l4len < TCP_CSUM+2 {
			break
		}

		tcp_csum := be.Uint16(l4[TCP_CSUM : TCP_CSUM+2])
		tcp_csum = csum_adjust(tcp_csum,
			pkt[IPv6_SRC:IPv6_SRC+32], out[IPv4_SRC:IPv4_SRC+8])
		be.PutUint16(o4[TCP_CSUM:TCP_CSUM+2], tcp_csum)

	case ICMPv6:

		n := icmp64_body(l4, out, depth)
		if n < 0 {
			return 0
		}
		if n != l4len {
			l4len = n
			outlen = IPv4_HDR_MIN_LEN + l4len
			be.PutUint16(out[IPv4_LEN:IPv4_LEN+2], uint16(outlen))
			be.PutUint16(out[IPv4_CSUM:IPv4_CSUM+2], 0)
			be.PutUint16(out[IPv4_CSUM:IPv4_CSUM+2],
				csum_fold(csum_add(0, out[:IPv4_HDR_MIN_LEN])))
		}

		// ICMPv4 checksum has no pseudo header
		be.PutUint16(o4[ICMP_CSUM:ICMP_CSUM+2], 0)
		be.PutUint16(o4[ICMP_CSUM:ICMP_CSUM+2],
			csum_fold(csum_add(0, o4[:l4len])))

	case GRE:
		// passthrough
	}

	return outlen
}

// ICMPv6 body to ICMPv4 body, in place in out after the IPv4 header.
// Returns the new body length, -1 to drop.
func icmp64_body(l4, out []byte, depth int) int {

	if len(l4) < ICMP_HDR_LEN {
		log.err_limited("64icmp", "xlat64: invalid icmp packet, dropping")
		return -1
	}

	typ := l4[ICMP_TYPE]
	code := l4[ICMP_CODE]
	ntyp, ncode, action := icmp_typ64(typ, code)
	if action == ICMP_DROP {
		log.err_limited("64icmptyp", "xlat64: untranslatable icmp type(%v) code(%v), dropping", typ, code)
		return -1
	}

	o := out[IPv4_HDR_MIN_LEN:]
	o[ICMP_TYPE] = ntyp
	o[ICMP_CODE] = ncode

	if action == ICMP_NO_ENCAP {
		return len(l4)
	}

	if depth <= 1 {
		log.err_limited("64nested", "xlat64: nested icmp error, dropping")
		return -1
	}
	if len(l4) < ICMP_DATA+IPv6_HDR_MIN_LEN {
		log.err_limited("64icmp", "xlat64: invalid icmp packet, dropping")
		return -1
	}

	switch {

	case typ == ICMPv6_PACKET_TOO_BIG:

		mtu := be.Uint32(l4[ICMP_MTU6 : ICMP_MTU6+4])
		if mtu < 1280 {
			mtu = 1280
		}
		mtu -= MTU_DELTA
		if mtu > 0xffff {
			mtu = 0xffff
		}
		be.PutUint16(o[ICMP_PTR:ICMP_PTR+2], 0)
		be.PutUint16(o[ICMP_MTU:ICMP_MTU+2], uint16(mtu))

	case typ == ICMPv6_PARAM_PROB && code == ICMPv6_BAD_HEADER:

		ptr6 := be.Uint32(l4[4:8])
		ptr, ok := icmp_ptr64(ptr6)
		if !ok {
			log.err_limited("64ptr", "xlat64: untranslatable parameter pointer(%v), dropping", ptr6)
			return -1
		}
		o[ICMP_PTR] = ptr
		o[5] = 0
		be.PutUint16(o[6:8], 0)

	default:
		be.PutUint32(o[4:8], 0)
	}

	n := xlat64_pkt(l4[ICMP_DATA:], o[ICMP_DATA:], depth-1)
	if n == 0 {
		log.err_limited("64inner", "xlat64: invalid embedded packet, dropping")
		return -1
	}
	return ICMP_DATA + n
}
