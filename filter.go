/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"net/netip"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

/* Receive classifier

The packet socket accepts a frame if and only if the IPv6 destination
address matches the CLAT address, compared as four 32 bit words at fixed
offsets. The uplink delivers bare IP frames, so the destination starts
24 bytes in. The program runs in the kernel, frames for other hosts
never reach userspace.
*/

func clat_filter(addr netip.Addr) []bpf.Instruction {

	a := addr.As16()

	// compare each word of the destination, bail to the reject return on
	// the first mismatch
	insns := make([]bpf.Instruction, 0, 10)
	for ii := 0; ii < 4; ii++ {
		insns = append(insns,
			bpf.LoadAbsolute{Off: uint32(IPv6_DST + ii*4), Size: 4},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: be.Uint32(a[ii*4 : ii*4+4]),
				SkipFalse: uint8(7 - 2*ii)},
		)
	}
	insns = append(insns,
		bpf.RetConstant{Val: PACKETLEN},
		bpf.RetConstant{Val: 0},
	)

	return insns
}

// Attach the classifier and bind the socket to the uplink. The CLAT
// address is not assigned to the kernel, so its frames arrive marked as
// belonging to another host.
func attach_clat_filter(fd int, addr netip.Addr) error {

	prog, err := bpf.Assemble(clat_filter(addr))
	if err != nil {
		return err
	}

	filt := make([]unix.SockFilter, len(prog))
	for ii, ins := range prog {
		filt[ii] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{Len: uint16(len(filt)), Filter: &filt[0]}

	if err = unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog); err != nil {
		return err
	}

	sll := unix.SockaddrLinklayer{
		Protocol: htons(ETHER_IPv6),
		Ifindex:  ifindex(cfg.default_pdp_interface),
		Pkttype:  unix.PACKET_OTHERHOST,
	}
	return unix.Bind(fd, &sll)
}
