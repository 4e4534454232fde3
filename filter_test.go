/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"net/netip"
	"testing"

	"golang.org/x/net/bpf"
)

func run_filter(t *testing.T, vm *bpf.VM, pkt []byte) int {

	ret, err := vm.Run(pkt)
	if err != nil {
		t.Fatalf("filter run failed: %v", err)
	}
	return ret
}

func TestClatFilter(t *testing.T) {

	addr := netip.MustParseAddr("2001:db8::1")

	prog := clat_filter(addr)
	if _, err := bpf.Assemble(prog); err != nil {
		t.Fatalf("filter does not assemble: %v", err)
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		t.Fatalf("filter does not load: %v", err)
	}

	udp := mk_udp("64:ff9b::808:808", "2001:db8::1", []byte("x"), false)

	// a frame for the CLAT address passes
	pkt := mk_ipv6("64:ff9b::808:808", "2001:db8::1", UDP, 64, udp)
	if run_filter(t, vm, pkt) == 0 {
		t.Errorf("frame for the CLAT address rejected")
	}

	// frames for anyone else never reach userspace
	for _, dst := range []string{
		"2001:db8::2",
		"2002:db8::1",
		"2001:db8::1:1",
		"ff02::1",
	} {
		pkt = mk_ipv6("64:ff9b::808:808", dst, UDP, 64, udp)
		if run_filter(t, vm, pkt) != 0 {
			t.Errorf("frame for %v accepted", dst)
		}
	}

	// differences in any single word of the destination are caught
	for ii := 0; ii < 16; ii++ {
		pkt = mk_ipv6("64:ff9b::808:808", "2001:db8::1", UDP, 64, udp)
		pkt[IPv6_DST+ii] ^= 0x01
		if run_filter(t, vm, pkt) != 0 {
			t.Errorf("frame with destination byte %v flipped accepted", ii)
		}
	}

	// short frames are rejected, not misread
	if run_filter(t, vm, pkt[:30]) != 0 {
		t.Errorf("short frame accepted")
	}
}

func TestClatFilterRearm(t *testing.T) {

	// a program generated for a different address rejects the old one
	old := netip.MustParseAddr("2001:db8::1")
	new_addr := netip.MustParseAddr("2001:db9::cafe")

	vm, err := bpf.NewVM(clat_filter(new_addr))
	if err != nil {
		t.Fatalf("filter does not load: %v", err)
	}

	udp := mk_udp("64:ff9b::808:808", old.String(), []byte("x"), false)
	pkt := mk_ipv6("64:ff9b::808:808", old.String(), UDP, 64, udp)
	if run_filter(t, vm, pkt) != 0 {
		t.Errorf("frame for the previous address accepted")
	}

	pkt = mk_ipv6("64:ff9b::808:808", new_addr.String(), UDP, 64, udp)
	if run_filter(t, vm, pkt) == 0 {
		t.Errorf("frame for the new address rejected")
	}
}
