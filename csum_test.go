/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"testing"
)

func TestCsumFold(t *testing.T) {

	// the classic example from RFC 1071 §3
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}

	sum := csum_add(0, data)
	if sum != 0x2ddf0 {
		t.Errorf("partial sum = %05x, want 2ddf0", sum)
	}
	if csum_fold(sum) != ^uint16(0xddf2) {
		t.Errorf("folded sum = %04x, want %04x", csum_fold(sum), ^uint16(0xddf2))
	}
}

func TestCsumOddLength(t *testing.T) {

	// an odd trailing byte is the high byte of the last word
	if csum_add(0, []byte{0x12, 0x34, 0x56}) != csum_add(0, []byte{0x12, 0x34, 0x56, 0x00}) {
		t.Errorf("odd length padding mismatch")
	}
}

func TestCsumVerify(t *testing.T) {

	// a packet checksummed with fold verifies to zero
	data := []byte{0x45, 0x00, 0x00, 0x1c, 0xbe, 0xef, 0x40, 0x00,
		0x40, 0x11, 0x00, 0x00, 0xc0, 0x00, 0x00, 0x04, 0x08, 0x08, 0x08, 0x08}

	check := csum_fold(csum_add(0, data))
	be.PutUint16(data[10:12], check)

	if csum_fold(csum_add(0, data)) != 0 {
		t.Errorf("checksummed packet does not verify")
	}
}

func TestCsumAdjust(t *testing.T) {

	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04, 0x55}
	old_data := []byte{0xc0, 0x00, 0x00, 0x04, 0x08, 0x08, 0x08, 0x08}
	new_data := []byte{0x20, 0x01, 0x0d, 0xb8, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x64, 0xff, 0x9b, 0x08, 0x08, 0x08, 0x08}

	// checksum over old data plus payload
	check := csum_fold(csum_add(csum_add(0, old_data), payload))

	// incremental update must match a full recompute over the new data
	adjusted := csum_adjust(check, old_data, new_data)
	recomputed := csum_fold(csum_add(csum_add(0, new_data), payload))

	if adjusted != recomputed {
		t.Errorf("adjusted(%04x) != recomputed(%04x)", adjusted, recomputed)
	}
}

func TestCsumAdjustIdentity(t *testing.T) {

	data := []byte{0x11, 0x22, 0x33, 0x44}
	check := uint16(0x1234)

	if csum_adjust(check, data, data) != check {
		t.Errorf("identity adjustment changed the checksum")
	}
}

func TestPseudoHeaders(t *testing.T) {

	src4 := []byte{192, 0, 0, 4}
	dst4 := []byte{8, 8, 8, 8}

	want := uint32(192<<8|0) + uint32(0<<8|4) + uint32(8<<8|8) + uint32(8<<8|8) + UDP + 100
	if sum := pseudo_v4(src4, dst4, UDP, 100); sum != want {
		t.Errorf("pseudo_v4 = %v, want %v", sum, want)
	}

	src6 := MustParseIP("2001:db8::1").As16()
	dst6 := MustParseIP("64:ff9b::808:808").As16()

	want = uint32(0x2001) + 0x0db8 + 0x0001 + 0x0064 + 0xff9b + 0x0808 + 0x0808 + UDP + 100
	if sum := pseudo_v6(src6[:], dst6[:], UDP, 100); sum != want {
		t.Errorf("pseudo_v6 = %v, want %v", sum, want)
	}
}
