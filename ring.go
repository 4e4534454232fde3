/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

/* Memory mapped receive ring

The receive side is an AF_PACKET socket with a TPACKET_V3 ring. The
kernel fills fixed size blocks with classifier matched frames and flips
the block status word, the consumer walks the frames of each ready
block, hands the IPv6 payload to the translator and returns the block.
The pages are locked in memory, which is what IPC_LOCK is retained for.

The socket is not bound until the classifier is attached, so no frame is
ever seen unfiltered.
*/

const (
	RING_BLOCK_SIZE = 1 << 16
	RING_BLOCK_NR   = 64
	RING_FRAME_SIZE = 2048
	RING_RETIRE_TOV = 64 // [ms] block retire timeout
)

type Ring struct {
	mem []byte // mmapped ring, RING_BLOCK_NR blocks
	idx int    // next block to reap
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// Create the packet socket, set up the ring and map it. Binding happens
// later, together with the classifier.
func ring_create() int {

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		log.fatal("ring: packet socket failed: %v", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_VERSION, unix.TPACKET_V3); err != nil {
		log.fatal("ring: setsockopt PACKET_VERSION failed: %v", err)
	}

	req := unix.TpacketReq3{
		Block_size:     RING_BLOCK_SIZE,
		Block_nr:       RING_BLOCK_NR,
		Frame_size:     RING_FRAME_SIZE,
		Frame_nr:       RING_BLOCK_SIZE / RING_FRAME_SIZE * RING_BLOCK_NR,
		Retire_blk_tov: RING_RETIRE_TOV,
	}
	if err = unix.SetsockoptTpacketReq3(fd, unix.SOL_PACKET, unix.PACKET_RX_RING, &req); err != nil {
		log.fatal("ring: setsockopt PACKET_RX_RING failed: %v", err)
	}

	size := int(req.Block_size * req.Block_nr)
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_LOCKED|unix.MAP_POPULATE)
	if err != nil {
		// retry unlocked, then lock explicitly
		mem, err = unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			log.fatal("ring: mmap of %v bytes failed: %v", size, err)
		}
		if err = unix.Mlock(mem); err != nil {
			log.err("ring: mlock failed: %v", err)
		}
	}

	tun.ring.mem = mem
	tun.ring.idx = 0

	log.info("ring: %v blocks of %v bytes", req.Block_nr, req.Block_size)

	return fd
}

func ring_block_status(base []byte) *uint32 {

	// the block descriptor header starts at offset 8, its first word is
	// the status
	return (*uint32)(unsafe.Pointer(&base[8]))
}

// Drain all ready blocks, translating each frame.
func ring_drain() {

	ring := &tun.ring

	for {

		base := ring.mem[ring.idx*RING_BLOCK_SIZE : (ring.idx+1)*RING_BLOCK_SIZE]

		if atomic.LoadUint32(ring_block_status(base))&unix.TP_STATUS_USER == 0 {
			return
		}

		bh := (*unix.TpacketHdrV1)(unsafe.Pointer(&base[8]))
		off := bh.Offset_to_first_pkt

		for ii := uint32(0); ii < bh.Num_pkts; ii++ {

			if int(off)+int(unsafe.Sizeof(unix.Tpacket3Hdr{})) > len(base) {
				log.err("ring: frame offset out of bounds, abandoning block")
				break
			}
			ph := (*unix.Tpacket3Hdr)(unsafe.Pointer(&base[off]))

			beg := int(off) + int(ph.Net)
			end := beg + int(ph.Snaplen)
			if beg > len(base) || end > len(base) {
				log.err("ring: frame data out of bounds, abandoning block")
				break
			}

			ring_frame(base[beg:end])

			if ph.Next_offset == 0 {
				break
			}
			off += ph.Next_offset
		}

		atomic.StoreUint32(ring_block_status(base), unix.TP_STATUS_KERNEL)
		ring.idx = (ring.idx + 1) % RING_BLOCK_NR
	}
}

func ring_frame(pkt []byte) {

	if cli.debug["ring"] {
		log.debug("ring in: %v", pp_pkt(pkt))
	}
	trace_pkt("ring in: ", pkt)

	res, rsp := xlat64(pkt)
	if res != nil {
		tun_write(res)
	} else if rsp != nil {
		raw_send(rsp)
	}
}
