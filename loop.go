/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

/* Event loop

One cooperative loop, one readiness wait per iteration over the packet
ring, the tun device and the wake pipe. All endpoints are non blocking,
translation runs synchronously with the wakeup that delivered the
packet. A write that would block is packet loss.

Stop requests come from signal and watcher goroutines, which only flip
the running flag and poke the wake pipe. The data path itself is single
threaded.
*/

const (
	INTERFACE_POLL_FREQUENCY            = 30 * time.Second
	NO_TRAFFIC_INTERFACE_POLL_FREQUENCY = 90_000 // [ms]
)

var running atomic.Bool

var wake struct {
	r int
	w int
}

// scratch for tun reads, reused across packets
var tunbuf [PACKETLEN]byte

func init_wake_pipe() {

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		log.fatal("loop: cannot create wake pipe: %v", err)
	}
	wake.r = fds[0]
	wake.w = fds[1]
}

func request_stop(reason string) {

	log.info("stopping: %v", reason)
	running.Store(false)
	unix.Write(wake.w, []byte{0})
}

func catch_signals() {

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigchan

	signal.Stop(sigchan)
	request_stop("signal(" + sig.String() + ")")
}

// Read one packet from the tunnel and translate it. Errors are read too,
// a read clears the socket error flag where skipping it would make the
// next poll return immediately again.
func tun_read_packet() {

	rlen, err := unix.Read(tun.fd4, tunbuf[:])

	if err != nil {
		if err != unix.EAGAIN && err != unix.EINTR {
			log.err("tun in: read error: %v", err)
		}
		return
	}
	if rlen == 0 {
		log.err("tun in: tun interface removed")
		running.Store(false)
		return
	}
	if rlen < TUN_HDR_LEN+IPv4_HDR_MIN_LEN {
		log.err_limited("tunshort", "tun in: packet too short, dropping")
		return
	}

	if flags := be.Uint16(tunbuf[TUN_FLAGS : TUN_FLAGS+2]); flags != 0 {
		log.err_limited("tunflags", "tun in: unexpected flags(%04x)", flags)
	}
	proto := be.Uint16(tunbuf[TUN_PROTO : TUN_PROTO+2])
	if proto != ETHER_IPv4 {
		if proto != ETHER_IPv6 {
			log.err_limited("tunproto", "tun in: non-IP packet type(%04x), dropping", proto)
		}
		return
	}

	pkt := tunbuf[TUN_HDR_LEN:rlen]

	if cli.debug["tun"] {
		log.debug("tun in:  %v", pp_pkt(pkt))
	}
	trace_pkt("tun in:  ", pkt)

	res, rsp := xlat46(pkt, TP_CSUM_NONE)
	if res != nil {
		raw_send(res)
	} else if rsp != nil {
		tun_write(rsp)
	}
}

func event_loop() {

	wait_fd := []unix.PollFd{
		{Fd: int32(tun.read_fd6), Events: unix.POLLIN},
		{Fd: int32(tun.fd4), Events: unix.POLLIN},
		{Fd: int32(wake.r), Events: unix.POLLIN},
	}

	last_interface_poll := time.Now()

	for running.Load() {

		for ii := range wait_fd {
			wait_fd[ii].Revents = 0
		}

		num, err := unix.Poll(wait_fd, NO_TRAFFIC_INTERFACE_POLL_FREQUENCY)
		if err != nil {
			if err != unix.EINTR {
				log.err("loop: poll returned an error: %v", err)
			}
		} else if num > 0 {

			if wait_fd[0].Revents&unix.POLLIN != 0 {
				ring_drain()
			}
			if wait_fd[0].Revents&^unix.POLLIN != 0 {
				// draining the ring does not clear the error indication
				unix.Recvfrom(tun.read_fd6, nil, unix.MSG_PEEK|unix.MSG_DONTWAIT)
				log.err("loop: cleared error condition on packet socket")
			}

			// any tun readiness means try to read, so errors clear too
			if wait_fd[1].Revents != 0 {
				tun_read_packet()
			}

			if wait_fd[2].Revents != 0 {
				var drain [16]byte
				unix.Read(wake.r, drain[:])
			}
		}

		if time.Since(last_interface_poll) > INTERFACE_POLL_FREQUENCY {
			last_interface_poll = time.Now()
			if ipv6_address_changed(cfg.default_pdp_interface) {
				break
			}
		}
	}
}
