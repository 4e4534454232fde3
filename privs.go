/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

/* Privilege gate

The daemon starts as the superuser, sets up the tunnel and sockets, then
switches to an unprivileged identity keeping only the capabilities the
data path needs: NET_ADMIN and NET_RAW for the sockets, IPC_LOCK for the
ring pages. Any failure here is fatal, translation never starts half
privileged.
*/

func lookup_gid(name string) int {

	grp, err := user.LookupGroup(name)
	if err != nil {
		if gid, nerr := strconv.Atoi(name); nerr == nil {
			return gid
		}
		log.fatal("privs: cannot find group %v: %v", name, err)
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		log.fatal("privs: invalid gid for group %v: %v", name, grp.Gid)
	}
	return gid
}

func drop_privs() {

	// supplementary groups first, they cannot be changed once we switch

	groups := make([]int, 0, len(cfg.groups))
	for _, name := range cfg.groups {
		groups = append(groups, lookup_gid(name))
	}
	if err := unix.Setgroups(groups); err != nil {
		log.fatal("privs: setgroups failed: %v", err)
	}

	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		log.fatal("privs: prctl(PR_SET_KEEPCAPS) failed: %v", err)
	}

	usr, err := user.Lookup(cfg.user)
	if err != nil {
		log.fatal("privs: cannot find user %v: %v", cfg.user, err)
	}
	uid, err := strconv.Atoi(usr.Uid)
	if err != nil {
		log.fatal("privs: invalid uid for user %v: %v", cfg.user, usr.Uid)
	}
	gid, err := strconv.Atoi(usr.Gid)
	if err != nil {
		log.fatal("privs: invalid gid for user %v: %v", cfg.user, usr.Gid)
	}

	if err := unix.Setresgid(gid, gid, gid); err != nil {
		log.fatal("privs: setresgid failed: %v", err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		log.fatal("privs: setresuid failed: %v", err)
	}

	caps := uint32(1<<unix.CAP_NET_ADMIN | 1<<unix.CAP_NET_RAW | 1<<unix.CAP_IPC_LOCK)

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	data[0] = unix.CapUserData{Permitted: caps, Effective: caps, Inheritable: caps}

	if err := unix.Capset(&hdr, &data[0]); err != nil {
		log.fatal("privs: capset failed: %v", err)
	}

	log.info("privs: running as %v(%v)", cfg.user, uid)
}
