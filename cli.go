/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	default_conf = "/etc/clatd.conf"
	default_tun  = "clat4"
)

var cli struct { // no locks, once setup in parse_cli, never modified thereafter
	debuglist string
	trace     bool
	stamps    bool
	uplink    string
	plat      string
	v4addr    string
	v6addr    string
	netid     string
	tunname   string
	mark      uint
	conf      string
	// derived
	debug     map[string]bool
	log_level uint
}

func parse_cli() {

	flag.StringVar(&cli.debuglist, "debug", "", "enable debug in listed files, comma separated")
	flag.BoolVar(&cli.trace, "trace", false, "enable packet trace")
	flag.BoolVar(&cli.stamps, "time-stamps", false, "print logs with time stamps")
	flag.StringVar(&cli.uplink, "i", "", "IPv6 uplink interface (required)")
	flag.StringVar(&cli.plat, "p", "", "PLAT prefix, eg. 64:ff9b::/96 (default from config file, else discovered)")
	flag.StringVar(&cli.v4addr, "4", "", "local IPv4 address, instead of automatic selection")
	flag.StringVar(&cli.v6addr, "6", "", "local IPv6 address, instead of derivation from the uplink")
	flag.StringVar(&cli.netid, "n", "", "network identifier for address resolution")
	flag.StringVar(&cli.tunname, "t", default_tun, "tunnel device name")
	flag.UintVar(&cli.mark, "m", 0, "fwmark to set on the send socket")
	flag.StringVar(&cli.conf, "conf", default_conf, "configuration file")
	flag.Usage = func() {
		toks := strings.Split(os.Args[0], "/")
		prog := toks[len(toks)-1]
		fmt.Println("464XLAT customer side translator. Provides IPv4 connectivity over an")
		fmt.Println("IPv6 only uplink by stateless packet translation.")
		fmt.Println("")
		fmt.Println("   ", prog, "-i UPLINK [FLAGS]")
		fmt.Println("")
		flag.PrintDefaults()
	}
	flag.Parse()

	// initialize logger

	cli.debug = make(map[string]bool)

	for _, fname := range strings.Split(cli.debuglist, ",") {

		if len(fname) == 0 {
			continue
		}
		bix := 0
		eix := len(fname)
		if ix := strings.LastIndex(fname, "/"); ix >= 0 {
			bix = ix + 1
		}
		if ix := strings.LastIndex(fname, "."); ix >= 0 {
			eix = ix
		}
		cli.debug[fname[bix:eix]] = true
	}

	if cli.trace {
		cli.log_level = TRACE
	} else {
		cli.log_level = INFO
	}

	log.set(cli.log_level, cli.stamps)

	if cli.uplink == "" {
		log.fatal("missing uplink interface (try -i)")
	}

	if cli.mark > 0xffffffff {
		log.fatal("invalid fwmark: %v", cli.mark)
	}

	var err error
	cli.conf, err = filepath.Abs(cli.conf)
	if err != nil {
		log.fatal("invalid configuration file path: %v", err)
	}
}
