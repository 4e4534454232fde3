/* Copyright (c) 2025 Waldemar Augustyn */

package main

func main() {

	parse_cli() // also initializes log

	log.info("START clat translator on %v", cli.uplink)

	running.Store(true)
	init_wake_pipe()
	go catch_signals()

	tun_create()
	open_sockets()
	configure_interface()
	drop_privs()

	go watch_config()

	event_loop()

	log.info("STOP clat translator on %v", cli.uplink)
}
