package main

import "flag"

type initOptions struct {
	logfile       string
	addr          string
	configFile    string
	loopbackCount int
	verbose       bool
	versionFlag   bool
}

func parseFlags() initOptions {
	var options initOptions
	flag.StringVar(
		&(options.logfile),
		"l",
		"",
		"Log into a file, rotating after 20MB",
	)
	flag.StringVar(
		&(options.addr),
		"a",
		"",
		"Listen address for the IPC API. Defaults to 127.0.0.1:21837",
	)
	flag.StringVar(
		&(options.configFile),
		"c",
		"",
		"Read a TOML config file. Flags override config values.",
	)
	flag.IntVar(
		&(options.loopbackCount),
		"e",
		0,
		"Register software loopback devices. Useful without hardware. Example: umpd -e 2",
	)
	flag.BoolVar(
		&(options.verbose),
		"v",
		false,
		"Write verbose logs to either stderr or logfile",
	)
	flag.BoolVar(
		&(options.versionFlag),
		"version",
		false,
		"Write version",
	)
	flag.Parse()
	return options
}
