package main

import (
	"github.com/BurntSushi/toml"
)

// Config mirrors the optional TOML config file. Zero values mean "use the
// default"; flags win over file values.
type Config struct {
	Addr          string `toml:"addr"`
	Logfile       string `toml:"logfile"`
	UnloadDelayMs int64  `toml:"unload_delay_ms"`
	RingCapacity  uint32 `toml:"ring_capacity"`
	LoopbackCount int    `toml:"loopback_count"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

// merge applies flag overrides on top of file values.
func (c Config) merge(opts initOptions) Config {
	if opts.addr != "" {
		c.Addr = opts.addr
	}
	if opts.logfile != "" {
		c.Logfile = opts.logfile
	}
	if opts.loopbackCount > 0 {
		c.LoopbackCount = opts.loopbackCount
	}
	return c
}
