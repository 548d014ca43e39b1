package main

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/umpbridge/umpd-go/core"
	"github.com/umpbridge/umpd-go/server"
	"github.com/umpbridge/umpd-go/transport/loopback"
)

const version = "0.9.2"

func main() {
	opts := parseFlags()

	if opts.versionFlag {
		fmt.Printf("umpd version %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %s\n", err)
		os.Exit(1)
	}
	cfg = cfg.merge(opts)

	stderrWriter, stderrLogger, zapLogger, shortWriter, longWriter := initLoggers(cfg.Logfile, opts.verbose)
	defer zapLogger.Sync()

	stderrLogger.Print("umpd is starting.")
	longWriter.Println("umpd starting")

	manager := core.NewDeviceManager(zapLogger.Named("manager"))

	if cfg.LoopbackCount > 0 {
		longWriter.Println(fmt.Sprintf("loopback device count - %d", cfg.LoopbackCount))
		manager.RegisterDriver(loopback.NewDriver(cfg.LoopbackCount, zapLogger.Named("loopback")))
	}
	// USB and BLE transports register here when the platform bindings are
	// linked in; see transport/usb.HDI and transport/ble.Gatt.

	c := core.New(manager, zapLogger.Named("core"))
	if cfg.UnloadDelayMs > 0 {
		c.SetUnloadDelay(time.Duration(cfg.UnloadDelayMs) * time.Millisecond)
	}
	if cfg.RingCapacity > 0 {
		c.SetRingCapacity(cfg.RingCapacity)
	}

	srv, err := server.New(c, cfg.Addr, stderrWriter, shortWriter, longWriter, version)
	if err != nil {
		stderrLogger.Fatalf("server: %s", err)
	}
	c.SetShutdownFunc(func() {
		zapLogger.Info("self-unload requested, stopping server")
		srv.Close()
	})

	manager.UpdateDevices()

	longWriter.Println("running HTTP server")
	if err := srv.Run(); err != nil {
		zapLogger.Info("server stopped", zap.Error(err))
	}
	longWriter.Println("main ended")
}
