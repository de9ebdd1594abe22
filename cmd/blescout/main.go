// Command blescout discovers BLE peripherals and connects to one of them.
//
// Usage:
//
//	blescout scan [--duration 10s]
//	blescout connect AA:BB:CC:DD:EE:FF
//	blescout init
package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/urfave/cli"

	"github.com/chaz8081/blescout/internal/ble"
	"github.com/chaz8081/blescout/internal/bluez"
	"github.com/chaz8081/blescout/internal/config"
)

var cfg *config.Config

func main() {
	app := cli.NewApp()

	app.Name = "blescout"
	app.Usage = "Discover and connect to Bluetooth Low Energy peripherals"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/blescout/config.yaml)",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "Scan for advertising peripherals",
			Action:  scan,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Usage: "scan window (overrides scan.timeout)"},
				cli.StringFlag{Name: "name, n", Usage: "only report names with this prefix"},
			},
		},
		{
			Name:      "connect",
			Aliases:   []string{"c"},
			Usage:     "Connect to a peripheral and list its GATT services",
			ArgsUsage: "<device-id>",
			Action:    connect,
		},
		{
			Name:   "init",
			Usage:  "Write the default config file",
			Action: initConfig,
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads and validates the config and installs the logger.
func setup(c *cli.Context) error {
	loaded, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	cfg = loaded

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})))
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		loaded, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return loaded, nil
	}

	return config.Default(), nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newRadio() ble.Radio {
	return ble.NewTinygoRadio(ble.BlueZProbe(cfg.Adapter))
}

func interrupts() chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return sigCh
}

func scan(c *cli.Context) error {
	opts := cfg.ScanOptions()
	if d := c.Duration("duration"); d > 0 {
		opts.Timeout = d
	}
	if p := c.String("name"); p != "" {
		opts.Filter.NamePrefix = p
	}

	events := ble.NewEventStream(64)
	defer events.Close()
	scanner := ble.NewScanController(newRadio(), events, opts)

	if err := scanner.StartScan(); err != nil {
		return describe(err)
	}
	fmt.Printf("Scanning for %s...\n", opts.Timeout)

	sigCh := interrupts()
	defer signal.Stop(sigCh)

	for {
		select {
		case ev := <-events.Events():
			switch ev.Type {
			case ble.EventDeviceAdded:
				printDevice(ev.Device)
			case ble.EventScanStopped:
				fmt.Printf("Scan stopped (%s), %d device(s) found\n", ev.StopReason, len(scanner.Results()))
				if ev.Err != nil {
					return ev.Err
				}
				return nil
			}
		case <-sigCh:
			// StopScan notifies through events, so it must not block this loop.
			go func() {
				if err := scanner.StopScan(); err != nil && !errors.Is(err, ble.ErrNotScanning) {
					slog.Warn("[BLE] stop scan failed", "error", err)
				}
			}()
		}
	}
}

func printDevice(dev ble.DiscoveredDevice) {
	name := dev.Name
	if name == "" {
		name = "(unknown)"
	}
	fmt.Printf("  %-20s %4d dBm  %s\n", dev.ID, dev.RSSI, name)
}

func connect(c *cli.Context) error {
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		return cli.NewExitError("connect: missing <device-id>", 2)
	}
	if runtime.GOOS == "linux" {
		slog.Debug("[BLE] target", "path", bluez.DevicePath(cfg.Adapter, id))
	}

	events := ble.NewEventStream(16)
	conn := ble.NewConnectionController(newRadio(), events, cfg.ConnOptions())
	defer conn.Close()
	defer events.Close()

	if err := conn.Connect(id); err != nil {
		return describe(err)
	}

	sigCh := interrupts()
	defer signal.Stop(sigCh)

	for {
		select {
		case ev := <-events.Events():
			switch ev.Type {
			case ble.EventStateChanged:
				fmt.Printf("State: %s\n", ev.State)
				if ev.State.Terminal() {
					return ev.Err
				}
			case ble.EventServicesReady:
				fmt.Printf("Services discovered: %d\n", len(ev.ServiceIDs))
				for _, svc := range ev.ServiceIDs {
					fmt.Printf("  %s\n", svc)
				}
				events.Close()
				return conn.Close()
			case ble.EventProtocolViolation:
				slog.Warn("[BLE] ignored event", "error", ev.Err)
			}
		case <-sigCh:
			events.Close()
			return conn.Close()
		}
	}
}

func initConfig(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

// describe adds a user-facing hint to radio errors.
func describe(err error) error {
	switch {
	case errors.Is(err, ble.ErrRadioUnavailable):
		return fmt.Errorf("%w\n\nNo Bluetooth adapter found. Check that %s exists and bluetoothd is running", err, cfg.Adapter)
	case errors.Is(err, ble.ErrRadioDisabled):
		return fmt.Errorf("%w\n\nBluetooth is off. Enable it with: bluetoothctl power on", err)
	case errors.Is(err, ble.ErrPermissionDenied):
		return fmt.Errorf("%w\n\nBluetooth access was denied. Grant Bluetooth permission to this terminal", err)
	default:
		return err
	}
}
