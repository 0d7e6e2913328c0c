package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/i2cbus"
	"github.com/mklimuk/i2cbus/busctx"
	"github.com/mklimuk/i2cbus/config"
)

var busFlag = &cli.IntFlag{
	Name:    "bus",
	Aliases: []string{"b"},
	Usage:   "bus index",
	Value:   1,
}

// loadConfig reads --config or, without one, builds a single transport
// configuration for bus from the global flags.
func loadConfig(c *cli.Context, bus int) (config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	if bus >= cfg.Buses {
		cfg.Buses = bus + 1
	}
	device := c.String("device")
	if device == "" {
		device = fmt.Sprintf("/dev/i2c-%d", bus)
	}
	cfg.Transports = []config.Transport{{
		Bus:      bus,
		Backend:  c.String("backend"),
		Device:   device,
		Platform: c.String("platform"),
		Number:   bus,
		Speed:    c.String("speed"),
	}}
	return cfg, cfg.Validate()
}

// openClient returns a client for the configured buses and a verbose aware
// context. close must be called when done.
func openClient(c *cli.Context, bus int, logger *slog.Logger) (ctx context.Context, client *i2cbus.Client, close func(), err error) {
	cfg, err := loadConfig(c, bus)
	if err != nil {
		return nil, nil, nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	arb, table, err := config.Build(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	close = func() {
		if err := table.Close(); err != nil {
			slog.Warn("could not close transports", "err", err)
		}
	}
	ctx = busctx.SetVerbose(c.Context, c.Bool("verbose"))
	ctx = busctx.SetTrace(ctx, fmt.Sprintf("bus%d", bus))
	client = i2cbus.NewClient(table, i2cbus.WithArbiter(arb), i2cbus.WithLogger(logger))
	return ctx, client, close, nil
}
