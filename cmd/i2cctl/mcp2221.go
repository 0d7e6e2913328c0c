package main

import (
	"context"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/i2cbus/adapter"
	"github.com/mklimuk/i2cbus/busctx"
	"github.com/mklimuk/i2cbus/cmd/i2cctl/console"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "USB to I2C bridge maintenance",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "index", Usage: "bridge index when several are attached"},
	},
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221SpeedCmd,
	},
}

func bridge(c *cli.Context) (context.Context, *adapter.MCP2221) {
	ctx := busctx.SetVerbose(c.Context, c.Bool("verbose"))
	return ctx, adapter.NewMCP2221(adapter.WithDeviceIndex(c.Int("index")))
}

func printStatus(status *adapter.MCP2221Status) error {
	enc := yaml.NewEncoder(console.Output())
	defer enc.Close()
	if err := enc.Encode(status); err != nil {
		return console.Exit(1, "encoding error: %s", console.Red(err))
	}
	return nil
}

var mcp2221StatusCmd = cli.Command{
	Name:  "status",
	Usage: "print the I2C engine state",
	Action: func(c *cli.Context) error {
		ctx, a := bridge(c)
		status, err := a.Status(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printStatus(status)
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel the current transfer and free the bus",
	Action: func(c *cli.Context) error {
		ctx, a := bridge(c)
		status, err := a.ReleaseBus(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printStatus(status)
	},
}

var mcp2221SpeedCmd = cli.Command{
	Name:      "speed",
	Usage:     "set the bus clock",
	ArgsUsage: "<frequency, e.g. 100kHz>",
	Action: func(c *cli.Context) error {
		var speed physic.Frequency
		if err := speed.Set(c.Args().First()); err != nil {
			return console.Exit(2, "invalid speed: %s", err)
		}
		ctx, a := bridge(c)
		status, err := a.Init(ctx, speed)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		return printStatus(status)
	},
}
