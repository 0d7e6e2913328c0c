package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"
)

var version string
var commit string
var date string

func main() {
	os.Exit(run())
}

func run() int {
	app := cli.NewApp()
	app.Name = "i2cctl"
	app.EnableBashCompletion = true
	app.Version = fmt.Sprintf("%s-%s-%s", version, date, commit)
	app.Usage = "shared I2C bus access from the command line"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging and transfer dumps",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "bus configuration file",
			EnvVars: []string{"I2CBUS_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "backend",
			Usage: "transport used without a config file: periph, gobot, mcp2221 or memory",
			Value: "periph",
		},
		&cli.StringFlag{
			Name:  "device",
			Usage: "periph device, defaults to /dev/i2c-<bus>",
		},
		&cli.StringFlag{
			Name:  "platform",
			Usage: "gobot platform (nanopi, raspi)",
			Value: "nanopi",
		},
		&cli.StringFlag{
			Name:  "speed",
			Usage: "bus speed, e.g. 100kHz",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stderr, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if ctx.Bool("verbose") {
			charm.SetLevel(chlog.DebugLevel)
		}
		slog.SetDefault(slog.New(charm))
		return nil
	}
	app.Commands = cli.Commands{
		&readCmd,
		&writeCmd,
		&scanCmd,
		&shellCmd,
		&mcp2221Cmd,
		&usbCmd,
		&configCmd,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := app.RunContext(ctx, os.Args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			log.Printf("unexpected error: %v", err)
			return exerr.ExitCode()
		}
		log.Printf("%v", err)
		return 1
	}
	return 0
}
