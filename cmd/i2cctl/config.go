package main

import (
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/i2cbus/cmd/i2cctl/console"
)

var configCmd = cli.Command{
	Name:  "config",
	Usage: "print the effective bus configuration",
	Flags: []cli.Flag{busFlag},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c, c.Int("bus"))
		if err != nil {
			return console.Exit(2, "invalid configuration: %s", console.Red(err))
		}
		out, err := cfg.Marshal()
		if err != nil {
			return console.Exit(1, "encoding error: %s", console.Red(err))
		}
		console.Printf("%s", out)
		return nil
	},
}
