package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/i2cbus/cmd/i2cctl/command"
	"github.com/mklimuk/i2cbus/cmd/i2cctl/console"
)

var addrFlag = &cli.StringFlag{
	Name:     "addr",
	Aliases:  []string{"a"},
	Usage:    "7-bit device address",
	Required: true,
}

var regFlag = &cli.StringFlag{
	Name:    "reg",
	Aliases: []string{"r"},
	Usage:   "register",
	Value:   "0x00",
}

func request(c *cli.Context) (command.Request, error) {
	addr, err := command.ParseAddress(c.String("addr"))
	if err != nil {
		return command.Request{}, err
	}
	reg, err := command.ParseByte(c.String("reg"))
	if err != nil {
		return command.Request{}, err
	}
	return command.Request{
		Bus:      c.Int("bus"),
		Address:  addr,
		Register: reg,
		Mode:     c.String("mode"),
		Length:   c.Int("length"),
		Value:    c.String("value"),
	}, nil
}

var readCmd = cli.Command{
	Name:  "read",
	Usage: "read a register",
	Flags: []cli.Flag{
		busFlag,
		addrFlag,
		regFlag,
		&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "ubyte, sbyte, uword, sword or block", Value: command.ModeUnsignedByte},
		&cli.IntFlag{Name: "length", Aliases: []string{"l"}, Usage: "block length", Value: 1},
		&cli.BoolFlag{Name: "receive", Usage: "receive a byte without selecting a register"},
	},
	Action: func(c *cli.Context) error {
		r, err := request(c)
		if err != nil {
			return console.Exit(2, "%s", err)
		}
		ctx, client, closeFn, err := openClient(c, r.Bus, nil)
		if err != nil {
			return console.Fail("bus setup", err)
		}
		defer closeFn()
		var out string
		if c.Bool("receive") {
			out, err = command.Receive(ctx, client, r.Bus, r.Address)
		} else {
			out, err = command.Read(ctx, client, r)
		}
		if err != nil {
			return console.Fail("read", err)
		}
		console.Print(out)
		return nil
	},
}

var writeCmd = cli.Command{
	Name:  "write",
	Usage: "write a register",
	Flags: []cli.Flag{
		busFlag,
		addrFlag,
		regFlag,
		&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "byte, word or block", Value: command.ModeByte},
		&cli.StringFlag{Name: "value", Aliases: []string{"v"}, Usage: "number, or hex bytes for block", Required: true},
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		r, err := request(c)
		if err != nil {
			return console.Exit(2, "%s", err)
		}
		if !c.Bool("yes") {
			ok, err := console.Confirm(fmt.Sprintf("write %s to %#x register %#x on bus %d?", r.Value, r.Address, r.Register, r.Bus))
			if err != nil {
				return err
			}
			if !ok {
				console.PInfof(console.PictoStop, "aborted")
				return nil
			}
		}
		ctx, client, closeFn, err := openClient(c, r.Bus, nil)
		if err != nil {
			return console.Fail("bus setup", err)
		}
		defer closeFn()
		if err := command.Write(ctx, client, r); err != nil {
			return console.Fail("write", err)
		}
		console.PInfof(console.PictoPin, "wrote %s to %s register %s", console.White(r.Value),
			console.Hex(r.Address), console.Hex(r.Register))
		return nil
	},
}

var scanCmd = cli.Command{
	Name:  "scan",
	Usage: "list responding addresses",
	Flags: []cli.Flag{busFlag},
	Action: func(c *cli.Context) error {
		bus := c.Int("bus")
		// absent devices are the normal case here, keep their faults quiet
		ctx, client, closeFn, err := openClient(c, bus, slog.New(slog.DiscardHandler))
		if err != nil {
			return console.Fail("bus setup", err)
		}
		defer closeFn()
		found, err := command.Scan(ctx, client, bus, console.Output())
		if err != nil {
			return console.Fail("scan", err)
		}
		console.Infof("%d device(s) found: %s", len(found), console.HexList(found))
		return nil
	},
}

var shellCmd = cli.Command{
	Name:  "shell",
	Usage: "interactive register access; capture holds the bus across commands",
	Flags: []cli.Flag{busFlag},
	Action: func(c *cli.Context) error {
		bus := c.Int("bus")
		ctx, client, closeFn, err := openClient(c, bus, nil)
		if err != nil {
			return console.Fail("bus setup", err)
		}
		defer closeFn()
		sh := command.NewShell(client, bus, console.Output())
		defer sh.Close()

		rl, err := readline.NewEx(&readline.Config{
			Prompt: sh.Prompt(),
			AutoComplete: readline.NewPrefixCompleter(
				readline.PcItem("bus"),
				readline.PcItem("capture"),
				readline.PcItem("release"),
				readline.PcItem("read"),
				readline.PcItem("recv"),
				readline.PcItem("write"),
				readline.PcItem("scan"),
				readline.PcItem("stats"),
				readline.PcItem("help"),
				readline.PcItem("quit"),
			),
			InterruptPrompt: "^C",
			EOFPrompt:       "quit",
		})
		if err != nil {
			return err
		}
		defer rl.Close()
		for {
			rl.SetPrompt(sh.Prompt())
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			err = sh.Exec(ctx, line)
			if errors.Is(err, command.ErrQuit) {
				return nil
			}
			if err != nil {
				console.Errorf("%s", err)
			}
		}
	},
}
