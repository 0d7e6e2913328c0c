package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mklimuk/i2cbus"
)

// ErrQuit is returned by Exec when the user leaves the shell.
var ErrQuit = errors.New("quit")

const shellHelp = `commands:
  bus <n>                                  select the bus
  capture                                  hold the selected bus until release
  release                                  give the bus back
  read <addr> <reg> [ubyte|sbyte|uword|sword|block <n>]
  recv <addr>
  write <addr> <reg> [byte|word|block] <value>
  scan
  stats
  quit`

// Shell runs interactive transfers. While the bus is captured every transfer
// is issued without locking, so a sequence of commands cannot be interleaved
// with other users of the bus.
type Shell struct {
	client *i2cbus.Client
	out    io.Writer
	bus    int
	held   context.Context
}

func NewShell(client *i2cbus.Client, bus int, out io.Writer) *Shell {
	return &Shell{client: client, bus: bus, out: out}
}

// Prompt returns the prompt for the current state.
func (s *Shell) Prompt() string {
	if s.held != nil {
		return fmt.Sprintf("i2c-%d*> ", s.bus)
	}
	return fmt.Sprintf("i2c-%d> ", s.bus)
}

// Captured reports whether the shell holds its bus.
func (s *Shell) Captured() bool {
	return s.held != nil
}

// Close releases the bus if the shell still holds it.
func (s *Shell) Close() {
	if s.held != nil {
		s.client.Release(s.held, s.bus)
		s.held = nil
	}
}

// Exec runs one line of input.
func (s *Shell) Exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	var opts []i2cbus.CallOpt
	if s.held != nil {
		ctx = s.held
		opts = append(opts, i2cbus.NoLock())
	}
	switch args[0] {
	case "help", "?":
		s.println(shellHelp)
	case "quit", "exit":
		return ErrQuit
	case "bus":
		return s.selectBus(args[1:])
	case "capture":
		return s.capture(ctx)
	case "release":
		if s.held == nil {
			return errors.New("bus is not captured")
		}
		s.Close()
		s.println("released")
	case "read":
		r, err := s.request(args[1:], 2)
		if err != nil {
			return err
		}
		if len(args) > 3 {
			r.Mode = args[3]
		}
		if r.Mode == ModeBlock {
			if len(args) < 5 {
				return errors.New("usage: read <addr> <reg> block <n>")
			}
			if r.Length, err = strconv.Atoi(args[4]); err != nil {
				return fmt.Errorf("invalid length %q", args[4])
			}
		}
		out, err := Read(ctx, s.client, r, opts...)
		if err != nil {
			return err
		}
		s.println(out)
	case "recv":
		if len(args) < 2 {
			return errors.New("usage: recv <addr>")
		}
		addr, err := ParseAddress(args[1])
		if err != nil {
			return err
		}
		out, err := Receive(ctx, s.client, s.bus, addr, opts...)
		if err != nil {
			return err
		}
		s.println(out)
	case "write":
		r, err := s.request(args[1:], 3)
		if err != nil {
			return err
		}
		r.Value = args[len(args)-1]
		if len(args) > 4 {
			r.Mode = args[3]
		}
		if err := Write(ctx, s.client, r, opts...); err != nil {
			return err
		}
		s.println("ok")
	case "scan":
		if s.held != nil {
			return errors.New("release the bus before scanning")
		}
		_, err := Scan(ctx, s.client, s.bus, s.out)
		return err
	case "stats":
		st, err := s.client.Arbiter().Stats(s.bus)
		if err != nil {
			return err
		}
		s.println(fmt.Sprintf("holder=%s depth=%d captures=%d contended=%d releases=%d ignored=%d",
			st.Holder, st.Depth, st.Captures, st.Contended, st.Releases, st.IgnoredReleases))
	default:
		return fmt.Errorf("unknown command %q, try help", args[0])
	}
	return nil
}

func (s *Shell) selectBus(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: bus <n>")
	}
	if s.held != nil {
		return errors.New("release the bus before switching")
	}
	bus, err := strconv.Atoi(args[0])
	if err != nil || bus < 0 || bus >= s.client.Arbiter().Buses() {
		return fmt.Errorf("invalid bus %q", args[0])
	}
	s.bus = bus
	return nil
}

func (s *Shell) capture(ctx context.Context) error {
	if s.held != nil {
		return errors.New("bus already captured")
	}
	held, err := s.client.Capture(ctx, s.bus)
	if err != nil {
		return err
	}
	s.held = held
	s.println(fmt.Sprintf("bus %d captured", s.bus))
	return nil
}

func (s *Shell) request(args []string, min int) (Request, error) {
	if len(args) < min {
		return Request{}, errors.New("missing arguments, try help")
	}
	addr, err := ParseAddress(args[0])
	if err != nil {
		return Request{}, err
	}
	reg, err := ParseByte(args[1])
	if err != nil {
		return Request{}, err
	}
	return Request{Bus: s.bus, Address: addr, Register: reg}, nil
}

func (s *Shell) println(msg string) {
	_, _ = fmt.Fprintln(s.out, msg)
}
