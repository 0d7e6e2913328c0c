package command

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mklimuk/i2cbus"
)

// Read modes.
const (
	ModeUnsignedByte = "ubyte"
	ModeSignedByte   = "sbyte"
	ModeUnsignedWord = "uword"
	ModeSignedWord   = "sword"
	ModeBlock        = "block"
)

// Write modes.
const (
	ModeByte = "byte"
	ModeWord = "word"
)

var ErrUnknownMode = errors.New("unknown mode")

// Request is a single register transfer as typed by the user.
type Request struct {
	Bus      int
	Address  byte
	Register byte
	Mode     string
	Length   int
	Value    string
}

// Read performs r and formats the result.
func Read(ctx context.Context, c *i2cbus.Client, r Request, opts ...i2cbus.CallOpt) (string, error) {
	var v int
	var err error
	switch r.Mode {
	case ModeUnsignedByte, "":
		v, err = c.ReadUnsignedByte(ctx, r.Bus, r.Address, r.Register, opts...)
		return formatByte(v), err
	case ModeSignedByte:
		v, err = c.ReadSignedByte(ctx, r.Bus, r.Address, r.Register, opts...)
		return fmt.Sprintf("%d", v), err
	case ModeUnsignedWord:
		v, err = c.ReadUnsignedWord(ctx, r.Bus, r.Address, r.Register, opts...)
		return fmt.Sprintf("0x%04x (%d)", v, v), err
	case ModeSignedWord:
		v, err = c.ReadSignedWord(ctx, r.Bus, r.Address, r.Register, opts...)
		return fmt.Sprintf("%d", v), err
	case ModeBlock:
		data, err := c.ReadBlockData(ctx, r.Bus, r.Address, r.Register, r.Length, opts...)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(hex.Dump(data), "\n"), nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownMode, r.Mode)
}

// Receive reads a byte without selecting a register.
func Receive(ctx context.Context, c *i2cbus.Client, bus int, address byte, opts ...i2cbus.CallOpt) (string, error) {
	v, err := c.ReceiveByte(ctx, bus, address, opts...)
	return formatByte(v), err
}

// Write parses r.Value according to r.Mode and performs the write.
func Write(ctx context.Context, c *i2cbus.Client, r Request, opts ...i2cbus.CallOpt) error {
	switch r.Mode {
	case ModeByte, "":
		v, err := ParseByte(r.Value)
		if err != nil {
			return err
		}
		return c.WriteByteData(ctx, r.Bus, r.Address, r.Register, v, opts...)
	case ModeWord:
		v, err := ParseWord(r.Value)
		if err != nil {
			return err
		}
		return c.WriteWordData(ctx, r.Bus, r.Address, r.Register, v, opts...)
	case ModeBlock:
		data, err := ParseHex(r.Value)
		if err != nil {
			return err
		}
		return c.WriteBlockData(ctx, r.Bus, r.Address, r.Register, data, opts...)
	}
	return fmt.Errorf("%w %q", ErrUnknownMode, r.Mode)
}

// Scan polls the usual address range with receive byte and prints an
// i2cdetect style grid. It returns the addresses that answered.
func Scan(ctx context.Context, c *i2cbus.Client, bus int, w io.Writer) ([]byte, error) {
	var found []byte
	// one capture for the whole scan so nobody interleaves with it
	err := c.Hold(ctx, bus, func(ctx context.Context) error {
		_, _ = fmt.Fprint(w, "     0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f")
		for addr := 0; addr < 0x80; addr++ {
			if addr%16 == 0 {
				_, _ = fmt.Fprintf(w, "\n%02x: ", addr)
			}
			if addr < 0x03 || addr > 0x77 {
				_, _ = fmt.Fprint(w, "   ")
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if c.Sentinel().ReceiveByte(ctx, bus, byte(addr), i2cbus.NoLock()) == i2cbus.Failed {
				_, _ = fmt.Fprint(w, "-- ")
				continue
			}
			found = append(found, byte(addr))
			_, _ = fmt.Fprintf(w, "%02x ", addr)
		}
		_, _ = fmt.Fprintln(w)
		return nil
	})
	return found, err
}

func formatByte(v int) string {
	return fmt.Sprintf("0x%02x (%d)", v, v)
}
