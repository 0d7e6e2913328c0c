// Package i2cbus gives concurrent callers serialised, fault tolerant access
// to several I2C buses.
//
// Every transfer optionally captures the bus through an arbiter, runs a
// single SMBus style transaction on the bus transport and releases the bus
// again on every exit path. Callers that need several transactions without
// interleaving capture the bus themselves and pass NoLock to each call:
//
//	ctx, err := c.Capture(ctx, 1)
//	if err != nil {
//		return err
//	}
//	defer c.Release(ctx, 1)
//	_ = c.WriteByteData(ctx, 1, 0x48, 0x01, 0x84, i2cbus.NoLock())
//	v, err := c.ReadUnsignedWord(ctx, 1, 0x48, 0x00, i2cbus.NoLock())
package i2cbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mklimuk/i2cbus/arbiter"
)

type ClientOpts struct {
	Arbiter *arbiter.Arbiter
	Logger  *slog.Logger
}

type ClientOpt func(*ClientOpts)

// WithArbiter makes the client use a instead of the process-wide arbiter.
func WithArbiter(a *arbiter.Arbiter) ClientOpt {
	return func(o *ClientOpts) {
		o.Arbiter = a
	}
}

func WithLogger(l *slog.Logger) ClientOpt {
	return func(o *ClientOpts) {
		o.Logger = l
	}
}

// CallOpts holds the lock policy of a single transfer.
type CallOpts struct {
	// LockBus makes the transfer capture and release the bus itself. It is
	// true by default.
	LockBus bool
}

type CallOpt func(*CallOpts)

// NoLock tells the transfer that the caller already holds the bus.
func NoLock() CallOpt {
	return LockBus(false)
}

func LockBus(lock bool) CallOpt {
	return func(o *CallOpts) {
		o.LockBus = lock
	}
}

// Client is the transfer entry point over a set of buses.
type Client struct {
	arbiter  *arbiter.Arbiter
	provider Provider
	logger   *slog.Logger
}

func NewClient(provider Provider, opts ...ClientOpt) *Client {
	config := ClientOpts{}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Arbiter == nil {
		config.Arbiter = arbiter.Default()
	}
	return &Client{
		arbiter:  config.Arbiter,
		provider: provider,
		logger:   config.Logger,
	}
}

func (c *Client) Arbiter() *arbiter.Arbiter {
	return c.arbiter
}

// Capture holds bus for the owner in ctx (a new owner is attached when ctx
// has none). Pass the returned context to the NoLock transfers and to Release.
func (c *Client) Capture(ctx context.Context, bus int) (context.Context, error) {
	return c.arbiter.Capture(ctx, bus)
}

// Release drops one capture level of bus. It never fails.
func (c *Client) Release(ctx context.Context, bus int) {
	c.arbiter.Release(ctx, bus)
}

// Hold runs fn while holding bus. Transfers inside fn should use NoLock.
func (c *Client) Hold(ctx context.Context, bus int, fn func(ctx context.Context) error) error {
	return c.arbiter.Hold(ctx, bus, fn)
}

func (c *Client) WriteByteData(ctx context.Context, bus int, address, register, value byte, opts ...CallOpt) error {
	_, err := transfer(c, ctx, "write byte", bus, address, int(register), opts,
		func(ctx context.Context, t Transport) (struct{}, error) {
			return struct{}{}, t.WriteByteData(ctx, address, register, value)
		})
	return err
}

func (c *Client) WriteWordData(ctx context.Context, bus int, address, register byte, value uint16, opts ...CallOpt) error {
	_, err := transfer(c, ctx, "write word", bus, address, int(register), opts,
		func(ctx context.Context, t Transport) (struct{}, error) {
			return struct{}{}, t.WriteWordData(ctx, address, register, value)
		})
	return err
}

func (c *Client) WriteBlockData(ctx context.Context, bus int, address, register byte, data []byte, opts ...CallOpt) error {
	_, err := transfer(c, ctx, "write block", bus, address, int(register), opts,
		func(ctx context.Context, t Transport) (struct{}, error) {
			return struct{}{}, t.WriteBlockData(ctx, address, register, data)
		})
	return err
}

// ReadUnsignedByte returns the register value in range 0..255.
func (c *Client) ReadUnsignedByte(ctx context.Context, bus int, address, register byte, opts ...CallOpt) (int, error) {
	return transfer(c, ctx, "read unsigned byte", bus, address, int(register), opts,
		func(ctx context.Context, t Transport) (int, error) {
			v, err := t.ReadByteData(ctx, address, register)
			return int(v), err
		})
}

// ReadSignedByte returns the register value as a two's complement number in
// range -128..127.
func (c *Client) ReadSignedByte(ctx context.Context, bus int, address, register byte, opts ...CallOpt) (int, error) {
	return transfer(c, ctx, "read signed byte", bus, address, int(register), opts,
		func(ctx context.Context, t Transport) (int, error) {
			v, err := t.ReadByteData(ctx, address, register)
			return int(int8(v)), err
		})
}

// ReadUnsignedWord returns the 16-bit register value in range 0..65535.
func (c *Client) ReadUnsignedWord(ctx context.Context, bus int, address, register byte, opts ...CallOpt) (int, error) {
	return transfer(c, ctx, "read unsigned word", bus, address, int(register), opts,
		func(ctx context.Context, t Transport) (int, error) {
			v, err := t.ReadWordData(ctx, address, register)
			return int(v), err
		})
}

// ReadSignedWord returns the raw 16-bit register value. Unlike
// ReadSignedByte no two's complement conversion is applied.
func (c *Client) ReadSignedWord(ctx context.Context, bus int, address, register byte, opts ...CallOpt) (int, error) {
	return transfer(c, ctx, "read signed word", bus, address, int(register), opts,
		func(ctx context.Context, t Transport) (int, error) {
			v, err := t.ReadWordData(ctx, address, register)
			return int(v), err
		})
}

// ReadBlockData reads length consecutive bytes starting at register.
func (c *Client) ReadBlockData(ctx context.Context, bus int, address, register byte, length int, opts ...CallOpt) ([]byte, error) {
	return transfer(c, ctx, "read block", bus, address, int(register), opts,
		func(ctx context.Context, t Transport) ([]byte, error) {
			return t.ReadBlockData(ctx, address, register, length)
		})
}

// ReceiveByte reads one byte straight from the device, without a register.
func (c *Client) ReceiveByte(ctx context.Context, bus int, address byte, opts ...CallOpt) (int, error) {
	return transfer(c, ctx, "receive byte", bus, address, noRegister, opts,
		func(ctx context.Context, t Transport) (int, error) {
			v, err := t.ReceiveByte(ctx, address)
			return int(v), err
		})
}

// transfer is the skeleton shared by all operations: optional capture,
// transport call, fault conversion and a release that runs on every path.
func transfer[T any](c *Client, ctx context.Context, op string, bus int, address byte, register int, opts []CallOpt, fn func(context.Context, Transport) (T, error)) (T, error) {
	var zero T
	config := CallOpts{LockBus: true}
	for _, opt := range opts {
		opt(&config)
	}
	if config.LockBus {
		var err error
		ctx, err = c.arbiter.Capture(ctx, bus)
		if err != nil {
			c.log().Warn("could not capture bus", "op", op, "bus", bus, "error", err)
			return zero, fmt.Errorf("i2cbus: %s: %w", op, err)
		}
		defer c.arbiter.Release(ctx, bus)
	}
	res, err := call(ctx, c.provider, bus, fn)
	if err != nil {
		fault := &TransportFault{Op: op, Bus: bus, Address: address, Register: register, Err: err}
		c.log().Warn("transfer failed", "op", op, "bus", bus, "addr", fmt.Sprintf("0x%02x", address), "reg", register, "error", err)
		return zero, fault
	}
	return res, nil
}

// call opens the transport and runs fn, turning a panic inside the transport
// into an error so that it never reaches the caller.
func call[T any](ctx context.Context, p Provider, bus int, fn func(context.Context, Transport) (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			res, err = zero, fmt.Errorf("transport panic: %v", r)
		}
	}()
	t, err := p.Open(ctx, bus)
	if err != nil {
		return res, fmt.Errorf("could not open bus %d: %w", bus, err)
	}
	return fn(ctx, t)
}

func (c *Client) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}
