package i2c

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers"
)

var _ drivers.I2C = &Bus{}

type BusOpts struct {
	Speed physic.Frequency
}

type BusOpt func(*BusOpts)

// WithSpeed sets the bus clock after opening. Zero keeps the driver default.
func WithSpeed(f physic.Frequency) BusOpt {
	return func(o *BusOpts) {
		o.Speed = f
	}
}

// Bus is a host I2C bus (e.g. /dev/i2c-1) opened through periph. The handle
// stays open for the lifetime of the Bus.
type Bus struct {
	name string
	bus  i2c.BusCloser
}

// OpenBus initialises the periph host drivers and opens dev. dev is anything
// i2creg understands: "/dev/i2c-1", "I2C1", "1" or "" for the first bus.
func OpenBus(dev string, opts ...BusOpt) (*Bus, error) {
	config := BusOpts{}
	for _, opt := range opts {
		opt(&config)
	}
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("periph driver loaded", "driver", driver.String())
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus %q: %w", dev, err)
	}
	b := &Bus{name: dev, bus: bus}
	if config.Speed > 0 {
		if err := b.SetSpeed(config.Speed); err != nil {
			_ = bus.Close()
			return nil, err
		}
	}
	return b, nil
}

// NewBus wraps an already opened periph bus.
func NewBus(name string, bus i2c.BusCloser) *Bus {
	return &Bus{name: name, bus: bus}
}

// Tx runs a single write-then-read transaction. Either buffer may be empty.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	err := b.bus.Tx(addr, w, r)
	if err != nil {
		return fmt.Errorf("i2c bus %s tx to %#x failed: %w", b.name, addr, err)
	}
	return nil
}

func (b *Bus) SetSpeed(f physic.Frequency) error {
	if err := b.bus.SetSpeed(f); err != nil {
		return fmt.Errorf("could not set i2c bus %s speed to %s: %w", b.name, f, err)
	}
	return nil
}

func (b *Bus) String() string {
	return b.name
}

func (b *Bus) Close() error {
	return b.bus.Close()
}
