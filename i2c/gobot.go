package i2c

import (
	"context"
	"fmt"

	"gobot.io/x/gobot/v2/drivers/i2c"

	"github.com/mklimuk/i2cbus"
)

var _ i2cbus.Transport = &Gobot{}

// Gobot runs transfers through a gobot I2C connector (board adaptors such as
// nanopi or raspi). A connection is opened for the target address on every
// transfer and closed right after it.
type Gobot struct {
	connector i2c.Connector
	busNr     int
}

// NewGobot binds bus number busNr of connector. A negative busNr selects the
// connector's default bus.
func NewGobot(connector i2c.Connector, busNr int) *Gobot {
	if busNr < 0 {
		busNr = connector.DefaultI2cBus()
	}
	return &Gobot{connector: connector, busNr: busNr}
}

func (g *Gobot) WriteByteData(ctx context.Context, address, register, value byte) error {
	return g.with(ctx, address, func(conn i2c.Connection) error {
		return conn.WriteByteData(register, value)
	})
}

func (g *Gobot) WriteWordData(ctx context.Context, address, register byte, value uint16) error {
	return g.with(ctx, address, func(conn i2c.Connection) error {
		return conn.WriteWordData(register, value)
	})
}

func (g *Gobot) WriteBlockData(ctx context.Context, address, register byte, data []byte) error {
	if len(data) > MaxBlockLength {
		return fmt.Errorf("write %d bytes: %w", len(data), ErrBlockTooLong)
	}
	return g.with(ctx, address, func(conn i2c.Connection) error {
		return conn.WriteBlockData(register, data)
	})
}

func (g *Gobot) ReadByteData(ctx context.Context, address, register byte) (byte, error) {
	var v byte
	err := g.with(ctx, address, func(conn i2c.Connection) error {
		var err error
		v, err = conn.ReadByteData(register)
		return err
	})
	return v, err
}

func (g *Gobot) ReadWordData(ctx context.Context, address, register byte) (uint16, error) {
	var v uint16
	err := g.with(ctx, address, func(conn i2c.Connection) error {
		var err error
		v, err = conn.ReadWordData(register)
		return err
	})
	return v, err
}

func (g *Gobot) ReadBlockData(ctx context.Context, address, register byte, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("read %d bytes: %w", length, ErrInvalidLength)
	}
	if length > MaxBlockLength {
		return nil, fmt.Errorf("read %d bytes: %w", length, ErrBlockTooLong)
	}
	buf := make([]byte, length)
	err := g.with(ctx, address, func(conn i2c.Connection) error {
		return conn.ReadBlockData(register, buf)
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (g *Gobot) ReceiveByte(ctx context.Context, address byte) (byte, error) {
	var v byte
	err := g.with(ctx, address, func(conn i2c.Connection) error {
		var err error
		v, err = conn.ReadByte()
		return err
	})
	return v, err
}

func (g *Gobot) with(ctx context.Context, address byte, fn func(conn i2c.Connection) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := g.connector.GetI2cConnection(int(address), g.busNr)
	if err != nil {
		return fmt.Errorf("could not open gobot connection to %#x on bus %d: %w", address, g.busNr, err)
	}
	defer func() { _ = conn.Close() }()
	return fn(conn)
}
