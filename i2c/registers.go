package i2c

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"tinygo.org/x/drivers"

	"github.com/mklimuk/i2cbus"
)

// MaxBlockLength is the SMBus limit for I2C block transfers.
const MaxBlockLength = 32

var ErrBlockTooLong = fmt.Errorf("block longer than %d bytes", MaxBlockLength)
var ErrInvalidLength = errors.New("invalid block length")

// ContextTxer is implemented by raw buses that can use the transfer context,
// e.g. for verbose dumps.
type ContextTxer interface {
	TxContext(ctx context.Context, addr uint16, w, r []byte) error
}

var _ i2cbus.Transport = &Registers{}

// Registers frames SMBus register transfers as raw I2C transactions:
//
//	byte write   S addr W reg val P
//	word write   S addr W reg lo hi P
//	block write  S addr W reg data... P
//	byte read    S addr W reg Sr addr R val P
//	word read    S addr W reg Sr addr R lo hi P
//	block read   S addr W reg Sr addr R data... P
//	receive byte S addr R val P
//
// Words are little endian as in SMBus.
type Registers struct {
	bus drivers.I2C
}

func NewRegisters(bus drivers.I2C) *Registers {
	return &Registers{bus: bus}
}

func (r *Registers) WriteByteData(ctx context.Context, address, register, value byte) error {
	return r.tx(ctx, address, []byte{register, value}, nil)
}

func (r *Registers) WriteWordData(ctx context.Context, address, register byte, value uint16) error {
	w := []byte{register, 0, 0}
	binary.LittleEndian.PutUint16(w[1:], value)
	return r.tx(ctx, address, w, nil)
}

func (r *Registers) WriteBlockData(ctx context.Context, address, register byte, data []byte) error {
	if len(data) > MaxBlockLength {
		return fmt.Errorf("write %d bytes: %w", len(data), ErrBlockTooLong)
	}
	w := make([]byte, 0, len(data)+1)
	w = append(w, register)
	w = append(w, data...)
	return r.tx(ctx, address, w, nil)
}

func (r *Registers) ReadByteData(ctx context.Context, address, register byte) (byte, error) {
	buf := make([]byte, 1)
	if err := r.tx(ctx, address, []byte{register}, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (r *Registers) ReadWordData(ctx context.Context, address, register byte) (uint16, error) {
	buf := make([]byte, 2)
	if err := r.tx(ctx, address, []byte{register}, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (r *Registers) ReadBlockData(ctx context.Context, address, register byte, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("read %d bytes: %w", length, ErrInvalidLength)
	}
	if length > MaxBlockLength {
		return nil, fmt.Errorf("read %d bytes: %w", length, ErrBlockTooLong)
	}
	buf := make([]byte, length)
	if err := r.tx(ctx, address, []byte{register}, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Registers) ReceiveByte(ctx context.Context, address byte) (byte, error) {
	buf := make([]byte, 1)
	if err := r.tx(ctx, address, nil, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (r *Registers) tx(ctx context.Context, address byte, w, rd []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c, ok := r.bus.(ContextTxer); ok {
		return c.TxContext(ctx, uint16(address), w, rd)
	}
	return r.bus.Tx(uint16(address), w, rd)
}
