package i2cbus

import (
	"context"
	"errors"
)

var ErrBusBusy = errors.New("i2c engine is busy (command not completed)")

// Transport performs SMBus style transfers on one physical bus. Values are
// returned raw, without any sign interpretation. Address is the 7-bit device
// address. Implementations report hardware failures (NACK, absent device,
// arbitration loss) as errors.
type Transport interface {
	WriteByteData(ctx context.Context, address, register, value byte) error
	WriteWordData(ctx context.Context, address, register byte, value uint16) error
	WriteBlockData(ctx context.Context, address, register byte, data []byte) error

	ReadByteData(ctx context.Context, address, register byte) (byte, error)
	ReadWordData(ctx context.Context, address, register byte) (uint16, error)
	ReadBlockData(ctx context.Context, address, register byte, length int) ([]byte, error)

	// ReceiveByte reads a single byte from the device without addressing a
	// register first.
	ReceiveByte(ctx context.Context, address byte) (byte, error)
}

// Provider hands out the transport for a bus index. It may open a fresh
// handle per call or return a pooled one; callers never use a transport
// outside of the bus lock.
type Provider interface {
	Open(ctx context.Context, bus int) (Transport, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, bus int) (Transport, error)

func (f ProviderFunc) Open(ctx context.Context, bus int) (Transport, error) {
	return f(ctx, bus)
}
