package i2cbus

import "context"

// Failed is returned by Sentinel operations in place of an error.
const Failed = -1

// Sentinel exposes the transfers with the integer result contract: writes
// return 0 on success, reads return the value, and every failure (transport
// fault, cancelled capture, invalid bus) is reported as Failed. Block reads
// return nil on failure.
//
// Failed collides with a valid ReadSignedByte result; use the Client methods
// when the difference matters.
type Sentinel struct {
	c *Client
}

func (c *Client) Sentinel() Sentinel {
	return Sentinel{c: c}
}

func (s Sentinel) WriteByteData(ctx context.Context, bus int, address, register, value byte, opts ...CallOpt) int {
	return status(s.c.WriteByteData(ctx, bus, address, register, value, opts...))
}

func (s Sentinel) WriteWordData(ctx context.Context, bus int, address, register byte, value uint16, opts ...CallOpt) int {
	return status(s.c.WriteWordData(ctx, bus, address, register, value, opts...))
}

func (s Sentinel) WriteBlockData(ctx context.Context, bus int, address, register byte, data []byte, opts ...CallOpt) int {
	return status(s.c.WriteBlockData(ctx, bus, address, register, data, opts...))
}

func (s Sentinel) ReadUnsignedByte(ctx context.Context, bus int, address, register byte, opts ...CallOpt) int {
	return value(s.c.ReadUnsignedByte(ctx, bus, address, register, opts...))
}

func (s Sentinel) ReadSignedByte(ctx context.Context, bus int, address, register byte, opts ...CallOpt) int {
	return value(s.c.ReadSignedByte(ctx, bus, address, register, opts...))
}

func (s Sentinel) ReadUnsignedWord(ctx context.Context, bus int, address, register byte, opts ...CallOpt) int {
	return value(s.c.ReadUnsignedWord(ctx, bus, address, register, opts...))
}

func (s Sentinel) ReadSignedWord(ctx context.Context, bus int, address, register byte, opts ...CallOpt) int {
	return value(s.c.ReadSignedWord(ctx, bus, address, register, opts...))
}

func (s Sentinel) ReadBlockData(ctx context.Context, bus int, address, register byte, length int, opts ...CallOpt) []byte {
	data, err := s.c.ReadBlockData(ctx, bus, address, register, length, opts...)
	if err != nil {
		return nil
	}
	return data
}

func (s Sentinel) ReceiveByte(ctx context.Context, bus int, address byte, opts ...CallOpt) int {
	return value(s.c.ReceiveByte(ctx, bus, address, opts...))
}

func status(err error) int {
	if err != nil {
		return Failed
	}
	return 0
}

func value(v int, err error) int {
	if err != nil {
		return Failed
	}
	return v
}
