package i2c

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mklimuk/i2cbus"
)

// ErrNoDevice is what a real bus reports as a NACK on the address byte.
var ErrNoDevice = errors.New("no device at address (nack)")

// ErrRegisterOverflow is returned for transfers that run past register 0xFF.
var ErrRegisterOverflow = errors.New("transfer runs past the last register")

var _ i2cbus.Transport = &Memory{}

// Phase of a recorded transfer.
type Phase int

const (
	Begin Phase = iota
	End
)

// Event is a single entry of the Memory transfer log.
type Event struct {
	Op      string
	Address byte
	Phase   Phase
}

// Memory emulates devices as 256-byte register files. It is used by the
// memory backend and in tests: it logs the begin and end of every transfer,
// tracks how many transfers overlap and can be told to fail.
type Memory struct {
	mx      sync.Mutex
	devices map[byte]*[256]byte
	pointer map[byte]byte
	faults  map[byte]error
	events  []Event
	delay   time.Duration

	active    atomic.Int64
	maxActive atomic.Int64
}

type MemoryOpt func(*Memory)

// WithLatency makes every transfer take at least d.
func WithLatency(d time.Duration) MemoryOpt {
	return func(m *Memory) {
		m.delay = d
	}
}

func NewMemory(opts ...MemoryOpt) *Memory {
	m := &Memory{
		devices: make(map[byte]*[256]byte),
		pointer: make(map[byte]byte),
		faults:  make(map[byte]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddDevice makes address respond, preloading the given registers.
func (m *Memory) AddDevice(address byte, registers map[byte]byte) {
	m.mx.Lock()
	defer m.mx.Unlock()
	regs := &[256]byte{}
	for r, v := range registers {
		regs[r] = v
	}
	m.devices[address] = regs
}

// Register returns the current content of a register.
func (m *Memory) Register(address, register byte) (byte, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	regs, ok := m.devices[address]
	if !ok {
		return 0, false
	}
	return regs[register], true
}

// SetFault makes every transfer to address fail with err until cleared with
// a nil err.
func (m *Memory) SetFault(address byte, err error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if err == nil {
		delete(m.faults, address)
		return
	}
	m.faults[address] = err
}

func (m *Memory) Events() []Event {
	m.mx.Lock()
	defer m.mx.Unlock()
	return append([]Event(nil), m.events...)
}

// MaxConcurrent returns the highest number of overlapping transfers seen.
func (m *Memory) MaxConcurrent() int64 {
	return m.maxActive.Load()
}

func (m *Memory) WriteByteData(ctx context.Context, address, register, value byte) error {
	return m.run(ctx, "write byte", address, func(regs *[256]byte) {
		regs[register] = value
		m.pointer[address] = register
	})
}

func (m *Memory) WriteWordData(ctx context.Context, address, register byte, value uint16) error {
	if err := span(register, 2); err != nil {
		return err
	}
	return m.run(ctx, "write word", address, func(regs *[256]byte) {
		regs[register] = byte(value)
		regs[register+1] = byte(value >> 8)
		m.pointer[address] = register
	})
}

func (m *Memory) WriteBlockData(ctx context.Context, address, register byte, data []byte) error {
	if len(data) > MaxBlockLength {
		return fmt.Errorf("write %d bytes: %w", len(data), ErrBlockTooLong)
	}
	if err := span(register, len(data)); err != nil {
		return err
	}
	return m.run(ctx, "write block", address, func(regs *[256]byte) {
		for i, b := range data {
			regs[register+byte(i)] = b
		}
		m.pointer[address] = register
	})
}

func (m *Memory) ReadByteData(ctx context.Context, address, register byte) (byte, error) {
	var v byte
	err := m.run(ctx, "read byte", address, func(regs *[256]byte) {
		v = regs[register]
		m.pointer[address] = register
	})
	return v, err
}

func (m *Memory) ReadWordData(ctx context.Context, address, register byte) (uint16, error) {
	if err := span(register, 2); err != nil {
		return 0, err
	}
	var v uint16
	err := m.run(ctx, "read word", address, func(regs *[256]byte) {
		v = uint16(regs[register]) | uint16(regs[register+1])<<8
		m.pointer[address] = register
	})
	return v, err
}

func (m *Memory) ReadBlockData(ctx context.Context, address, register byte, length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("read %d bytes: %w", length, ErrInvalidLength)
	}
	if length > MaxBlockLength {
		return nil, fmt.Errorf("read %d bytes: %w", length, ErrBlockTooLong)
	}
	if err := span(register, length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	err := m.run(ctx, "read block", address, func(regs *[256]byte) {
		for i := range buf {
			buf[i] = regs[register+byte(i)]
		}
		m.pointer[address] = register
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func span(register byte, n int) error {
	if int(register)+n > 256 {
		return fmt.Errorf("%d bytes at 0x%02x: %w", n, register, ErrRegisterOverflow)
	}
	return nil
}

// ReceiveByte returns the register addressed by the previous transfer.
func (m *Memory) ReceiveByte(ctx context.Context, address byte) (byte, error) {
	var v byte
	err := m.run(ctx, "receive byte", address, func(regs *[256]byte) {
		v = regs[m.pointer[address]]
	})
	return v, err
}

func (m *Memory) run(ctx context.Context, op string, address byte, fn func(regs *[256]byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.enter(op, address)
	defer m.leave(op, address)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	if err, ok := m.faults[address]; ok {
		return err
	}
	regs, ok := m.devices[address]
	if !ok {
		return fmt.Errorf("%s %#x: %w", op, address, ErrNoDevice)
	}
	fn(regs)
	return nil
}

func (m *Memory) enter(op string, address byte) {
	n := m.active.Add(1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	m.mx.Lock()
	m.events = append(m.events, Event{Op: op, Address: address, Phase: Begin})
	m.mx.Unlock()
}

func (m *Memory) leave(op string, address byte) {
	m.mx.Lock()
	m.events = append(m.events, Event{Op: op, Address: address, Phase: End})
	m.mx.Unlock()
	m.active.Add(-1)
}
