// Package adapter drives USB to I2C bridges so that a workstation can talk to
// the same devices a board would.
package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"

	"github.com/mklimuk/i2cbus"
	"github.com/mklimuk/i2cbus/busctx"
	"github.com/mklimuk/i2cbus/i2c"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

const (
	cmdStatus       = 0x10
	cmdGetData      = 0x40
	cmdWrite        = 0x90
	cmdRead         = 0x91
	cmdReadRepeated = 0x93
	cmdWriteNoStop  = 0x94

	reportSize = 64
	// MaxTransfer is the largest payload a single report can carry.
	MaxTransfer = 60
	clockHz     = 12_000_000
)

var ErrCommandFailed = errors.New("command failed")
var ErrNotFound = errors.New("MCP2221 device not found")
var ErrTransferTooLong = fmt.Errorf("transfer longer than %d bytes", MaxTransfer)
var ErrInvalidSpeed = errors.New("speed out of range")

var (
	_ drivers.I2C     = &MCP2221{}
	_ i2c.ContextTxer = &MCP2221{}
)

// Port is an open HID endpoint exchanging 64 byte reports.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the index-th attached bridge.
type Opener func(index int) (Port, error)

type MCP2221Opts struct {
	ResponseWait time.Duration
	DeviceIndex  int
	AutoCancel   bool
	Logger       *slog.Logger
	Opener       Opener
}

type MCP2221Opt func(*MCP2221Opts)

// WithResponseWait sets the pause between a request and reading its reply.
func WithResponseWait(d time.Duration) MCP2221Opt {
	return func(o *MCP2221Opts) {
		o.ResponseWait = d
	}
}

// WithDeviceIndex selects a bridge when several are attached.
func WithDeviceIndex(index int) MCP2221Opt {
	return func(o *MCP2221Opts) {
		o.DeviceIndex = index
	}
}

// WithAutoCancel makes a busy engine get a cancel request before the error
// is returned, so the next transfer starts from an idle state.
func WithAutoCancel(enabled bool) MCP2221Opt {
	return func(o *MCP2221Opts) {
		o.AutoCancel = enabled
	}
}

func WithLogger(logger *slog.Logger) MCP2221Opt {
	return func(o *MCP2221Opts) {
		o.Logger = logger
	}
}

func WithOpener(opener Opener) MCP2221Opt {
	return func(o *MCP2221Opts) {
		o.Opener = opener
	}
}

// MCP2221 is a Microchip MCP2221(A) used as an I2C master. The HID device is
// opened for every transfer and closed right after.
type MCP2221 struct {
	mx       sync.Mutex
	request  []byte
	response []byte
	opts     MCP2221Opts
}

type MCP2221Status struct {
	CancelState            string `yaml:"cancel_state,omitempty"`
	SpeedState             string `yaml:"speed_state,omitempty"`
	I2CDataBufferCounter   int    `yaml:"data_buffer_counter"`
	I2CSpeedDivider        int    `yaml:"speed_divider"`
	I2CTimeout             int    `yaml:"timeout"`
	CurrentAddress         string `yaml:"current_address"`
	LastWriteRequestedSize uint16 `yaml:"last_write_requested"`
	LastWriteSentSize      uint16 `yaml:"last_write_sent"`
	ReadPending            int    `yaml:"read_pending"`
}

func NewMCP2221(opts ...MCP2221Opt) *MCP2221 {
	o := MCP2221Opts{
		ResponseWait: 50 * time.Millisecond,
		AutoCancel:   true,
		Opener:       openHID,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &MCP2221{
		request:  make([]byte, reportSize),
		response: make([]byte, reportSize),
		opts:     o,
	}
}

func openHID(index int) (Port, error) {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) == 0 {
		return nil, ErrNotFound
	}
	if index < 0 || index >= len(devs) {
		return nil, fmt.Errorf("no device with index %d (found %d)", index, len(devs))
	}
	dev, err := devs[index].Open()
	if err != nil {
		return nil, fmt.Errorf("error opening device: %w", err)
	}
	return dev, nil
}

// Tx performs a plain I2C transaction. A write followed by a read is issued
// with a repeated start.
func (d *MCP2221) Tx(addr uint16, w, r []byte) error {
	return d.TxContext(context.Background(), addr, w, r)
}

func (d *MCP2221) TxContext(ctx context.Context, addr uint16, w, r []byte) error {
	if addr > 0x7F {
		return fmt.Errorf("invalid 7-bit address %#x", addr)
	}
	if len(w) > MaxTransfer || len(r) > MaxTransfer {
		return ErrTransferTooLong
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	port, err := d.open(ctx)
	if err != nil {
		return err
	}
	defer d.close(port)

	address := byte(addr)
	switch {
	case len(r) == 0:
		err = d.write(ctx, port, cmdWrite, address, w)
	case len(w) == 0:
		err = d.read(ctx, port, cmdRead, address, r)
	default:
		err = d.write(ctx, port, cmdWriteNoStop, address, w)
		if err == nil {
			err = d.read(ctx, port, cmdReadRepeated, address, r)
		}
	}
	if errors.Is(err, i2cbus.ErrBusBusy) && d.opts.AutoCancel {
		if _, cerr := d.cancel(ctx, port); cerr != nil {
			d.opts.Logger.WarnContext(ctx, "could not cancel busy transfer", "err", cerr)
		}
	}
	if err != nil {
		return fmt.Errorf("mcp2221 transfer to %#x failed: %w", addr, err)
	}
	return nil
}

func (d *MCP2221) write(ctx context.Context, port Port, cmd, address byte, data []byte) error {
	d.resetBuffers()
	d.request[0] = cmd
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(data)))
	d.request[3] = address << 1
	copy(d.request[4:], data)
	if err := d.exchange(ctx, port); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	if d.response[1] != 0x00 {
		d.opts.Logger.DebugContext(ctx, "adapter busy", "cmd", fmt.Sprintf("%#x", cmd))
		return i2cbus.ErrBusBusy
	}
	return nil
}

func (d *MCP2221) read(ctx context.Context, port Port, cmd, address byte, buffer []byte) error {
	d.resetBuffers()
	d.request[0] = cmd
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address<<1 | 1
	if err := d.exchange(ctx, port); err != nil {
		return fmt.Errorf("read command: %w", err)
	}
	if d.response[1] != 0x00 {
		return i2cbus.ErrBusBusy
	}
	d.resetBuffers()
	d.request[0] = cmdGetData
	if err := d.exchange(ctx, port); err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	if d.response[1] == 0x41 {
		return fmt.Errorf("error reading the I2C slave data from the I2C engine: %w", ErrCommandFailed)
	}
	if d.response[3] == 127 || int(d.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.response[3])
	}
	copy(buffer, d.response[4:4+len(buffer)])
	return nil
}

// Init sets the bus clock. The engine only accepts the change while idle.
func (d *MCP2221) Init(ctx context.Context, speed physic.Frequency) (*MCP2221Status, error) {
	divider, err := speedDivider(speed)
	if err != nil {
		return nil, err
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	port, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	defer d.close(port)
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[3] = 0x20
	d.request[4] = divider
	if err := d.exchange(ctx, port); err != nil {
		return nil, fmt.Errorf("set speed request failed: %w", err)
	}
	status := bufferToStatus(d.response)
	if d.response[3] == 0x21 {
		return status, fmt.Errorf("speed %s not accepted: %w", speed, ErrCommandFailed)
	}
	return status, nil
}

func speedDivider(speed physic.Frequency) (byte, error) {
	hz := int64(speed / physic.Hertz)
	if hz <= 0 {
		return 0, fmt.Errorf("%s: %w", speed, ErrInvalidSpeed)
	}
	divider := clockHz/hz - 3
	if divider < 0 || divider > 0xFF {
		return 0, fmt.Errorf("%s: %w", speed, ErrInvalidSpeed)
	}
	return byte(divider), nil
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	port, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	defer d.close(port)
	d.resetBuffers()
	d.request[0] = cmdStatus
	if err := d.exchange(ctx, port); err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

// ReleaseBus cancels the current transfer and frees the bus.
func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	port, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	defer d.close(port)
	return d.cancel(ctx, port)
}

func (d *MCP2221) cancel(ctx context.Context, port Port) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[2] = 0x10
	if err := d.exchange(ctx, port); err != nil {
		return nil, fmt.Errorf("cancel request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		2: cancel transfer state
		3: speed setting state
		9: Lower byte (16-bit value) of the requested I2C transfer length
		10: Higher byte (16-bit value) of the requested I2C transfer length
		11:	Lower byte (16-bit value) of the already transferred (through I2C) number of bytes
		12:	Higher byte (16-bit value) of the already transferred (through I2C) number of bytes
		13:	Internal I2C data buffer counter
		14: Current I2C communication speed divider value
		15: Current I2C timeout value
		16:	Lower byte (16-bit value) of the I2C address being used
		17:	Higher byte (16-bit value) of the I2C address being used
		25: read pending
	*/
	status := &MCP2221Status{
		I2CDataBufferCounter: int(buffer[13]),
		I2CSpeedDivider:      int(buffer[14]),
		I2CTimeout:           int(buffer[15]),
		ReadPending:          int(buffer[25]),
		CurrentAddress:       hex.EncodeToString(buffer[16:18]),
	}
	switch buffer[2] {
	case 0x10:
		status.CancelState = "cancelling"
	case 0x11:
		status.CancelState = "idle"
	}
	switch buffer[3] {
	case 0x20:
		status.SpeedState = "accepted"
	case 0x21:
		status.SpeedState = "rejected"
	}
	status.LastWriteRequestedSize = binary.LittleEndian.Uint16(buffer[9:11])
	status.LastWriteSentSize = binary.LittleEndian.Uint16(buffer[11:13])
	return status
}

func (d *MCP2221) open(ctx context.Context) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.opts.Opener(d.opts.DeviceIndex)
}

func (d *MCP2221) close(port Port) {
	if err := port.Close(); err != nil {
		d.opts.Logger.Warn("could not close adapter", "err", err)
	}
}

func (d *MCP2221) exchange(ctx context.Context, port Port) error {
	busctx.Dump(ctx, d.opts.Logger, "sending message to adapter", d.request)
	n, err := port.Write(d.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short write: %d", n)
	}
	if d.opts.ResponseWait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.ResponseWait):
		}
	}
	n, err = port.Read(d.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short read: %d", n)
	}
	busctx.Dump(ctx, d.opts.Logger, "read message from adapter", d.response)
	if d.response[0] != d.request[0] {
		return fmt.Errorf("response to %#x echoed %#x: %w", d.request[0], d.response[0], ErrCommandFailed)
	}
	return nil
}

func (d *MCP2221) resetBuffers() {
	clear(d.request)
	clear(d.response)
}
