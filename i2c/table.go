package i2c

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/mklimuk/i2cbus"
)

var ErrNoTransport = errors.New("no transport configured for bus")

var _ i2cbus.Provider = &Table{}

// Table is a Provider with one long-lived transport per bus index.
type Table struct {
	mx         sync.RWMutex
	transports map[int]i2cbus.Transport
	closers    []io.Closer
}

func NewTable() *Table {
	return &Table{transports: make(map[int]i2cbus.Transport)}
}

// Set binds t to bus. Closers are closed by Table.Close; pass the raw bus
// when t wraps one.
func (t *Table) Set(bus int, tr i2cbus.Transport, closers ...io.Closer) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.transports[bus] = tr
	t.closers = append(t.closers, closers...)
}

func (t *Table) Open(ctx context.Context, bus int) (i2cbus.Transport, error) {
	t.mx.RLock()
	defer t.mx.RUnlock()
	tr, ok := t.transports[bus]
	if !ok {
		return nil, fmt.Errorf("bus %d: %w", bus, ErrNoTransport)
	}
	return tr, nil
}

// Buses returns the configured bus indices in ascending order.
func (t *Table) Buses() []int {
	t.mx.RLock()
	defer t.mx.RUnlock()
	buses := make([]int, 0, len(t.transports))
	for bus := range t.transports {
		buses = append(buses, bus)
	}
	sort.Ints(buses)
	return buses
}

func (t *Table) Close() error {
	t.mx.Lock()
	defer t.mx.Unlock()
	var errs []error
	for _, c := range t.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}
