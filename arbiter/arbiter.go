// Package arbiter serialises access to physical I2C buses. Each bus index has
// a single re-entrant lock keyed by a logical Owner carried in the context.
// Acquisition waits in short bounded increments so that a blocked capture
// can always be cancelled through its context.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultBuses is the size of the process-wide lock table.
const DefaultBuses = 2

// DefaultPollInterval is the length of a single timed acquire attempt.
const DefaultPollInterval = 10 * time.Millisecond

var ErrInvalidBus = errors.New("invalid bus index")

type Opts struct {
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Opt func(*Opts)

func WithPollInterval(d time.Duration) Opt {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

// Arbiter owns the lock table. The table is built once by New and never
// resized or replaced.
type Arbiter struct {
	locks  []*busLock
	poll   time.Duration
	logger *slog.Logger
}

// New creates an arbiter guarding buses 0..buses-1.
func New(buses int, opts ...Opt) *Arbiter {
	config := Opts{
		PollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if buses < 0 {
		buses = 0
	}
	locks := make([]*busLock, buses)
	for i := range locks {
		locks[i] = &busLock{sem: semaphore.NewWeighted(1)}
	}
	return &Arbiter{
		locks:  locks,
		poll:   config.PollInterval,
		logger: config.Logger,
	}
}

var defaultArbiter = sync.OnceValue(func() *Arbiter {
	return New(DefaultBuses)
})

// Default returns the process-wide arbiter with DefaultBuses locks.
func Default() *Arbiter {
	return defaultArbiter()
}

// Buses returns the number of bus indices guarded by a.
func (a *Arbiter) Buses() int {
	return len(a.locks)
}

func (a *Arbiter) PollInterval() time.Duration {
	return a.poll
}

// Capture blocks until the owner carried by ctx holds the lock for bus. When
// ctx has no owner a new one is created; the returned context carries it and
// must be passed to the calls made under the lock and to Release.
//
// Capture by an owner that already holds the bus succeeds immediately. Each
// successful Capture must be paired with a Release.
//
// The only failures are an invalid bus index and cancellation of ctx. With a
// context that is never cancelled Capture retries forever.
func (a *Arbiter) Capture(ctx context.Context, bus int) (context.Context, error) {
	l, err := a.lock(bus)
	if err != nil {
		return ctx, err
	}
	ctx, owner := ensureOwner(ctx, "capture")
	if l.reenter(owner) {
		l.captures.Add(1)
		a.log().Debug("bus re-entered", "bus", bus, "owner", owner, "depth", l.depthOf())
		return ctx, nil
	}
	if !l.sem.TryAcquire(1) {
		l.contended.Add(1)
		a.log().Debug("waiting for bus", "bus", bus, "owner", owner, "holder", l.holder())
		if err := a.wait(ctx, l); err != nil {
			return ctx, fmt.Errorf("arbiter: capture bus %d: %w", bus, err)
		}
	}
	l.take(owner)
	l.captures.Add(1)
	a.log().Debug("bus captured", "bus", bus, "owner", owner)
	return ctx, nil
}

// wait retries a timed acquire of length a.poll until it succeeds or ctx is
// done.
func (a *Arbiter) wait(ctx context.Context, l *busLock) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pollCtx, cancel := context.WithTimeout(ctx, a.poll)
		err := l.sem.Acquire(pollCtx, 1)
		cancel()
		if err == nil {
			return nil
		}
	}
}

// Release drops one level of the lock held on bus by the owner in ctx. It is
// always safe to call: releasing a bus that is not held by that owner, or
// releasing with no owner at all, does nothing.
func (a *Arbiter) Release(ctx context.Context, bus int) {
	l, err := a.lock(bus)
	if err != nil {
		a.log().Debug("release ignored", "bus", bus, "error", err)
		return
	}
	owner := OwnerFrom(ctx)
	released, depth := l.release(owner)
	if !released {
		l.ignored.Add(1)
		a.log().Debug("release ignored: not owner", "bus", bus, "owner", owner, "holder", l.holder())
		return
	}
	l.releases.Add(1)
	if depth == 0 {
		a.log().Debug("bus released", "bus", bus, "owner", owner)
	}
}

// Hold captures bus, runs fn with the owning context and releases the bus
// when fn returns or panics.
func (a *Arbiter) Hold(ctx context.Context, bus int, fn func(ctx context.Context) error) error {
	ctx, err := a.Capture(ctx, bus)
	if err != nil {
		return err
	}
	defer a.Release(ctx, bus)
	return fn(ctx)
}

// Held reports whether any owner currently holds bus.
func (a *Arbiter) Held(bus int) bool {
	l, err := a.lock(bus)
	if err != nil {
		return false
	}
	return l.depthOf() > 0
}

// Stats is a snapshot of a single bus lock.
type Stats struct {
	Bus             int    `yaml:"bus"`
	Holder          string `yaml:"holder"`
	Depth           int    `yaml:"depth"`
	Captures        uint64 `yaml:"captures"`
	Contended       uint64 `yaml:"contended"`
	Releases        uint64 `yaml:"releases"`
	IgnoredReleases uint64 `yaml:"ignored_releases"`
}

func (a *Arbiter) Stats(bus int) (Stats, error) {
	l, err := a.lock(bus)
	if err != nil {
		return Stats{}, err
	}
	l.mx.Lock()
	holder, depth := l.owner, l.depth
	l.mx.Unlock()
	st := Stats{
		Bus:             bus,
		Depth:           depth,
		Captures:        l.captures.Load(),
		Contended:       l.contended.Load(),
		Releases:        l.releases.Load(),
		IgnoredReleases: l.ignored.Load(),
	}
	if holder != nil {
		st.Holder = holder.String()
	}
	return st, nil
}

func (a *Arbiter) lock(bus int) (*busLock, error) {
	if bus < 0 || bus >= len(a.locks) {
		return nil, fmt.Errorf("arbiter: bus %d (have %d): %w", bus, len(a.locks), ErrInvalidBus)
	}
	return a.locks[bus], nil
}

func (a *Arbiter) log() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return slog.Default()
}

// busLock is a re-entrant lock: sem is held while depth > 0.
type busLock struct {
	sem *semaphore.Weighted

	mx    sync.Mutex
	owner *Owner
	depth int

	captures  atomic.Uint64
	contended atomic.Uint64
	releases  atomic.Uint64
	ignored   atomic.Uint64
}

func (l *busLock) reenter(o *Owner) bool {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.depth > 0 && l.owner == o {
		l.depth++
		return true
	}
	return false
}

func (l *busLock) take(o *Owner) {
	l.mx.Lock()
	l.owner = o
	l.depth = 1
	l.mx.Unlock()
}

func (l *busLock) release(o *Owner) (bool, int) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if o == nil || l.depth == 0 || l.owner != o {
		return false, l.depth
	}
	l.depth--
	if l.depth == 0 {
		l.owner = nil
		l.sem.Release(1)
	}
	return true, l.depth
}

func (l *busLock) depthOf() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.depth
}

func (l *busLock) holder() *Owner {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.owner
}
