// Package config describes which transport drives each bus and builds the
// arbiter and provider from it.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"gobot.io/x/gobot/v2/platforms/raspi"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/i2cbus/adapter"
	"github.com/mklimuk/i2cbus/arbiter"
	bus "github.com/mklimuk/i2cbus/i2c"
)

const (
	BackendPeriph  = "periph"
	BackendGobot   = "gobot"
	BackendMCP2221 = "mcp2221"
	BackendMemory  = "memory"
)

var ErrUnknownBackend = errors.New("unknown backend")
var ErrUnknownPlatform = errors.New("unknown gobot platform")
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Buses        int           `yaml:"buses"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Transports   []Transport   `yaml:"transports"`
}

type Transport struct {
	Bus     int    `yaml:"bus"`
	Backend string `yaml:"backend"`
	// periph: device name understood by i2creg, e.g. /dev/i2c-1
	Device string `yaml:"device,omitempty"`
	// gobot: nanopi or raspi. Number is the board bus number; when omitted it
	// is -1, the connector's default bus.
	Platform string `yaml:"platform,omitempty"`
	Number   int    `yaml:"number,omitempty"`
	// mcp2221: index among the attached bridges
	Index int `yaml:"index,omitempty"`
	// periph and mcp2221, e.g. 100kHz
	Speed string `yaml:"speed,omitempty"`
	// memory: emulated device addresses
	Devices []int `yaml:"devices,omitempty"`
}

// Default returns a two bus configuration without transports.
func Default() Config {
	return Config{
		Buses:        arbiter.DefaultBuses,
		PollInterval: arbiter.DefaultPollInterval,
	}
}

func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads YAML on top of Default and validates the result.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	err := yaml.NewDecoder(r).Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("could not decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Buses <= 0 {
		return fmt.Errorf("%w: buses must be positive, got %d", ErrInvalid, c.Buses)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalid)
	}
	seen := make(map[int]bool)
	for _, t := range c.Transports {
		if t.Bus < 0 || t.Bus >= c.Buses {
			return fmt.Errorf("%w: bus %d out of range [0, %d)", ErrInvalid, t.Bus, c.Buses)
		}
		if seen[t.Bus] {
			return fmt.Errorf("%w: bus %d configured twice", ErrInvalid, t.Bus)
		}
		seen[t.Bus] = true
		switch t.Backend {
		case BackendPeriph, BackendGobot, BackendMCP2221, BackendMemory:
		default:
			return fmt.Errorf("bus %d: %w %q", t.Bus, ErrUnknownBackend, t.Backend)
		}
		if _, err := t.speed(); err != nil {
			return fmt.Errorf("%w: bus %d: %v", ErrInvalid, t.Bus, err)
		}
	}
	return nil
}

// UnmarshalYAML applies the field defaults before decoding node.
func (t *Transport) UnmarshalYAML(node *yaml.Node) error {
	type plain Transport
	p := plain{Number: -1}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = Transport(p)
	return nil
}

func (t Transport) speed() (physic.Frequency, error) {
	var f physic.Frequency
	if t.Speed == "" {
		return 0, nil
	}
	if err := f.Set(t.Speed); err != nil {
		return 0, fmt.Errorf("invalid speed %q: %w", t.Speed, err)
	}
	return f, nil
}

func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Build creates the arbiter and opens every configured transport. The table
// must be closed by the caller.
func Build(cfg Config, logger *slog.Logger) (*arbiter.Arbiter, *bus.Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	arb := arbiter.New(cfg.Buses, arbiter.WithPollInterval(cfg.PollInterval), arbiter.WithLogger(logger))
	table := bus.NewTable()
	for _, t := range cfg.Transports {
		if err := open(table, t, logger); err != nil {
			_ = table.Close()
			return nil, nil, fmt.Errorf("bus %d (%s): %w", t.Bus, t.Backend, err)
		}
		logger.Debug("transport ready", "bus", t.Bus, "backend", t.Backend)
	}
	return arb, table, nil
}

type gobotAdaptor interface {
	i2c.Connector
	Connect() error
	Finalize() error
}

func open(table *bus.Table, t Transport, logger *slog.Logger) error {
	speed, _ := t.speed()
	switch t.Backend {
	case BackendPeriph:
		b, err := bus.OpenBus(t.Device, bus.WithSpeed(speed))
		if err != nil {
			return err
		}
		table.Set(t.Bus, bus.NewRegisters(b), b)
	case BackendGobot:
		var a gobotAdaptor
		switch t.Platform {
		case "nanopi", "":
			a = nanopi.NewNeoAdaptor()
		case "raspi":
			a = raspi.NewAdaptor()
		default:
			return fmt.Errorf("%w %q", ErrUnknownPlatform, t.Platform)
		}
		if err := a.Connect(); err != nil {
			return fmt.Errorf("adaptor connect error: %w", err)
		}
		table.Set(t.Bus, bus.NewGobot(a, t.Number), closerFunc(a.Finalize))
	case BackendMCP2221:
		d := adapter.NewMCP2221(adapter.WithDeviceIndex(t.Index), adapter.WithLogger(logger))
		if speed > 0 {
			if _, err := d.Init(context.Background(), speed); err != nil {
				return err
			}
		}
		table.Set(t.Bus, bus.NewRegisters(d))
	case BackendMemory:
		m := bus.NewMemory()
		for _, addr := range t.Devices {
			m.AddDevice(byte(addr), nil)
		}
		table.Set(t.Bus, m)
	}
	return nil
}

// MemoryFor returns the emulated transport bound to busNr, if any.
func MemoryFor(table *bus.Table, busNr int) (*bus.Memory, bool) {
	tr, err := table.Open(context.Background(), busNr)
	if err != nil {
		return nil, false
	}
	m, ok := tr.(*bus.Memory)
	return m, ok
}
