package i2cbus

import (
	"errors"
	"fmt"
)

// ErrTransportFault matches every *TransportFault via errors.Is.
var ErrTransportFault = errors.New("i2c transport fault")

// noRegister marks operations that address a device without a register.
const noRegister = -1

// TransportFault describes a failed transfer together with where it happened.
type TransportFault struct {
	Op       string
	Bus      int
	Address  byte
	Register int
	Err      error
}

func (f *TransportFault) Error() string {
	if f.Register == noRegister {
		return fmt.Sprintf("i2cbus: %s on bus %d addr 0x%02x: %v", f.Op, f.Bus, f.Address, f.Err)
	}
	return fmt.Sprintf("i2cbus: %s on bus %d addr 0x%02x reg 0x%02x: %v", f.Op, f.Bus, f.Address, f.Register, f.Err)
}

func (f *TransportFault) Unwrap() error {
	return f.Err
}

func (f *TransportFault) Is(target error) bool {
	return target == ErrTransportFault
}
