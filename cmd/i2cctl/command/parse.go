package command

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseByte accepts decimal, 0x hex, 0o octal or 0b binary.
func ParseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte %q: %w", s, err)
	}
	return byte(v), nil
}

func ParseWord(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid word %q: %w", s, err)
	}
	return uint16(v), nil
}

// ParseAddress returns a 7-bit device address.
func ParseAddress(s string) (byte, error) {
	v, err := ParseByte(s)
	if err != nil {
		return 0, err
	}
	if v > 0x7F {
		return 0, fmt.Errorf("address %#x is not a 7-bit address", v)
	}
	return v, nil
}

// ParseHex turns "01FF23" or "01 ff 23" into bytes.
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("hex string must have even length")
	}
	b := make([]byte, len(s)/2)
	for i := 0; i < len(b); i++ {
		v, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, err
		}
		b[i] = byte(v)
	}
	return b, nil
}
