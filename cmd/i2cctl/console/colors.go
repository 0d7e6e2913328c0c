package console

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// Available ANSI colors
var (
	Yellow = color.New(color.FgYellow).SprintFunc()
	Red    = color.New(color.FgRed).SprintFunc()
	Green  = color.New(color.FgGreen).SprintFunc()
	Cyan   = color.New(color.FgCyan).SprintFunc()
	White  = color.New(color.FgHiWhite).SprintFunc()
	Bold   = color.New(color.Bold).SprintFunc()
)

// Hex renders a device address or register the way i2cdetect prints them.
func Hex(b byte) string {
	return Cyan(fmt.Sprintf("0x%02x", b))
}

// HexList renders addresses as a space separated list, or "none".
func HexList(bs []byte) string {
	if len(bs) == 0 {
		return Yellow("none")
	}
	parts := make([]string, len(bs))
	for i, b := range bs {
		parts[i] = Hex(b)
	}
	return strings.Join(parts, " ")
}
