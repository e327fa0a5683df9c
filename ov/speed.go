package ov

import (
	"fmt"
	"strings"

	"github.com/ardnew/openvizsla/pkg"
)

// Speed is a ULPI function control value selecting the bus speed the PHY
// listens at.
type Speed uint8

// Bus speeds.
const (
	SpeedHigh Speed = 0x48
	SpeedFull Speed = 0x49
	SpeedLow  Speed = 0x4a
)

// String returns the speed name.
func (s Speed) String() string {
	switch s {
	case SpeedHigh:
		return "high"
	case SpeedFull:
		return "full"
	case SpeedLow:
		return "low"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(s))
	}
}

// Valid reports whether s is one of the defined speeds.
func (s Speed) Valid() bool {
	return s >= SpeedHigh && s <= SpeedLow
}

// ParseSpeed converts "low", "full" or "high" to a Speed.
func ParseSpeed(name string) (Speed, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "high":
		return SpeedHigh, nil
	case "full":
		return SpeedFull, nil
	case "low":
		return SpeedLow, nil
	default:
		return 0, fmt.Errorf("speed %q: %w", name, pkg.ErrInvalidParameter)
	}
}
