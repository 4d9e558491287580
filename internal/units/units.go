// Package units provides the speed units a replay can be displayed in.
package units

import (
	"fmt"
	"strings"
)

// Unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
	KNOT = "knot"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH, KNOT}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertSpeed converts a speed from kilometres per hour to the target units.
// Replay positions carry speeds in km/h.
func ConvertSpeed(speedKMH float64, targetUnits string) float64 {
	switch targetUnits {
	case MPS:
		return speedKMH / 3.6
	case MPH:
		return speedKMH * 0.62137119223733
	case KNOT:
		return speedKMH * 0.53995680345572
	default:
		return speedKMH
	}
}

// Label returns the short axis label for a unit.
func Label(unit string) string {
	switch unit {
	case MPS:
		return "m/s"
	case MPH:
		return "mph"
	case KNOT:
		return "kn"
	default:
		return "km/h"
	}
}

// FormatSpeed renders a km/h speed in the target units with one decimal.
func FormatSpeed(speedKMH float64, targetUnits string) string {
	return fmt.Sprintf("%.1f %s", ConvertSpeed(speedKMH, targetUnits), Label(targetUnits))
}
