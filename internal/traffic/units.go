// Package traffic implements size estimation, unit conversion, counters,
// history and rate computation for observed network traffic.
package traffic

import (
	"math"
	"strconv"
	"strings"
)

// MaxSafeBits is the largest bit count the package will store or convert.
// It equals the largest integer a float64 holds exactly, so values survive a
// round trip through JSON consumers unchanged.
const MaxSafeBits = 1<<53 - 1

// Unit is a display unit for traffic volume.
type Unit string

const (
	UnitB  Unit = "B"
	UnitKB Unit = "KB"
	UnitMB Unit = "MB"
	UnitGB Unit = "GB"
	UnitTB Unit = "TB"
	UnitPB Unit = "PB"
)

// DefaultUnit is used whenever an unknown unit is requested.
const DefaultUnit = UnitMB

// Units lists all supported units in ascending order.
var Units = []Unit{UnitB, UnitKB, UnitMB, UnitGB, UnitTB, UnitPB}

// zeroDisplay is returned for any input that cannot be converted.
const zeroDisplay = "0.00"

type unitSpec struct {
	exp       int // power of 1024 applied after bits->bytes
	precision int
}

var unitSpecs = map[Unit]unitSpec{
	UnitB:  {exp: 0, precision: 2},
	UnitKB: {exp: 1, precision: 2},
	UnitMB: {exp: 2, precision: 2},
	UnitGB: {exp: 3, precision: 3},
	UnitTB: {exp: 4, precision: 4},
	UnitPB: {exp: 5, precision: 6},
}

// ParseUnit reports whether s names a supported unit.
func ParseUnit(s string) (Unit, bool) {
	u := Unit(s)
	_, ok := unitSpecs[u]
	return u, ok
}

// Valid reports whether u is a supported unit.
func (u Unit) Valid() bool {
	_, ok := unitSpecs[u]
	return ok
}

// Precision returns the number of decimal places used when formatting u.
func (u Unit) Precision() int {
	return specFor(u).precision
}

func specFor(u Unit) unitSpec {
	if s, ok := unitSpecs[u]; ok {
		return s
	}
	return unitSpecs[DefaultUnit]
}

// bitsPerUnit returns how many bits make up one u.
func bitsPerUnit(u Unit) float64 {
	return 8 * math.Pow(1024, float64(specFor(u).exp))
}

// Convert renders bits in the target unit with the unit's precision.
// Non-finite, negative or oversized input yields "0.00". An unknown unit
// falls back to DefaultUnit.
func Convert(bits float64, target Unit) string {
	if math.IsNaN(bits) || math.IsInf(bits, 0) || bits < 0 || bits > MaxSafeBits {
		return zeroDisplay
	}
	spec := specFor(target)
	v := bits / bitsPerUnit(target)
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return zeroDisplay
	}
	return strconv.FormatFloat(v, 'f', spec.precision, 64)
}

// ToBits converts a value expressed in unit back into bits. It is the exact
// inverse of the scaling in Convert. Invalid input yields 0.
func ToBits(value float64, from Unit) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0
	}
	bits := value * bitsPerUnit(from)
	if math.IsInf(bits, 0) {
		return 0
	}
	return bits
}

// ParseDisplay parses a value produced by Convert. Anything that is not a
// finite non-negative number yields 0.
func ParseDisplay(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
