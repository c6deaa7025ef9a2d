// Package bytesize provides utilities for parsing and formatting byte sizes.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Binary byte size units.
const (
	B   int64 = 1
	KiB int64 = 1024
	MiB int64 = 1024 * KiB
	GiB int64 = 1024 * MiB
	TiB int64 = 1024 * GiB
)

// sizePattern matches size strings like "256KiB", "1.5 MB", "1024".
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// units maps an upper-cased suffix to its multiplier. Decimal-looking
// suffixes (KB, MB) are treated as binary, as block sizes are always powers
// of two in practice.
var units = map[string]int64{
	"":    B,
	"B":   B,
	"K":   KiB,
	"KB":  KiB,
	"KI":  KiB,
	"KIB": KiB,
	"M":   MiB,
	"MB":  MiB,
	"MI":  MiB,
	"MIB": MiB,
	"G":   GiB,
	"GB":  GiB,
	"GI":  GiB,
	"GIB": GiB,
	"T":   TiB,
	"TB":  TiB,
	"TI":  TiB,
	"TIB": TiB,
}

// Parse parses a byte size string like "256KiB", "1.5MB", or "1024" into bytes.
// If no unit is specified, bytes are assumed.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	multiplier, ok := units[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// Format formats a byte count using binary units, e.g. "256.00 KiB".
func Format(bytes int64) string {
	if bytes < KiB {
		return fmt.Sprintf("%d B", bytes)
	}
	for _, u := range []struct {
		size int64
		name string
	}{{TiB, "TiB"}, {GiB, "GiB"}, {MiB, "MiB"}, {KiB, "KiB"}} {
		if bytes >= u.size {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// Size is a byte size that can be unmarshaled from YAML as either
// a number (bytes) or a string with units ("256KiB", "1MiB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err == nil {
		n, err := Parse(str)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", str, err)
		}
		*s = Size(n)
		return nil
	}

	var n int64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}

	return fmt.Errorf("size must be a number or string with units (e.g., 256KiB, 1MiB)")
}

// Set implements pflag.Value so a Size can be bound to a command-line flag.
func (s *Size) Set(v string) error {
	n, err := Parse(v)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

// Type implements pflag.Value.
func (s *Size) Type() string { return "size" }

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns a human-readable representation.
func (s Size) String() string {
	return Format(int64(s))
}
