package config

import (
	"fmt"
	"strconv"
)

// ByteSize is a size in bytes parsed from a "<number><unit>" YAML scalar
// where unit is one of B, K, M, G, T (powers of 1024), grounded on
// _examples/original_source/src/config/size_in_bytes.rs.
type ByteSize uint64

func (s ByteSize) Bytes() uint64 {
	return uint64(s)
}

func parseByteSize(s string) (ByteSize, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("size: empty string")
	}

	unit := s[len(s)-1]
	digits := s[:len(s)-1]

	var multiplier uint64
	switch unit {
	case 'B':
		multiplier = 1
	case 'K':
		multiplier = 1024
	case 'M':
		multiplier = 1024 * 1024
	case 'G':
		multiplier = 1024 * 1024 * 1024
	case 'T':
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("size: unknown unit in %q, want one of B,K,M,G,T", s)
	}

	value, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size: can not parse %q as a number: %w", digits, err)
	}

	return ByteSize(value * multiplier), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}

	parsed, err := parseByteSize(str)
	if err != nil {
		return err
	}

	*s = parsed
	return nil
}
