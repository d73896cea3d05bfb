package config

import (
	"fmt"
	"strconv"
	"time"
)

// HumanDuration is a time.Duration parsed from a "<number><unit>" YAML
// scalar where unit is one of s, m, h, d, grounded on
// _examples/original_source/src/config/duration_human.rs.
type HumanDuration time.Duration

func (d HumanDuration) Duration() time.Duration {
	return time.Duration(d)
}

func parseHumanDuration(s string) (HumanDuration, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("duration: empty string")
	}

	unit := s[len(s)-1]
	digits := s[:len(s)-1]

	var multiplier int64
	switch unit {
	case 's':
		multiplier = 1
	case 'm':
		multiplier = 60
	case 'h':
		multiplier = 60 * 60
	case 'd':
		multiplier = 24 * 60 * 60
	default:
		return 0, fmt.Errorf("duration: unknown unit in %q, want one of s,m,h,d", s)
	}

	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("duration: can not parse %q as a number: %w", digits, err)
	}

	return HumanDuration(time.Duration(value*multiplier) * time.Second), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *HumanDuration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}

	parsed, err := parseHumanDuration(str)
	if err != nil {
		return err
	}

	*d = parsed
	return nil
}
