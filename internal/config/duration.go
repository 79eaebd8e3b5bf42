package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from either an integer number
// of milliseconds (the historical wire format) or a Go duration string:
//
//	connection_timeout: 30000
//	connection_timeout: 30s
//
// It marshals back as milliseconds.
type Duration time.Duration

// Seconds builds a Duration of n seconds.
func Seconds(n int) Duration { return Duration(time.Duration(n) * time.Second) }

// Millis builds a Duration of n milliseconds.
func Millis(n int) Duration { return Duration(time.Duration(n) * time.Millisecond) }

// Std converts back to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Milliseconds returns the duration in whole milliseconds.
func (d Duration) Milliseconds() int64 { return time.Duration(d).Milliseconds() }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML decodes an integer (milliseconds) or duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ms int64
	if err := value.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be integer milliseconds or a duration string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: cannot parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration as integer milliseconds.
func (d Duration) MarshalYAML() (any, error) {
	return d.Milliseconds(), nil
}

// MarshalJSON encodes the duration as integer milliseconds, matching the
// monitoring API's wire format.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%d", d.Milliseconds())), nil
}
