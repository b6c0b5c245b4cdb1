package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Duration is a time.Duration that reads plain numbers as milliseconds and
// serialises to JSON as a human-readable string.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

// ParseDuration parses "250ms", "1m30s" or a plain number of milliseconds.
func ParseDuration(data string) (time.Duration, error) {
	if t, err := strconv.ParseFloat(data, 64); err == nil {
		return time.Duration(t * float64(time.Millisecond)), nil
	}
	d, err := time.ParseDuration(data)
	if err != nil {
		return 0, fmt.Errorf("'%s' is not a valid duration value", data)
	}
	return d, nil
}

// UnmarshalText converts text data to Duration.
func (d *Duration) UnmarshalText(data []byte) error {
	v, err := ParseDuration(string(data))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON converts JSON data to Duration.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		return d.UnmarshalText([]byte(str))
	}
	t, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("'%s' is not a valid duration value", string(data))
	}
	*d = Duration(t * float64(time.Millisecond))
	return nil
}

// MarshalJSON returns the JSON representation of d.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// NullDuration is a nullable Duration, in the same vein as the nullable types provided by
// package gopkg.in/guregu/null.v3.
type NullDuration struct {
	Duration
	Valid bool
}

// NullDurationFrom returns a new valid NullDuration from a time.Duration.
func NullDurationFrom(d time.Duration) NullDuration {
	return NullDuration{Duration(d), true}
}

// UnmarshalText converts text data to a valid NullDuration.
func (d *NullDuration) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = NullDuration{}
		return nil
	}
	if err := d.Duration.UnmarshalText(data); err != nil {
		return err
	}
	d.Valid = true
	return nil
}

// UnmarshalJSON converts JSON data to a valid NullDuration.
func (d *NullDuration) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte(`null`)) {
		d.Valid = false
		return nil
	}
	if err := json.Unmarshal(data, &d.Duration); err != nil {
		return err
	}
	d.Valid = true
	return nil
}

// MarshalJSON returns the JSON representation of d.
func (d NullDuration) MarshalJSON() ([]byte, error) {
	if !d.Valid {
		return []byte(`null`), nil
	}
	return d.Duration.MarshalJSON()
}

// TimeDuration returns a NullDuration's value as a stdlib Duration.
func (d NullDuration) TimeDuration() time.Duration {
	return time.Duration(d.Duration)
}
