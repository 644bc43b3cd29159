// Package rfctime formats timestamps exchanged over the status API.
package rfctime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Format of timestamps. The offset is always numeric, never "Z".
const RFC3339DateTimeFormat string = "2006-01-02T15:04:05.999-07:00"

// date-time in https://www.ietf.org/rfc/rfc3339.txt , in millisecond resolution.
type RFC3339 time.Time

// Now returns the current time truncated to milliseconds.
func Now() RFC3339 {
	return RFC3339(time.Now().Truncate(time.Millisecond))
}

func (t RFC3339) Time() time.Time {
	return time.Time(t)
}

func (t *RFC3339) Equal(other *RFC3339) bool {
	if (t == nil) != (other == nil) {
		return false
	}
	return t == nil || t.Time().Equal(other.Time())
}

func (t RFC3339) String() string {
	return time.Time(t).Format(RFC3339DateTimeFormat)
}

// Parse accepts RFC3339 date-time, with "Z" or a numeric offset.
func Parse(s string) (RFC3339, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return RFC3339{}, err
	}
	return RFC3339(t), nil
}

func (t RFC3339) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, t)), nil
}

func (t *RFC3339) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	ret, err := Parse(s)
	if err != nil {
		return err
	}
	*t = ret
	return nil
}
