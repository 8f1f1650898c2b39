package schema

import (
	"encoding/json"
	"time"
)

// StampLayout is the fixed-width form every stamp is normalized to.
// Fixed width makes lexicographic order equal to chronological order,
// so stamps compare as plain strings.
const StampLayout = "2006-01-02T15:04:05.000000000Z"

// Stamp is a normalized ISO-8601 UTC timestamp used as the LWW version of a
// record. The zero value means "no stamp".
type Stamp string

// ParseStamp normalizes any RFC 3339 timestamp into a Stamp.
func ParseStamp(s string) (Stamp, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return "", &ValidationError{Field: "updatedAt", Reason: "not an RFC 3339 timestamp: " + s}
	}
	return StampOf(t), nil
}

// MustStamp is ParseStamp for literals in tests and fixtures.
func MustStamp(s string) Stamp {
	st, err := ParseStamp(s)
	if err != nil {
		panic(err)
	}
	return st
}

// StampOf converts t to a Stamp.
func StampOf(t time.Time) Stamp {
	return Stamp(t.UTC().Format(StampLayout))
}

// Now returns the current time as a Stamp.
func Now() Stamp {
	return StampOf(time.Now())
}

// NextStamp returns a stamp strictly greater than prev, preferring the
// current time. Server-side writes use it so they always win against the
// value they were derived from.
func NextStamp(prev Stamp) Stamp {
	now := Now()
	if now > prev {
		return now
	}
	t, err := time.Parse(StampLayout, string(prev))
	if err != nil {
		return now
	}
	return StampOf(t.Add(time.Nanosecond))
}

// Time returns the stamp as a time.Time; the zero time for an invalid stamp.
func (s Stamp) Time() time.Time {
	t, err := time.Parse(StampLayout, string(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsZero reports whether the stamp is unset.
func (s Stamp) IsZero() bool { return s == "" }

// Valid reports whether the stamp is in normalized form.
func (s Stamp) Valid() bool {
	if len(s) != len(StampLayout) {
		return false
	}
	_, err := time.Parse(StampLayout, string(s))
	return err == nil
}

// UnmarshalJSON normalizes parseable stamps on ingress. Unparseable input is
// kept verbatim so that Validate can report it as a ValidationError.
func (s *Stamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*s = ""
		return nil
	}
	if norm, err := ParseStamp(raw); err == nil {
		*s = norm
		return nil
	}
	*s = Stamp(raw)
	return nil
}

func validateStamp(field string, s Stamp, required bool) error {
	if s.IsZero() {
		if required {
			return &ValidationError{Field: field, Reason: "is required"}
		}
		return nil
	}
	if !s.Valid() {
		return &ValidationError{Field: field, Reason: "not an RFC 3339 timestamp: " + string(s)}
	}
	return nil
}
