package models

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// LocalLayout is the zone-less date-time layout the API server emits and
// accepts as a history cursor.
const LocalLayout = "2006-01-02T15:04:05.999999999"

var timestampLayouts = []string{
	time.RFC3339Nano,
	LocalLayout,
	"2006-01-02 15:04:05",
}

// Timestamp is a time.Time that tolerates the server's zone-less layout.
// Zone-less values are interpreted in Location.
type Timestamp struct {
	time.Time
}

// Location is used for timestamps that arrive without a zone.
var Location = time.Local

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, Location); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unsupported timestamp %q", s)
}

// Cursor formats the timestamp the way the history endpoint expects it.
func (t Timestamp) Cursor() string {
	return t.In(Location).Format(LocalLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}

	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
