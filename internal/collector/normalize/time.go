package normalize

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fabricla/connector/internal/common/ingest"
)

// Upstream timestamps come with or without a zone designator and with up to seven fractional digits. Zone-less
// values are UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime parses an upstream timestamp into UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognised timestamp %q", s)
}

// FormatTime renders t the way every normalized timestamp is written.
func FormatTime(t time.Time) string {
	return t.UTC().Format(ingest.TimeFormat)
}
