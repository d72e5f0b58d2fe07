package fetch

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/fabricla/connector/internal/common/collectorerrors"
)

// TimeWindow is the closed interval [Since, Until] of upstream activity a collection run is interested in.
type TimeWindow struct {
	Since time.Time
	Until time.Time
}

// NewTimeWindow returns the window ending now and reaching back lookback. Callers compute a new window for every
// fetch rather than reusing one across runs.
func NewTimeWindow(c clock.PassiveClock, lookback time.Duration) (TimeWindow, error) {
	if lookback < 0 {
		return TimeWindow{}, &collectorerrors.ErrInvalidArgument{
			Name:    "lookback",
			Value:   lookback,
			Message: "lookback must not be negative",
		}
	}
	now := c.Now().UTC()
	return TimeWindow{Since: now.Add(-lookback), Until: now}, nil
}

// Contains reports whether t falls inside the window, bounds included. The zero window contains everything.
func (w TimeWindow) Contains(t time.Time) bool {
	if w.Since.IsZero() && w.Until.IsZero() {
		return true
	}
	return !t.Before(w.Since) && !t.After(w.Until)
}
