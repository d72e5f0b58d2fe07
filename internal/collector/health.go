package collector

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// CycleChecker is a health.Checker for daemon mode. It fails until a cycle completes, when the latest cycle
// failed for every source it collected, and when no cycle has finished for longer than staleAfter.
type CycleChecker struct {
	clock      clock.PassiveClock
	staleAfter time.Duration

	mu         sync.Mutex
	finishedAt time.Time
	lastErr    error
}

func NewCycleChecker(clock clock.PassiveClock, staleAfter time.Duration) *CycleChecker {
	return &CycleChecker{clock: clock, staleAfter: staleAfter}
}

// Observe records the outcome of a finished cycle.
func (c *CycleChecker) Observe(report *Report, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishedAt = c.clock.Now()
	if report != nil && !report.FinishedAt.IsZero() {
		c.finishedAt = report.FinishedAt
	}
	c.lastErr = nil
	if err != nil && (report == nil || report.Summary.Failed >= report.Summary.Collected) {
		c.lastErr = err
	}
}

func (c *CycleChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedAt.IsZero() {
		return errors.New("no collection cycle has completed yet")
	}
	if c.lastErr != nil {
		return errors.WithMessage(c.lastErr, "last collection cycle failed")
	}
	if c.staleAfter > 0 {
		if age := c.clock.Since(c.finishedAt); age > c.staleAfter {
			return errors.Errorf("last collection cycle finished %s ago", age.Round(time.Second))
		}
	}
	return nil
}
