package health

import (
	"net/http"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Checker reports whether some part of the process is healthy. A nil error means healthy.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}

type MultiChecker struct {
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{
		checkers: checkers,
	}
}

// Check runs every checker and returns all of their errors combined.
func (mc *MultiChecker) Check() error {
	var result *multierror.Error
	for _, checker := range mc.checkers {
		if err := checker.Check(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.checkers = append(mc.checkers, checker)
}

// Handler answers 204 when checker passes and 503 with the error text otherwise.
func Handler(checker Checker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := checker.Check()
		if err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		log.Warnf("Health check failed: %v", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte(err.Error())); err != nil {
			log.Errorf("Failed to write health check response: %v", err)
		}
	})
}

func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("/health", Handler(checker))
}
