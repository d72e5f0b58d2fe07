package retry

import (
	"github.com/pkg/errors"

	"github.com/fabricla/connector/internal/common/collectorerrors"
)

// DefaultClassifier retries rate limiting, 5xx responses and connection level failures. Everything else,
// including 400/401/403/404/413, is returned straight away. A rate limited error's Retry-After hint becomes the
// suggested delay.
func DefaultClassifier(err error) Classification {
	switch collectorerrors.KindOf(err) {
	case collectorerrors.KindRateLimited:
		var rl *collectorerrors.ErrRateLimited
		errors.As(err, &rl)
		return Classification{Retryable: true, SuggestedDelay: rl.RetryAfter}
	case collectorerrors.KindTransient:
		return Classification{Retryable: true}
	default:
		return Classification{Retryable: false}
	}
}
