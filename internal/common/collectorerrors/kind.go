package collectorerrors

import (
	"context"

	"github.com/pkg/errors"
)

// Kind is the coarse classification of an error used by the retry and propagation policies.
type Kind string

const (
	KindNone             Kind = ""
	KindAuthentication   Kind = "authentication"
	KindAuthorization    Kind = "authorization"
	KindNotFound         Kind = "not_found"
	KindRateLimited      Kind = "rate_limited"
	KindPayloadTooLarge  Kind = "payload_too_large"
	KindTransient        Kind = "transient"
	KindBadRequest       Kind = "bad_request"
	KindValidation       Kind = "validation"
	KindRetriesExhausted Kind = "retries_exhausted"
	KindCancelled        Kind = "cancelled"
	KindUnknown          Kind = "unknown"
)

// KindOf walks the error chain and returns the kind of the first known error type found.
// ErrMaxRetriesExceeded is reported as KindRetriesExhausted rather than the kind of the error it wraps.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	{
		var e *ErrMaxRetriesExceeded
		if errors.As(err, &e) {
			return KindRetriesExhausted
		}
	}
	{
		var e *ErrAuthentication
		if errors.As(err, &e) {
			return KindAuthentication
		}
	}
	{
		var e *ErrAuthorization
		if errors.As(err, &e) {
			return KindAuthorization
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return KindNotFound
		}
	}
	{
		var e *ErrRateLimited
		if errors.As(err, &e) {
			return KindRateLimited
		}
	}
	{
		var e *ErrPayloadTooLarge
		if errors.As(err, &e) {
			return KindPayloadTooLarge
		}
	}
	{
		var e *ErrTransient
		if errors.As(err, &e) {
			return KindTransient
		}
	}
	{
		var e *ErrBadRequest
		if errors.As(err, &e) {
			return KindBadRequest
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return KindValidation
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	if IsNetworkError(err) {
		return KindTransient
	}
	return KindUnknown
}

// IsFatal returns true for errors that must abort the whole run of a data source.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAuthentication, KindAuthorization:
		return true
	default:
		return false
	}
}

// Policy states what a caller does with an error from an upstream call.
type Policy int

const (
	// Propagate returns the error to the caller.
	Propagate Policy = iota
	// TreatAsEmpty swallows the error and carries on as if the call returned no results.
	TreatAsEmpty
	// UseFallback retries the call against a less privileged endpoint that serves a subset of the data.
	UseFallback
)

func (p Policy) String() string {
	switch p {
	case TreatAsEmpty:
		return "treat_as_empty"
	case UseFallback:
		return "use_fallback"
	default:
		return "propagate"
	}
}

// policies lists every kind for which an optional sub-resource defaults to empty. Anything absent propagates,
// and required resources always propagate.
var optionalPolicies = map[Kind]Policy{
	KindNotFound: TreatAsEmpty,
}

// PolicyFor returns the propagation policy for an error kind. optional marks calls to sub-resources whose absence
// is expected (e.g. activity runs of a pipeline run that has none).
func PolicyFor(kind Kind, optional bool) Policy {
	if !optional {
		return Propagate
	}
	if p, ok := optionalPolicies[kind]; ok {
		return p
	}
	return Propagate
}

// FallbackPolicyFor returns the policy for a call that has a less privileged alternative, such as an admin endpoint
// with a regular one behind it. Only a refusal to authorize moves on to the fallback; a rejected token would be
// rejected there too.
func FallbackPolicyFor(kind Kind) Policy {
	if kind == KindAuthorization {
		return UseFallback
	}
	return Propagate
}
