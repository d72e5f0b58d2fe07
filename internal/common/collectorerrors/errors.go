// Package collectorerrors contains the error taxonomy shared by the fetch and ingest sides of the collector.
//
// HTTP responses from both the upstream API and the ingestion sink are mapped onto the types in this file by
// FromHTTPResponse. Callers should use errors.As (or KindOf) to look for these types rather than inspecting
// status codes or messages; the retry executor and the per-source collectors make all their decisions from them.
package collectorerrors

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// DefaultRetryAfter is used when a 429 response carries no usable Retry-After header.
const DefaultRetryAfter = 60 * time.Second

const maxErrorBodySize = 512

// ErrAuthentication is returned when the upstream or the sink rejects our credentials (HTTP 401), or when a
// token cannot be obtained at all. It is fatal for the run that needs it.
type ErrAuthentication struct {
	Resource string
	Message  string
}

func (err *ErrAuthentication) Error() (s string) {
	s = "authentication failed"
	if err.Resource != "" {
		s = fmt.Sprintf("authentication failed for %s", err.Resource)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrAuthorization is returned on HTTP 403.
type ErrAuthorization struct {
	Resource string
	Message  string
}

func (err *ErrAuthorization) Error() (s string) {
	s = "permission denied"
	if err.Resource != "" {
		s = fmt.Sprintf("permission denied for %s", err.Resource)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrRateLimited is returned on HTTP 429. RetryAfter is the server supplied hint.
type ErrRateLimited struct {
	Resource   string
	RetryAfter time.Duration
}

func (err *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited by %s; retry after %s", err.Resource, err.RetryAfter)
}

// ErrPayloadTooLarge is returned when the sink rejects a request body (HTTP 413).
type ErrPayloadTooLarge struct {
	SizeBytes int
	Message   string
}

func (err *ErrPayloadTooLarge) Error() string {
	s := fmt.Sprintf("payload of %d bytes too large", err.SizeBytes)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrTransient covers 5xx responses, timeouts and connection level failures.
type ErrTransient struct {
	StatusCode int
	Message    string
	Cause      error
}

func (err *ErrTransient) Error() string {
	var s string
	if err.StatusCode != 0 {
		s = fmt.Sprintf("transient failure (status %d)", err.StatusCode)
	} else {
		s = "transient transport failure"
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	if err.Cause != nil {
		s = s + fmt.Sprintf(": %s", err.Cause)
	}
	return s
}

func (err *ErrTransient) Unwrap() error {
	return err.Cause
}

// ErrBadRequest covers the remaining 4xx responses. These are never retried.
type ErrBadRequest struct {
	StatusCode int
	Message    string
}

func (err *ErrBadRequest) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("request rejected with status %d", err.StatusCode)
	}
	return fmt.Sprintf("request rejected with status %d; %s", err.StatusCode, err.Message)
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "strategy"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrMaxRetriesExceeded is returned by the retry executor once the retry budget is spent.
// It unwraps to the last error seen.
type ErrMaxRetriesExceeded struct {
	Attempts  int
	LastError error
}

func (err *ErrMaxRetriesExceeded) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %s", err.Attempts, err.LastError)
}

func (err *ErrMaxRetriesExceeded) Unwrap() error {
	return err.LastError
}

// FromHTTPResponse maps a non-2xx response onto the error taxonomy. resource names the call for error messages.
// A nil error is returned for 2xx responses. The response body is read (up to a small limit) but not closed.
func FromHTTPResponse(resp *http.Response, resource string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized:
		return &ErrAuthentication{Resource: resource, Message: summary}
	case code == http.StatusForbidden:
		return &ErrAuthorization{Resource: resource, Message: summary}
	case code == http.StatusNotFound:
		return &ErrNotFound{Value: resource, Message: summary}
	case code == http.StatusTooManyRequests:
		return &ErrRateLimited{Resource: resource, RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"))}
	case code == http.StatusRequestEntityTooLarge:
		size := 0
		if resp.Request != nil {
			size = int(resp.Request.ContentLength)
		}
		return &ErrPayloadTooLarge{SizeBytes: size, Message: summary}
	case code == http.StatusRequestTimeout || code >= 500:
		return &ErrTransient{StatusCode: code, Message: summary}
	default:
		return &ErrBadRequest{StatusCode: code, Message: summary}
	}
}

// ParseRetryAfter parses a Retry-After header expressed in whole seconds.
// Absent, negative or malformed values yield DefaultRetryAfter.
func ParseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds < 0 {
		return DefaultRetryAfter
	}
	return time.Duration(seconds) * time.Second
}

// IsNetworkError returns true if err is a connection level failure: timeouts, resets, refused connections and
// unexpected EOFs while reading a response.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Our own cancellation is not a transport failure.
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return IsNetworkError(urlErr.Err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// WrapTransport converts an error returned by http.Client.Do into the taxonomy. Context errors are returned as-is
// so callers can still detect cancellation with errors.Is.
func WrapTransport(err error, resource string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if IsNetworkError(err) {
		return &ErrTransient{Message: resource, Cause: err}
	}
	return errors.WithMessagef(err, "request to %s failed", resource)
}
