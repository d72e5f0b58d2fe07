package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiChecker(t *testing.T) {
	healthy := CheckerFunc(func() error { return nil })
	broken := CheckerFunc(func() error { return errors.New("sink unreachable") })

	assert.NoError(t, NewMultiChecker().Check())
	assert.NoError(t, NewMultiChecker(healthy, healthy).Check())

	mc := NewMultiChecker(healthy)
	mc.Add(broken)
	mc.Add(CheckerFunc(func() error { return errors.New("token expired") }))
	err := mc.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink unreachable")
	assert.Contains(t, err.Error(), "token expired")
}

func TestHandler(t *testing.T) {
	var failure error
	mux := http.NewServeMux()
	SetupHttpMux(mux, CheckerFunc(func() error { return failure }))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	failure = errors.New("no cycle completed yet")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no cycle completed yet", rec.Body.String())
}
