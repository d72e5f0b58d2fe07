// Package fetch walks paginated upstream endpoints.
//
// Every request is paced by a token bucket limiter and run through a retry.Executor, so rate limiting (429 with
// Retry-After) and transient failures are retried against the same page while authentication, permission and
// not-found errors surface immediately. Pages are pulled one at a time through a PageIterator.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/fabricla/connector/internal/collector/auth"
	"github.com/fabricla/connector/internal/common/collectorerrors"
	"github.com/fabricla/connector/internal/common/ingest/metrics"
	"github.com/fabricla/connector/internal/common/logctx"
	"github.com/fabricla/connector/internal/common/retry"
)

const (
	ContinuationTokenParam = "continuationToken"
	userAgent              = "fabricla-collector"
)

// Endpoint describes one paginated list endpoint.
type Endpoint struct {
	// Used in logs and metrics.
	Entity string
	// Relative to the fetcher's base URL, e.g. "workspaces/{id}/items".
	Path string
	// GET when empty.
	Method string
	// JSON body for POST endpoints.
	Body any
	// Dotted path of the item timestamp used for window filtering. No filtering when empty.
	TimeField string
	// Optional endpoints treat 404 as an empty result.
	Optional bool
	// Top level field holding the page items. "value" when empty.
	ItemsField string
}

type Config struct {
	BaseUrl string
	// Token scope requested for every call.
	Scope string
	// Client side pacing. Zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
}

// Fetcher issues upstream requests. It is safe for concurrent use; pipelines sharing a Fetcher share its limiter.
type Fetcher struct {
	client   *http.Client
	baseUrl  *url.URL
	scope    string
	tokens   auth.TokenProvider
	limiter  *rate.Limiter
	executor *retry.Executor
	metrics  *metrics.Metrics
}

func New(config Config, client *http.Client, tokens auth.TokenProvider, executor *retry.Executor, m *metrics.Metrics) (*Fetcher, error) {
	base, err := url.Parse(config.BaseUrl)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &collectorerrors.ErrInvalidArgument{
			Name:    "fabric.baseUrl",
			Value:   config.BaseUrl,
			Message: "must be an absolute URL",
		}
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if m == nil {
		m = metrics.Get()
	}
	return &Fetcher{
		client:   client,
		baseUrl:  base,
		scope:    config.Scope,
		tokens:   tokens,
		limiter:  limiter,
		executor: executor,
		metrics:  m,
	}, nil
}

// Fetch returns an iterator over the pages of endpoint. Nothing is requested until the first call to Next.
func (f *Fetcher) Fetch(endpoint Endpoint, window TimeWindow, params url.Values) *PageIterator {
	return &PageIterator{
		fetcher:  f,
		endpoint: endpoint,
		window:   window,
		params:   params,
	}
}

// GetObject fetches a single JSON object, e.g. a detail endpoint. found is false when an optional resource does
// not exist.
func (f *Fetcher) GetObject(ctx context.Context, path string, params url.Values, optional bool) (obj map[string]any, found bool, err error) {
	target, err := f.resolve(path, params)
	if err != nil {
		return nil, false, err
	}
	err = f.executor.Execute(ctx, func(ctx context.Context) error {
		body, _, err := f.do(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		obj = map[string]any{}
		return decodeJSON(body, &obj)
	})
	if err != nil {
		kind := collectorerrors.KindOf(err)
		if collectorerrors.PolicyFor(kind, optional) == collectorerrors.TreatAsEmpty {
			logctx.FromContext(ctx).Log.Debugf("Optional resource %s not found", path)
			return nil, false, nil
		}
		f.metrics.RecordRequestError(metrics.RequestTargetUpstream, string(kind))
		return nil, false, err
	}
	return obj, true, nil
}

// Probe issues a single GET without retries and reports the status code. Errors are only returned when no
// response was received at all.
func (f *Fetcher) Probe(ctx context.Context, path string) (int, error) {
	target, err := f.resolve(path, nil)
	if err != nil {
		return 0, err
	}
	_, status, err := f.do(ctx, http.MethodGet, target, nil)
	if status != 0 {
		return status, nil
	}
	return 0, err
}

func (f *Fetcher) resolve(path string, params url.Values) (*url.URL, error) {
	rel, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, &collectorerrors.ErrInvalidArgument{Name: "path", Value: path, Message: err.Error()}
	}
	target := f.baseUrl.ResolveReference(rel)
	if len(params) > 0 {
		q := target.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}
	return target, nil
}

// do performs one request attempt. The status code is returned whenever a response was received, even if it is
// an error response.
func (f *Fetcher) do(ctx context.Context, method string, target *url.URL, body []byte) ([]byte, int, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}
		// The limiter gives up early when the wait would outlast the deadline.
		return nil, 0, errors.WithMessage(context.DeadlineExceeded, err.Error())
	}
	token, err := f.tokens.Token(ctx, f.scope)
	if err != nil {
		return nil, 0, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, collectorerrors.WrapTransport(err, target.Path)
	}
	defer resp.Body.Close()

	if err := collectorerrors.FromHTTPResponse(resp, target.Path); err != nil {
		return nil, resp.StatusCode, err
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, collectorerrors.WrapTransport(err, target.Path)
	}
	return payload, resp.StatusCode, nil
}

func decodeJSON(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	d := json.NewDecoder(bytes.NewReader(body))
	d.UseNumber()
	if err := d.Decode(v); err != nil {
		return &collectorerrors.ErrBadRequest{StatusCode: http.StatusOK, Message: "malformed response body: " + err.Error()}
	}
	return nil
}
