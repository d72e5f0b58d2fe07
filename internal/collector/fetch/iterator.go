package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fabricla/connector/internal/collector/normalize"
	"github.com/fabricla/connector/internal/common/collectorerrors"
	"github.com/fabricla/connector/internal/common/ingest/metrics"
	"github.com/fabricla/connector/internal/common/logctx"
)

// RawPage is one page of upstream items, after window filtering.
type RawPage struct {
	Index             int
	Items             []map[string]any
	ContinuationToken string
	StatusCode        int
	// Number of items on the page before filtering.
	Received int
}

// PageIterator pulls pages one request at a time. It is forward only and cannot be restarted; callers that want
// to stop early just stop calling Next.
type PageIterator struct {
	fetcher  *Fetcher
	endpoint Endpoint
	window   TimeWindow
	params   url.Values

	index     int
	nextToken string
	nextUri   string
	started   bool
	done      bool
	current   RawPage
	err       error
}

type pageBody struct {
	Value             []map[string]any `json:"value"`
	ContinuationToken string           `json:"continuationToken"`
	ContinuationUri   string           `json:"continuationUri"`
}

// Next fetches the next page. It returns false once the endpoint has no more pages or a request failed; Err
// distinguishes the two.
func (it *PageIterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	if it.started && it.nextToken == "" && it.nextUri == "" {
		it.finish(nil)
		return false
	}
	it.started = true

	target, err := it.target()
	if err != nil {
		it.finish(err)
		return false
	}

	method := it.endpoint.Method
	if method == "" {
		method = http.MethodGet
	}
	var reqBody []byte
	if it.endpoint.Body != nil {
		reqBody, err = json.Marshal(it.endpoint.Body)
		if err != nil {
			it.finish(errors.WithMessage(err, "encoding request body"))
			return false
		}
	}

	var body pageBody
	var status int
	err = it.fetcher.executor.Execute(ctx, func(ctx context.Context) error {
		payload, s, err := it.fetcher.do(ctx, method, target, reqBody)
		status = s
		if err != nil {
			return err
		}
		body = pageBody{}
		return decodePage(payload, it.endpoint.ItemsField, &body)
	})
	log := logctx.FromContext(ctx).Log.WithFields(logrus.Fields{
		"entity": it.endpoint.Entity,
		"page":   it.index,
	})
	if err != nil {
		kind := collectorerrors.KindOf(err)
		if collectorerrors.PolicyFor(kind, it.endpoint.Optional) == collectorerrors.TreatAsEmpty {
			log.WithField("status", status).Debugf("Optional endpoint %s returned no data", it.endpoint.Path)
			it.finish(nil)
			return false
		}
		it.fetcher.metrics.RecordRequestError(metrics.RequestTargetUpstream, string(kind))
		it.finish(errors.WithMessagef(err, "fetching page %d of %s", it.index, it.endpoint.Path))
		return false
	}

	kept := it.filter(body.Value)
	it.current = RawPage{
		Index:             it.index,
		Items:             kept,
		ContinuationToken: body.ContinuationToken,
		StatusCode:        status,
		Received:          len(body.Value),
	}
	it.fetcher.metrics.RecordPage(it.endpoint.Entity, len(kept), len(body.Value)-len(kept))
	log.WithFields(logrus.Fields{
		"items":  len(body.Value),
		"kept":   len(kept),
		"status": status,
	}).Debug("Fetched page")

	it.index++
	it.nextToken = body.ContinuationToken
	it.nextUri = ""
	if it.nextToken == "" {
		it.nextUri = body.ContinuationUri
	}
	return true
}

func (it *PageIterator) Page() RawPage {
	return it.current
}

func (it *PageIterator) Err() error {
	return it.err
}

func (it *PageIterator) finish(err error) {
	it.done = true
	it.err = err
	it.current = RawPage{}
}

func (it *PageIterator) target() (*url.URL, error) {
	if it.nextUri != "" {
		u, err := url.Parse(it.nextUri)
		if err != nil {
			return nil, &collectorerrors.ErrInvalidArgument{Name: "continuationUri", Value: it.nextUri, Message: err.Error()}
		}
		return it.fetcher.baseUrl.ResolveReference(u), nil
	}
	params := url.Values{}
	for k, vs := range it.params {
		params[k] = append([]string(nil), vs...)
	}
	if it.nextToken != "" {
		params.Set(ContinuationTokenParam, it.nextToken)
	}
	return it.fetcher.resolve(it.endpoint.Path, params)
}

// filter drops items whose timestamp is outside the window. Items without a parsable timestamp are kept. Upstream
// order is not guaranteed to be chronological, so every item is checked.
func (it *PageIterator) filter(items []map[string]any) []map[string]any {
	if it.endpoint.TimeField == "" {
		return items
	}
	kept := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if v, ok := normalize.Lookup(item, it.endpoint.TimeField); ok {
			if s, isString := v.(string); isString {
				if t, err := normalize.ParseTime(s); err == nil && !it.window.Contains(t) {
					continue
				}
			}
		}
		kept = append(kept, item)
	}
	return kept
}

// decodePage accepts the usual {"value": [...]} envelope, an envelope keyed by itemsField, or a bare array.
func decodePage(payload []byte, itemsField string, body *pageBody) error {
	var raw json.RawMessage
	if err := decodeJSON(payload, &raw); err != nil {
		return err
	}
	if len(raw) > 0 && raw[0] == '[' {
		return decodeJSON(raw, &body.Value)
	}
	if err := decodeJSON(raw, body); err != nil {
		return err
	}
	if itemsField == "" || itemsField == "value" {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := decodeJSON(raw, &fields); err != nil {
		return err
	}
	body.Value = nil
	if items, ok := fields[itemsField]; ok && string(items) != "null" {
		return decodeJSON(items, &body.Value)
	}
	return nil
}
