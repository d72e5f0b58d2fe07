// Package sink uploads batches of records to a data collection endpoint.
package sink

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/fabricla/connector/internal/collector/auth"
	"github.com/fabricla/connector/internal/common/collectorerrors"
	"github.com/fabricla/connector/internal/common/compress"
	"github.com/fabricla/connector/internal/common/ingest"
	"github.com/fabricla/connector/internal/common/logctx"
)

const (
	ApiVersion   = "2023-01-01"
	DefaultScope = "https://monitor.azure.com/.default"
)

type Config struct {
	// Data collection endpoint, e.g. https://my-dce.westeurope-1.ingest.monitor.azure.com
	Endpoint string
	// Immutable id of the data collection rule
	RuleId     string
	StreamName string
	Scope      string
	Compress   bool
}

// Uploader posts batches to {endpoint}/dataCollectionRules/{rule}/streams/{stream}. It implements ingest.Uploader
// and makes exactly one request per call; retries belong to the caller.
type Uploader struct {
	client     *http.Client
	target     string
	scope      string
	tokens     auth.TokenProvider
	compressor compress.Compressor
}

func NewUploader(config Config, client *http.Client, tokens auth.TokenProvider) (*Uploader, error) {
	endpoint, err := url.Parse(strings.TrimRight(config.Endpoint, "/"))
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, &collectorerrors.ErrInvalidArgument{
			Name:    "sink.endpoint",
			Value:   config.Endpoint,
			Message: "must be an absolute URL",
		}
	}
	if config.RuleId == "" {
		return nil, &collectorerrors.ErrInvalidArgument{Name: "sink.ruleId", Value: config.RuleId, Message: "is required"}
	}
	if config.StreamName == "" {
		return nil, &collectorerrors.ErrInvalidArgument{Name: "sink.streamName", Value: config.StreamName, Message: "is required"}
	}
	if config.Scope == "" {
		config.Scope = DefaultScope
	}
	if client == nil {
		client = http.DefaultClient
	}

	var compressor compress.Compressor = &compress.NoOpCompressor{}
	if config.Compress {
		compressor, err = compress.NewGzipCompressor(0)
		if err != nil {
			return nil, err
		}
	}

	target := fmt.Sprintf(
		"%s/dataCollectionRules/%s/streams/%s?api-version=%s",
		endpoint.String(),
		url.PathEscape(config.RuleId),
		url.PathEscape(config.StreamName),
		ApiVersion,
	)
	return &Uploader{
		client:     client,
		target:     target,
		scope:      config.Scope,
		tokens:     tokens,
		compressor: compressor,
	}, nil
}

func (u *Uploader) Upload(ctx *logctx.Context, batch *ingest.Batch) error {
	token, err := u.tokens.Token(ctx, u.scope)
	if err != nil {
		return err
	}
	body, err := u.compressor.Compress(batch.Payload())
	if err != nil {
		return errors.WithMessagef(err, "compressing batch %d", batch.Index)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.target, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if encoding := u.compressor.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return collectorerrors.WrapTransport(err, "data collection endpoint")
	}
	defer resp.Body.Close()

	if err := collectorerrors.FromHTTPResponse(resp, "data collection endpoint"); err != nil {
		return err
	}
	ctx.Log.Debugf("Uploaded batch %d: %d records, %d bytes (%d on the wire)", batch.Index, batch.Len(), batch.SizeBytes, len(body))
	return nil
}
