package ingest

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fabricla/connector/internal/common/collectorerrors"
	"github.com/fabricla/connector/internal/common/ingest/metrics"
	"github.com/fabricla/connector/internal/common/logctx"
	"github.com/fabricla/connector/internal/common/retry"
)

// Uploader puts one batch in its final resting place, e.g. the ingestion sink. Upload makes exactly one attempt;
// retrying is the Ingester's job.
type Uploader interface {
	Upload(ctx *logctx.Context, batch *Batch) error
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusSkipped   Status = "skipped"
)

// FailedBatch describes a batch (or half of one) that could not be delivered. Records rejected by the encoder
// before batching are reported with BatchIndex -1.
type FailedBatch struct {
	BatchIndex int
	Size       int
	Error      error
}

func (f FailedBatch) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Error != nil {
		msg = f.Error.Error()
	}
	return json.Marshal(struct {
		BatchIndex int    `json:"batchIndex"`
		Size       int    `json:"size"`
		Error      string `json:"error"`
	}{f.BatchIndex, f.Size, msg})
}

// IngestionResult summarises one Ingest call. SentCount + FailedCount == TotalCount always holds.
type IngestionResult struct {
	Status        Status        `json:"status"`
	SentCount     int           `json:"sentCount"`
	FailedCount   int           `json:"failedCount"`
	TotalCount    int           `json:"totalCount"`
	FailedBatches []FailedBatch `json:"failedBatches,omitempty"`
	Cancelled     bool          `json:"cancelled,omitempty"`
}

type Config struct {
	// Upper bound on the encoded size of a batch.
	MaxBytes int
	// Upper bound on the number of records in a batch.
	MaxCount int
	// How many times a batch rejected as too large may be halved before it is recorded as failed.
	MaxSplitDepth int
}

// DefaultMaxSplitDepth bounds the recursive halving of batches the sink rejects as too large.
const DefaultMaxSplitDepth = 3

// Ingester drives a Batcher over a record stream and uploads every batch through a retry.Executor.
//
// A batch that still fails once its retries are spent is recorded and the next batch is attempted; authentication
// and authorization failures stop the run and are returned alongside the result so far. Delivery is at least once.
type Ingester struct {
	source   string
	uploader Uploader
	executor *retry.Executor
	config   Config
	metrics  *metrics.Metrics
}

func NewIngester(source string, uploader Uploader, executor *retry.Executor, config Config, m *metrics.Metrics) *Ingester {
	if config.MaxSplitDepth < 0 {
		config.MaxSplitDepth = 0
	}
	if m == nil {
		m = metrics.Get()
	}
	return &Ingester{
		source:   source,
		uploader: uploader,
		executor: executor,
		config:   config,
		metrics:  m,
	}
}

// Ingest uploads every record of the stream. The returned error is non-nil for fatal upload errors (the result
// then reflects what was sent before) and for stream failures other than cancellation. Cancellation is not an
// error: the result is partial, Cancelled is set and unsent records are counted as failed.
func (i *Ingester) Ingest(ctx *logctx.Context, stream RecordStream) (*IngestionResult, error) {
	ctx = logctx.WithLogField(ctx, "source", i.source)
	result := &IngestionResult{}
	batcher := NewBatcher(stream, i.config.MaxBytes, i.config.MaxCount)

	var fatal error
	for batcher.Next(ctx) {
		batch := batcher.Batch()
		if batch.Oversized {
			i.metrics.RecordOversized()
			ctx.Log.Warnf("Record of %d bytes exceeds the %d byte payload limit; sending it on its own", batch.SizeBytes, i.config.MaxBytes)
		}
		if err := i.upload(ctx, batch, 0, result); err != nil {
			if isCancellation(err) {
				result.Cancelled = true
			} else {
				fatal = err
			}
			break
		}
	}

	streamErr := batcher.Err()
	abortErr := fatal
	if isCancellation(streamErr) || (fatal == nil && ctx.Err() != nil) {
		result.Cancelled = true
		abortErr = ctx.Err()
		if abortErr == nil {
			abortErr = streamErr
		}
		streamErr = nil
	}
	for _, err := range batcher.Rejected() {
		result.FailedBatches = append(result.FailedBatches, FailedBatch{BatchIndex: -1, Size: 1, Error: err})
	}
	// Everything read from the stream but never attempted counts as failed.
	if pending := batcher.Pending(); pending > 0 {
		if abortErr == nil {
			abortErr = errors.New("ingestion stopped before the records were sent")
		}
		result.FailedBatches = append(result.FailedBatches, FailedBatch{
			BatchIndex: batcher.PendingIndex(),
			Size:       pending,
			Error:      abortErr,
		})
	}
	unsent := batcher.Pending() + len(batcher.Rejected())
	result.FailedCount += unsent
	result.TotalCount = batcher.Drawn()
	if unsent > 0 {
		i.metrics.RecordBatch(i.source, metrics.BatchOutcomeCancelled, unsent)
	}

	switch {
	case result.TotalCount == 0 && !result.Cancelled:
		result.Status = StatusSkipped
	case result.FailedCount == 0 && !result.Cancelled:
		result.Status = StatusCompleted
	default:
		result.Status = StatusPartial
	}

	ctx.Log.WithFields(logrus.Fields{
		"status":    result.Status,
		"sent":      result.SentCount,
		"failed":    result.FailedCount,
		"total":     result.TotalCount,
		"cancelled": result.Cancelled,
	}).Info("Ingestion finished")

	if fatal != nil {
		return result, fatal
	}
	if streamErr != nil {
		return result, errors.WithMessage(streamErr, "reading record stream")
	}
	return result, nil
}

// upload sends a batch, halving it on payload-too-large rejections. Per batch failures are recorded in result; an
// error is only returned when the whole run must stop (fatal error or cancellation), and by then every record of
// the batch has been accounted for.
func (i *Ingester) upload(ctx *logctx.Context, batch *Batch, depth int, result *IngestionResult) error {
	log := ctx.Log.WithFields(logrus.Fields{"batch": batch.Index, "records": batch.Len(), "bytes": batch.SizeBytes})
	err := i.executor.Execute(ctx, func(c context.Context) error {
		return i.uploader.Upload(logctx.FromContext(c), batch)
	})
	if err == nil {
		result.SentCount += batch.Len()
		i.metrics.RecordBatch(i.source, metrics.BatchOutcomeSent, batch.Len())
		log.Debug("Batch uploaded")
		return nil
	}

	kind := collectorerrors.KindOf(err)
	if kind == collectorerrors.KindPayloadTooLarge && depth < i.config.MaxSplitDepth && batch.Len() > 1 {
		i.metrics.RecordBatchSplit()
		log.Infof("Sink rejected batch as too large; splitting (depth %d)", depth+1)
		halves := batch.Split()
		for n, half := range halves {
			if err := i.upload(ctx, half, depth+1, result); err != nil {
				for _, rest := range halves[n+1:] {
					i.recordFailure(result, rest, err)
				}
				return err
			}
		}
		return nil
	}

	i.recordFailure(result, batch, err)
	i.metrics.RecordRequestError(metrics.RequestTargetSink, string(kind))
	switch {
	case isCancellation(err):
		log.Warn("Ingestion cancelled while uploading batch")
		return err
	case collectorerrors.IsFatal(err):
		log.WithError(err).Error("Fatal error uploading batch; stopping ingestion")
		return err
	default:
		log.WithError(err).Warn("Batch could not be uploaded; continuing with the next one")
		return nil
	}
}

func (i *Ingester) recordFailure(result *IngestionResult, batch *Batch, err error) {
	result.FailedCount += batch.Len()
	result.FailedBatches = append(result.FailedBatches, FailedBatch{
		BatchIndex: batch.Index,
		Size:       batch.Len(),
		Error:      err,
	})
	i.metrics.RecordBatch(i.source, metrics.BatchOutcomeFailed, batch.Len())
}
