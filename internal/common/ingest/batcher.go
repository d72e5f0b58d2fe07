package ingest

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/fabricla/connector/internal/common/collectorerrors"
)

const (
	// '[' and ']' around the encoded array
	arrayOverhead = 2
	// ',' between two encoded records
	separatorOverhead = 1
)

// Batch is an ordered group of records whose encoded array is at most the batcher's byte limit, unless it holds
// exactly one record that is on its own too large (Oversized).
type Batch struct {
	// Position of the batch in the stream, starting at 0
	Index     int
	Records   []Record
	SizeBytes int
	Oversized bool
	encoded   []json.RawMessage
}

// Payload returns the encoded JSON array for the batch.
func (b *Batch) Payload() []byte {
	return joinEncoded(b.encoded)
}

func (b *Batch) Len() int {
	return len(b.Records)
}

// Split divides the batch into two halves that keep the original index. Batches of fewer than two records cannot
// be split and are returned unchanged as the only element.
func (b *Batch) Split() []*Batch {
	if len(b.Records) < 2 {
		return []*Batch{b}
	}
	mid := len(b.Records) / 2
	return []*Batch{
		newBatch(b.Index, b.Records[:mid], b.encoded[:mid]),
		newBatch(b.Index, b.Records[mid:], b.encoded[mid:]),
	}
}

func newBatch(index int, records []Record, encoded []json.RawMessage) *Batch {
	size := arrayOverhead
	for i, e := range encoded {
		if i > 0 {
			size += separatorOverhead
		}
		size += len(e)
	}
	return &Batch{
		Index:     index,
		Records:   records,
		SizeBytes: size,
		encoded:   encoded,
	}
}

// Batcher groups records from a RecordStream into batches bounded by encoded byte size and by record count
// (whichever limit is hit first). Batches are produced lazily, in input order.
type Batcher struct {
	input    RecordStream
	maxBytes int
	maxCount int

	records []Record
	encoded []json.RawMessage
	size    int

	ready     []*Batch
	current   *Batch
	nextIndex int
	drawn     int
	rejected  []error
	done      bool
	err       error
}

// NewBatcher creates a batcher. maxBytes <= 0 disables the size limit and maxCount <= 0 the count limit.
func NewBatcher(input RecordStream, maxBytes int, maxCount int) *Batcher {
	b := &Batcher{
		input:    input,
		maxBytes: maxBytes,
		maxCount: maxCount,
	}
	b.reset()
	return b
}

// Next advances to the next batch. It returns false when the input is exhausted or failed; Err reports the
// failure.
func (b *Batcher) Next(ctx context.Context) bool {
	for len(b.ready) == 0 && !b.done {
		if !b.input.Next(ctx) {
			b.done = true
			b.err = b.input.Err()
			if !isCancellation(b.err) {
				// Whatever was read before a failure is still handed out; only cancellation abandons it.
				b.flush()
			}
			break
		}
		b.drawn++
		if err := b.add(b.input.Record()); err != nil {
			b.rejected = append(b.rejected, err)
		}
	}
	if len(b.ready) == 0 {
		b.current = nil
		return false
	}
	b.current = b.ready[0]
	b.ready = b.ready[1:]
	return true
}

func (b *Batcher) Batch() *Batch {
	return b.current
}

func (b *Batcher) Err() error {
	return b.err
}

// Drawn is the number of records read from the input so far.
func (b *Batcher) Drawn() int {
	return b.drawn
}

// Rejected returns the errors for records that could not be encoded. Those records are in no batch.
func (b *Batcher) Rejected() []error {
	return b.rejected
}

// Pending is the number of records read from the input that have not been handed out in a batch yet.
func (b *Batcher) Pending() int {
	n := len(b.records)
	for _, r := range b.ready {
		n += len(r.Records)
	}
	return n
}

// PendingIndex is the index the first pending record would have been batched under.
func (b *Batcher) PendingIndex() int {
	if len(b.ready) > 0 {
		return b.ready[0].Index
	}
	return b.nextIndex
}

func (b *Batcher) add(r Record) error {
	encoded, err := r.MarshalJSON()
	if err != nil {
		return errors.WithMessage(err, "encoding record for batching")
	}
	recordSize := len(encoded)

	if b.maxBytes > 0 && arrayOverhead+recordSize > b.maxBytes {
		// Records are atomic: emit it alone and let the caller decide what to do with it.
		b.flush()
		oversized := newBatch(b.nextIndex, []Record{r}, []json.RawMessage{encoded})
		oversized.Oversized = true
		b.nextIndex++
		b.ready = append(b.ready, oversized)
		return nil
	}

	sep := 0
	if len(b.records) > 0 {
		sep = separatorOverhead
	}
	if b.maxBytes > 0 && len(b.records) > 0 && b.size+recordSize+sep > b.maxBytes {
		b.flush()
		sep = 0
	}

	b.records = append(b.records, r)
	b.encoded = append(b.encoded, encoded)
	b.size += recordSize + sep

	if b.maxCount > 0 && len(b.records) >= b.maxCount {
		b.flush()
	}
	return nil
}

func (b *Batcher) flush() {
	if len(b.records) == 0 {
		return
	}
	b.ready = append(b.ready, &Batch{
		Index:     b.nextIndex,
		Records:   b.records,
		SizeBytes: b.size,
		encoded:   b.encoded,
	})
	b.nextIndex++
	b.reset()
}

func (b *Batcher) reset() {
	b.records = nil
	b.encoded = nil
	b.size = arrayOverhead
}

// BatchAll drains a stream into batches. It is a convenience for callers that already hold every record in memory.
func BatchAll(ctx context.Context, records []Record, maxBytes int, maxCount int) ([]*Batch, error) {
	if maxBytes < 0 || maxCount < 0 {
		return nil, &collectorerrors.ErrInvalidArgument{Name: "limits", Value: [2]int{maxBytes, maxCount}, Message: "limits must not be negative"}
	}
	batcher := NewBatcher(SliceStream(records), maxBytes, maxCount)
	var batches []*Batch
	for batcher.Next(ctx) {
		batches = append(batches, batcher.Batch())
	}
	return batches, batcher.Err()
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
