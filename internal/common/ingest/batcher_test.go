package ingest

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeOnlyRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = MustNewRecord(Field{TimeGeneratedField, testTime})
	}
	return records
}

func sizedRecords(sizes ...int) []Record {
	records := make([]Record, len(sizes))
	for i, size := range sizes {
		records[i] = MustNewRecord(
			Field{TimeGeneratedField, testTime},
			Field{"Seq", i},
			Field{"Payload", strings.Repeat("x", size)},
		)
	}
	return records
}

func encodedSize(t *testing.T, records []Record) int {
	b, err := EncodeRecords(records)
	require.NoError(t, err)
	return len(b)
}

func TestBatcher_CountLimit(t *testing.T) {
	batches, err := BatchAll(context.Background(), timeOnlyRecords(1500), 950_000, 1000)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(batches), 2)
	total := 0
	for i, b := range batches {
		assert.Equal(t, i, b.Index)
		assert.LessOrEqual(t, b.SizeBytes, 950_000)
		assert.LessOrEqual(t, b.Len(), 1000)
		assert.False(t, b.Oversized)
		total += b.Len()
	}
	assert.Equal(t, 1500, total)
	assert.Equal(t, 1000, batches[0].Len())
	assert.Equal(t, 500, batches[1].Len())
}

func TestBatcher_SizeMatchesEncoding(t *testing.T) {
	records := sizedRecords(10, 200, 30, 400, 5, 5, 5, 250, 90, 120, 60, 310, 1, 0, 77)
	for _, maxBytes := range []int{300, 500, 800, 2000} {
		t.Run(fmt.Sprintf("maxBytes=%d", maxBytes), func(t *testing.T) {
			batches, err := BatchAll(context.Background(), records, maxBytes, 0)
			require.NoError(t, err)
			for _, b := range batches {
				assert.Equal(t, encodedSize(t, b.Records), b.SizeBytes)
				assert.Equal(t, b.SizeBytes, len(b.Payload()))
				if b.Oversized {
					assert.Equal(t, 1, b.Len())
					assert.Greater(t, b.SizeBytes, maxBytes)
				} else {
					assert.LessOrEqual(t, b.SizeBytes, maxBytes)
				}
			}
		})
	}
}

func TestBatcher_FlushesExactlyAtLimit(t *testing.T) {
	records := sizedRecords(20, 20, 20)
	two := encodedSize(t, records[:2])

	batches, err := BatchAll(context.Background(), records, two, 0)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, 2, batches[0].Len())
	assert.Equal(t, two, batches[0].SizeBytes)
	assert.Equal(t, 1, batches[1].Len())

	batches, err = BatchAll(context.Background(), records, two-1, 0)
	require.NoError(t, err)
	require.Len(t, batches, 3)
}

func TestBatcher_OversizedRecordEmittedAlone(t *testing.T) {
	records := sizedRecords(10, 10, 5000, 10)
	batches, err := BatchAll(context.Background(), records, 1000, 0)
	require.NoError(t, err)

	require.Len(t, batches, 3)
	assert.Equal(t, 2, batches[0].Len())
	assert.False(t, batches[0].Oversized)
	assert.Equal(t, 1, batches[1].Len())
	assert.True(t, batches[1].Oversized)
	assert.Equal(t, 1, batches[2].Len())
	assert.False(t, batches[2].Oversized)
}

func TestBatcher_PreservesOrder(t *testing.T) {
	records := sizedRecords(50, 50, 50, 50, 50, 50, 50, 50, 50, 50)
	batches, err := BatchAll(context.Background(), records, 250, 3)
	require.NoError(t, err)

	var seq []any
	for _, b := range batches {
		for _, r := range b.Records {
			v, _ := r.Get("Seq")
			seq = append(seq, v)
		}
	}
	assert.Equal(t, []any{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seq)
}

func TestBatcher_EmptyStream(t *testing.T) {
	batcher := NewBatcher(SliceStream(nil), 100, 10)
	assert.False(t, batcher.Next(context.Background()))
	assert.NoError(t, batcher.Err())
	assert.Equal(t, 0, batcher.Drawn())
}

func TestBatcher_RejectsUnencodableRecords(t *testing.T) {
	records := []Record{
		MustNewRecord(Field{TimeGeneratedField, testTime}),
		MustNewRecord(Field{TimeGeneratedField, testTime}, Field{"Bad", make(chan int)}),
		MustNewRecord(Field{TimeGeneratedField, testTime}),
	}
	batcher := NewBatcher(SliceStream(records), 0, 0)
	require.True(t, batcher.Next(context.Background()))
	assert.Equal(t, 2, batcher.Batch().Len())
	assert.False(t, batcher.Next(context.Background()))
	assert.Len(t, batcher.Rejected(), 1)
	assert.Equal(t, 3, batcher.Drawn())
}

func TestBatcher_StreamErrorFlushesWhatWasRead(t *testing.T) {
	boom := errors.New("boom")
	n := 0
	stream := FuncStream(func(ctx context.Context) (Record, bool, error) {
		if n == 3 {
			return Record{}, false, boom
		}
		n++
		return MustNewRecord(Field{TimeGeneratedField, testTime}), true, nil
	})
	batcher := NewBatcher(stream, 0, 2)
	var sizes []int
	for batcher.Next(context.Background()) {
		sizes = append(sizes, batcher.Batch().Len())
	}
	assert.Equal(t, []int{2, 1}, sizes)
	assert.ErrorIs(t, batcher.Err(), boom)
}

func TestBatcher_CancellationAbandonsAccumulator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	stream := FuncStream(func(ctx context.Context) (Record, bool, error) {
		if err := ctx.Err(); err != nil {
			return Record{}, false, err
		}
		n++
		if n == 3 {
			cancel()
		}
		return MustNewRecord(Field{TimeGeneratedField, testTime}), true, nil
	})
	batcher := NewBatcher(stream, 0, 10)
	assert.False(t, batcher.Next(ctx))
	assert.ErrorIs(t, batcher.Err(), context.Canceled)
	assert.Equal(t, 3, batcher.Pending())
}

func TestBatch_Split(t *testing.T) {
	batches, err := BatchAll(context.Background(), sizedRecords(1, 2, 3, 4, 5), 0, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	halves := batches[0].Split()
	require.Len(t, halves, 2)
	assert.Equal(t, 2, halves[0].Len())
	assert.Equal(t, 3, halves[1].Len())
	for _, h := range halves {
		assert.Equal(t, 0, h.Index)
		assert.Equal(t, encodedSize(t, h.Records), h.SizeBytes)
	}

	single := halves[0].Split()[0].Split()
	assert.Len(t, single, 1)
}

func TestBatchAll_NegativeLimits(t *testing.T) {
	_, err := BatchAll(context.Background(), nil, -1, 0)
	assert.Error(t, err)
}
