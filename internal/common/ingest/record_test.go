package ingest

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabricla/connector/internal/common/collectorerrors"
)

const testTime = "2024-03-01T10:00:00Z"

func TestNewRecord_RequiresTimeGenerated(t *testing.T) {
	_, err := NewRecord(Field{"RunId", "r1"})
	var invalid *collectorerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))

	_, err = NewRecord(Field{TimeGeneratedField, ""})
	assert.Error(t, err)
}

func TestRecord_MarshalPreservesOrder(t *testing.T) {
	r := MustNewRecord(
		Field{"WorkspaceId", "ws"},
		Field{TimeGeneratedField, testTime},
		Field{"DurationMs", int64(1500)},
		Field{"Nested", map[string]any{"b": 1, "a": 2}},
	)
	b, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"WorkspaceId":"ws","TimeGenerated":"2024-03-01T10:00:00Z","DurationMs":1500,"Nested":{"a":2,"b":1}}`, string(b))
	assert.Equal(t, []string{"WorkspaceId", TimeGeneratedField, "DurationMs", "Nested"}, r.Keys())
}

func TestRecord_DuplicateKeyKeepsPosition(t *testing.T) {
	r := MustNewRecord(
		Field{"Status", "InProgress"},
		Field{TimeGeneratedField, testTime},
		Field{"Status", "Completed"},
	)
	assert.Equal(t, 2, r.Len())
	v, ok := r.Get("Status")
	assert.True(t, ok)
	assert.Equal(t, "Completed", v)
	assert.Equal(t, []string{"Status", TimeGeneratedField}, r.Keys())
}

func TestRecord_FieldsIsACopy(t *testing.T) {
	r := MustNewRecord(Field{TimeGeneratedField, testTime}, Field{"A", 1})
	fields := r.Fields()
	fields[1].Value = 2
	v, _ := r.Get("A")
	assert.Equal(t, 1, v)
}

func TestEncodeRecords(t *testing.T) {
	records := []Record{
		MustNewRecord(Field{TimeGeneratedField, testTime}, Field{"A", 1}),
		MustNewRecord(Field{TimeGeneratedField, testTime}, Field{"A", 2}),
	}
	b, err := EncodeRecords(records)
	require.NoError(t, err)
	assert.Equal(t, `[{"TimeGenerated":"2024-03-01T10:00:00Z","A":1},{"TimeGenerated":"2024-03-01T10:00:00Z","A":2}]`, string(b))

	b, err = EncodeRecords(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))
}
