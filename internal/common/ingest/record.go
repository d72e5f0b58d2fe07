package ingest

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/fabricla/connector/internal/common/collectorerrors"
)

// TimeGeneratedField is the one field every record must carry.
const TimeGeneratedField = "TimeGenerated"

// TimeFormat is the layout used for TimeGenerated and every other normalized timestamp.
const TimeFormat = time.RFC3339Nano

// Field is a single key/value pair of a Record.
type Field struct {
	Key   string
	Value any
}

// Record is an ordered set of fields destined for the ingestion sink. Records are immutable once created and
// marshal to a JSON object whose keys appear in insertion order.
type Record struct {
	fields []Field
	index  map[string]int
}

// NewRecord builds a Record from the supplied fields. A later field with the same key replaces the earlier value
// but keeps the earlier position. TimeGenerated must be present and non-empty.
func NewRecord(fields ...Field) (Record, error) {
	r := Record{
		fields: make([]Field, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if i, ok := r.index[f.Key]; ok {
			r.fields[i].Value = f.Value
			continue
		}
		r.index[f.Key] = len(r.fields)
		r.fields = append(r.fields, f)
	}
	tg, ok := r.Get(TimeGeneratedField)
	if !ok || tg == nil || tg == "" {
		return Record{}, &collectorerrors.ErrInvalidArgument{
			Name:    TimeGeneratedField,
			Value:   tg,
			Message: "every record requires a TimeGenerated value",
		}
	}
	return r, nil
}

// MustNewRecord is NewRecord for callers that already know TimeGenerated is set.
func MustNewRecord(fields ...Field) Record {
	r, err := NewRecord(fields...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Record) Get(key string) (any, bool) {
	i, ok := r.index[key]
	if !ok {
		return nil, false
	}
	return r.fields[i].Value, true
}

func (r Record) Keys() []string {
	keys := make([]string, len(r.fields))
	for i, f := range r.fields {
		keys[i] = f.Key
	}
	return keys
}

func (r Record) Len() int {
	return len(r.fields)
}

// Fields returns a copy of the record's fields in order.
func (r Record) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// MarshalJSON writes the fields as a JSON object in insertion order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, errors.WithMessagef(err, "marshalling field %s", f.Key)
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// EncodeRecords encodes records as a JSON array, exactly as the sink receives them before any transport
// compression. The batcher sizes batches with this encoding.
func EncodeRecords(records []Record) ([]byte, error) {
	encoded := make([]json.RawMessage, len(records))
	for i, r := range records {
		b, err := r.MarshalJSON()
		if err != nil {
			return nil, err
		}
		encoded[i] = b
	}
	return joinEncoded(encoded), nil
}

func joinEncoded(encoded []json.RawMessage) []byte {
	size := arrayOverhead
	for i, e := range encoded {
		if i > 0 {
			size += separatorOverhead
		}
		size += len(e)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, '[')
	for i, e := range encoded {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, e...)
	}
	buf = append(buf, ']')
	return buf
}
