// Package normalize turns raw upstream payloads into flat ingest.Records.
//
// Every entity type is described by a declarative table (entities.go): which context values to emit, which output
// fields to produce and, per field, an ordered list of candidate paths into the payload. Supporting a new upstream
// shape means extending the table.
package normalize

import (
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/fabricla/connector/internal/common/collectorerrors"
	"github.com/fabricla/connector/internal/common/ingest"
)

const durationField = "DurationMs"

// Context holds values known to the caller rather than carried by the payload, e.g. the workspace a run belongs
// to. Empty values are not emitted.
type Context struct {
	WorkspaceID   string
	WorkspaceName string
	ItemID        string
	ItemName      string
	ItemType      string
	CapacityID    string
	RunID         string
	SessionID     string
	ApplicationID string
	ResourceType  string
	// Caveat attached to the record, e.g. that it was read through a less privileged endpoint.
	Note string
}

// Normalizer is pure apart from reading the clock, which is only consulted when a payload carries no usable
// timestamp.
type Normalizer struct {
	clock clock.PassiveClock
}

func New(c clock.PassiveClock) *Normalizer {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Normalizer{clock: c}
}

// Normalize maps one raw item onto a Record. The record starts with TimeGenerated, followed by the context fields
// and then the entity's fields in table order. Absent fields are left out. The only error is an unknown entity
// type.
func (n *Normalizer) Normalize(entityType EntityType, nctx Context, raw map[string]any) (ingest.Record, error) {
	def, ok := entities[entityType]
	if !ok {
		return ingest.Record{}, &collectorerrors.ErrInvalidArgument{
			Name:    "EntityType",
			Value:   string(entityType),
			Message: "unknown entity type",
		}
	}

	start, hasStart := firstTime(raw, def.Start)
	end, hasEnd := firstTime(raw, def.End)
	var generated time.Time
	switch {
	case hasEnd:
		generated = end
	case hasStart:
		generated = start
	default:
		generated = n.clock.Now()
	}

	fields := make([]ingest.Field, 0, 1+len(def.Context)+len(def.Fields)+1)
	fields = append(fields, ingest.Field{Key: ingest.TimeGeneratedField, Value: FormatTime(generated)})
	for _, c := range def.Context {
		if v := c.Value(nctx); v != "" {
			fields = append(fields, ingest.Field{Key: c.Name, Value: v})
		}
	}
	for _, f := range def.Fields {
		if v, ok := first(raw, f.Paths, f.Type); ok {
			fields = append(fields, ingest.Field{Key: f.Name, Value: v})
		}
	}
	if def.ComputeDuration {
		if d, ok := first(raw, def.Duration, anyValue); ok {
			fields = append(fields, ingest.Field{Key: durationField, Value: d})
		} else if hasStart && hasEnd {
			fields = append(fields, ingest.Field{Key: durationField, Value: end.Sub(start).Milliseconds()})
		}
	}
	return ingest.NewRecord(fields...)
}

// Lookup resolves a dotted path ("output.rowsRead") against a decoded JSON object. A null value counts as absent.
func Lookup(raw map[string]any, path string) (any, bool) {
	var current any = raw
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

func first(raw map[string]any, candidates []string, t valueType) (any, bool) {
	for _, p := range candidates {
		v, ok := Lookup(raw, p)
		if !ok {
			continue
		}
		switch t {
		case objectValue:
			if m, isObj := v.(map[string]any); !isObj || len(m) == 0 {
				continue
			}
		case listValue:
			if l, isList := v.([]any); !isList || len(l) == 0 {
				continue
			}
		}
		return v, true
	}
	return nil, false
}

// firstTime returns the first candidate that holds a parsable timestamp.
func firstTime(raw map[string]any, candidates []string) (time.Time, bool) {
	for _, p := range candidates {
		v, ok := Lookup(raw, p)
		if !ok {
			continue
		}
		s, isString := v.(string)
		if !isString {
			continue
		}
		if t, err := ParseTime(s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
