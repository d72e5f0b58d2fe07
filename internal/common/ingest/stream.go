package ingest

import (
	"context"
)

// RecordStream is a pull based, forward only sequence of records.
//
// Next advances the stream and reports whether a record is available; once it returns false the stream is
// finished and Err reports why (nil on a clean end). Consumers can stop early by simply not calling Next again.
type RecordStream interface {
	Next(ctx context.Context) bool
	Record() Record
	Err() error
}

// SliceStream returns a RecordStream over an in-memory slice.
func SliceStream(records []Record) RecordStream {
	return &sliceStream{records: records, pos: -1}
}

type sliceStream struct {
	records []Record
	pos     int
	err     error
}

func (s *sliceStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return false
	}
	if s.pos+1 >= len(s.records) {
		s.pos = len(s.records)
		return false
	}
	s.pos++
	return true
}

func (s *sliceStream) Record() Record {
	return s.records[s.pos]
}

func (s *sliceStream) Err() error {
	return s.err
}

// FuncStream adapts a generator function to a RecordStream. next returns ok=false at the end of the stream.
func FuncStream(next func(ctx context.Context) (Record, bool, error)) RecordStream {
	return &funcStream{next: next}
}

type funcStream struct {
	next    func(ctx context.Context) (Record, bool, error)
	current Record
	err     error
	done    bool
}

func (s *funcStream) Next(ctx context.Context) bool {
	if s.done {
		return false
	}
	r, ok, err := s.next(ctx)
	if err != nil {
		s.err = err
		s.done = true
		return false
	}
	if !ok {
		s.done = true
		return false
	}
	s.current = r
	return true
}

func (s *funcStream) Record() Record {
	return s.current
}

func (s *funcStream) Err() error {
	return s.err
}
