package source

import (
	"context"

	"github.com/fabricla/connector/internal/collector/fetch"
	"github.com/fabricla/connector/internal/common/ingest"
)

// pager produces records a page at a time. ok is false once there is nothing left. A page may be empty.
type pager func(ctx context.Context) (records []ingest.Record, ok bool, err error)

// streamOf adapts a pager to a RecordStream, handing out one record at a time.
func streamOf(p pager) ingest.RecordStream {
	var buffered []ingest.Record
	return ingest.FuncStream(func(ctx context.Context) (ingest.Record, bool, error) {
		for len(buffered) == 0 {
			if err := ctx.Err(); err != nil {
				return ingest.Record{}, false, err
			}
			records, ok, err := p(ctx)
			if err != nil || !ok {
				return ingest.Record{}, false, err
			}
			buffered = records
		}
		r := buffered[0]
		buffered = buffered[1:]
		return r, true, nil
	})
}

func empty(context.Context) ([]ingest.Record, bool, error) {
	return nil, false, nil
}

// once yields records as a single page.
func once(records []ingest.Record) pager {
	done := false
	return func(context.Context) ([]ingest.Record, bool, error) {
		if done {
			return nil, false, nil
		}
		done = true
		return records, true, nil
	}
}

// lazy defers building a pager until the first page is requested, so nothing is fetched for streams that are
// never drained.
func lazy(build func(ctx context.Context) (pager, error)) pager {
	var p pager
	return func(ctx context.Context) ([]ingest.Record, bool, error) {
		if p == nil {
			built, err := build(ctx)
			if err != nil {
				return nil, false, err
			}
			p = built
		}
		return p(ctx)
	}
}

// concat drains each pager in turn.
func concat(pagers ...pager) pager {
	return func(ctx context.Context) ([]ingest.Record, bool, error) {
		for len(pagers) > 0 {
			records, ok, err := pagers[0](ctx)
			if err != nil {
				return nil, false, err
			}
			if ok {
				return records, true, nil
			}
			pagers = pagers[1:]
		}
		return nil, false, nil
	}
}

// forEachItem walks the pages of parents and, for every kept item, drains the pager child builds for it.
func forEachItem(parents *fetch.PageIterator, child func(item map[string]any) pager) pager {
	var (
		items   []map[string]any
		current pager
	)
	return func(ctx context.Context) ([]ingest.Record, bool, error) {
		for {
			if current != nil {
				records, ok, err := current(ctx)
				if err != nil {
					return nil, false, err
				}
				if ok {
					return records, true, nil
				}
				current = nil
			}
			if len(items) == 0 {
				if !parents.Next(ctx) {
					return nil, false, parents.Err()
				}
				items = parents.Page().Items
				continue
			}
			current = child(items[0])
			items = items[1:]
		}
	}
}
