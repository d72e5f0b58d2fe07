package compress

import (
	"bytes"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Compressor compresses a request body before it goes on the wire.
type Compressor interface {
	// Compress returns the compressed form of b
	Compress(b []byte) ([]byte, error)
	// ContentEncoding is the value of the Content-Encoding header matching the output, or "" for none
	ContentEncoding() string
}

// NoOpCompressor is a Compressor that does nothing.
type NoOpCompressor struct{}

func (c *NoOpCompressor) Compress(b []byte) ([]byte, error) {
	return b, nil
}

func (c *NoOpCompressor) ContentEncoding() string {
	return ""
}

// GzipCompressor compresses with gzip. A new writer is used for each call so it is safe to share between goroutines.
type GzipCompressor struct {
	level int
}

// NewGzipCompressor returns a GzipCompressor using the given level. Zero selects gzip.DefaultCompression.
func NewGzipCompressor(level int) (*GzipCompressor, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, errors.Errorf("invalid gzip compression level %d", level)
	}
	return &GzipCompressor{level: level}, nil
}

func (c *GzipCompressor) Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := w.Write(b); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func (c *GzipCompressor) ContentEncoding() string {
	return "gzip"
}
