package compress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Decompressor reverses a Compressor.
type Decompressor interface {
	Decompress(b []byte) ([]byte, error)
}

// NoOpDecompressor is a Decompressor that does nothing.  Useful for tests.
type NoOpDecompressor struct{}

func (d *NoOpDecompressor) Decompress(b []byte) ([]byte, error) {
	return b, nil
}

// GzipDecompressor decompresses gzip.
type GzipDecompressor struct{}

func (d *GzipDecompressor) Decompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

// ForEncoding returns the Decompressor for a Content-Encoding header value.
func ForEncoding(encoding string) (Decompressor, error) {
	switch encoding {
	case "":
		return &NoOpDecompressor{}, nil
	case "gzip":
		return &GzipDecompressor{}, nil
	default:
		return nil, errors.Errorf("unsupported content encoding %q", encoding)
	}
}
