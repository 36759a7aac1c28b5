package jdwpcapture

import (
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionMethod is the compression used for the records in a capture.
type CompressionMethod string

const (
	CompressionMethodNone   CompressionMethod = ""
	CompressionMethodBrotli CompressionMethod = "brotli"
	CompressionMethodLZ4    CompressionMethod = "lz4"
	CompressionMethodZstd   CompressionMethod = "zstd"
)

// CompressionMethods are the supported methods, in order of preference.
var CompressionMethods = []CompressionMethod{
	CompressionMethodZstd,
	CompressionMethodLZ4,
	CompressionMethodBrotli,
	CompressionMethodNone,
}

func (m CompressionMethod) String() string {
	if m == CompressionMethodNone {
		return "none"
	}
	return string(m)
}

// ParseCompressionMethod parses a method name, accepting "none" for
// [CompressionMethodNone].
func ParseCompressionMethod(s string) (CompressionMethod, error) {
	if s == "none" {
		return CompressionMethodNone, nil
	}
	for _, m := range CompressionMethods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported compression method %q", errors.ErrUnsupported, s)
}

type flushWriteCloser interface {
	io.WriteCloser
	Flush() error
}

type nopFlushWriteCloser struct {
	io.Writer
}

func (nopFlushWriteCloser) Flush() error { return nil }
func (nopFlushWriteCloser) Close() error { return nil }

func compress(method CompressionMethod, w io.Writer) (flushWriteCloser, error) {
	switch method {
	case CompressionMethodNone:
		return nopFlushWriteCloser{w}, nil
	case CompressionMethodBrotli:
		return brotli.NewWriter(w), nil
	case CompressionMethodLZ4:
		return lz4.NewWriter(w), nil
	case CompressionMethodZstd:
		e, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: unsupported compression method %q", errors.ErrUnsupported, method)
	}
}

func decompress(method CompressionMethod, r io.Reader) (io.ReadCloser, error) {
	switch method {
	case CompressionMethodNone:
		return io.NopCloser(r), nil
	case CompressionMethodBrotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case CompressionMethodLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CompressionMethodZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported compression method %q", errors.ErrUnsupported, method)
	}
}
