// Package replay persists live stream output as a durable, replayable chunk
// log. A Writer records chunks as they arrive, the Manager drives the
// produce/persist lifecycle with cancellation, and Watchers tail the log
// with adaptive polling.
package replay

import (
	"bufio"
	"context"
	"io"
)

const (
	// scannerBufSize is the initial scanner buffer for line-delimited sources.
	scannerBufSize = 64 * 1024

	// scannerMaxBufSize bounds a single chunk read from a line-delimited
	// source.
	scannerMaxBufSize = 1024 * 1024
)

// Source yields stream chunks in order. Next returns io.EOF when the
// stream is exhausted; any other error aborts persistence.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) ([]byte, error)

// Next calls f.
func (f SourceFunc) Next(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// ForwardFunc receives each chunk after it has been accepted by the writer,
// in seq order. Used to relay chunks to a live consumer while they are
// being persisted.
type ForwardFunc func(chunk []byte) error

// ScannerSource reads newline-delimited chunks from r. Blank lines are
// skipped. Lines longer than scannerMaxBufSize abort the stream with
// bufio.ErrTooLong.
type ScannerSource struct {
	scanner *bufio.Scanner
}

// NewScannerSource wraps r in a line-oriented source.
func NewScannerSource(r io.Reader) *ScannerSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerBufSize), scannerMaxBufSize)
	return &ScannerSource{scanner: scanner}
}

// Next returns the next non-empty line, honoring ctx between reads.
func (s *ScannerSource) Next(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// The scanner reuses its buffer on the next Scan.
		chunk := make([]byte, len(line))
		copy(chunk, line)
		return chunk, nil
	}
}
