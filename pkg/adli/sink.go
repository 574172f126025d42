package adli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var errSinkClosed = errors.New("adli: sink closed")

// sink is an append-only destination for encoded event lines.
type sink interface {
	write(line []byte) error
	close() error
}

type discardSink struct{}

func (discardSink) write([]byte) error { return nil }
func (discardSink) close() error       { return nil }

// streamSink serializes writes so concurrent events never interleave within a line.
type streamSink struct {
	mu     sync.Mutex
	w      io.Writer
	enc    *zstd.Encoder
	closer io.Closer
	closed bool
	path   string
}

func newWriterSink(w io.Writer) *streamSink {
	return &streamSink{w: w}
}

// openFileSink creates <dir>/<executionID>.adli.jsonl, or the zstd variant when compress is set.
func openFileSink(dir, executionID string, compress bool) (*streamSink, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	suffix := logFileSuffix
	if compress {
		suffix = compressedFileSuffix
	}
	path := filepath.Join(dir, executionID+suffix)

	// Use 0600 (owner-only): variable values may hold secrets
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	s := &streamSink{w: f, closer: f, path: path}
	if compress {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		s.enc = enc
		s.w = enc
	}
	return s, nil
}

func (s *streamSink) write(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSinkClosed
	}
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	// every event must survive an abrupt exit
	if s.enc != nil {
		return s.enc.Flush()
	}
	return nil
}

func (s *streamSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.enc != nil {
		errs = append(errs, s.enc.Close())
	}
	if s.closer != nil {
		errs = append(errs, s.closer.Close())
	}
	return errors.Join(errs...)
}
