package output

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// JSONLWriter appends JSON objects as newline-delimited JSON (JSONL).
// Each run appends to the file, so charge snapshots accumulate over time.
// With gzip every run adds a new gzip member, which gzip readers concatenate.
type JSONLWriter struct {
	file       *os.File
	gzipWriter *gzip.Writer  // nil if not compressing
	writer     *bufio.Writer // Buffered writer for better I/O performance
	mu         sync.Mutex

	writtenCount int
	closed       bool
}

// NewJSONLWriter opens path for appending, creating it and its directory if needed.
// If useGzip is true, the output is compressed with gzip.
func NewJSONLWriter(path string, useGzip bool) (*JSONLWriter, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	var gzipWriter *gzip.Writer
	var baseWriter io.Writer = file

	if useGzip {
		gzipWriter = gzip.NewWriter(file)
		baseWriter = gzipWriter
	}

	return &JSONLWriter{
		file:       file,
		gzipWriter: gzipWriter,
		writer:     bufio.NewWriterSize(baseWriter, 64*1024), // 64KB buffer
	}, nil
}

// Write writes one raw JSON object as a line.
func (w *JSONLWriter) Write(data json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("writer is closed")
	}

	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return err
	}
	w.writtenCount++
	return nil
}

// WriteAny marshals v and writes it as a line.
func (w *JSONLWriter) WriteAny(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return w.Write(data)
}

// Count returns the number of lines written by this writer.
func (w *JSONLWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writtenCount
}

// Close flushes buffered data and closes the file. Closing twice is a no-op.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if err := w.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush buffer: %w", err))
	}
	if w.gzipWriter != nil {
		if err := w.gzipWriter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close gzip writer: %w", err))
		}
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close file: %w", err))
	}
	return errors.Join(errs...)
}
