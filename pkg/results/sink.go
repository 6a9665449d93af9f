// Package results writes append-only timestamped CSV output files. Both the
// sequence engines and the monitoring coordinator log through it.
package results

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// timestampLayout qualifies every output file name.
const timestampLayout = "20060102_150405"

// Sink creates uniquely named CSV files under one directory.
type Sink struct {
	dir string
	mu  sync.Mutex
}

// NewSink makes sure dir exists and returns a sink rooted there.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, pkgerrors.Wrapf(err, "create results directory %s", dir)
	}
	return &Sink{dir: dir}, nil
}

// Dir returns the sink's root directory.
func (s *Sink) Dir() string { return s.dir }

// Create opens a fresh CSV file named "<prefix>_<timestamp>.csv" and writes
// the header row. Names never collide: when two sessions start within the
// same second a numeric suffix keeps them apart.
func (s *Sink) Create(prefix string, header []string) (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := time.Now().Format(timestampLayout)
	path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.csv", prefix, stamp))
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(s.dir, fmt.Sprintf("%s_%s_%d.csv", prefix, stamp, n))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "create %s", path)
	}

	w := &Writer{f: f, cw: csv.NewWriter(f), path: path}
	if err := w.Append(header...); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// Writer is one append-only CSV stream. Every row is flushed immediately so
// partial output survives an aborted session.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	cw   *csv.Writer
	path string
}

// Path returns the file's full path.
func (w *Writer) Path() string { return w.path }

// Append writes one row and flushes it.
func (w *Writer) Append(fields ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.cw.Write(fields); err != nil {
		return pkgerrors.Wrapf(err, "append to %s", w.path)
	}
	w.cw.Flush()
	return pkgerrors.Wrapf(w.cw.Error(), "flush %s", w.path)
}

// Close flushes and closes the file. Safe to call repeatedly.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	w.cw.Flush()
	err := w.f.Close()
	w.f = nil
	return err
}
