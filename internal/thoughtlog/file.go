package thoughtlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// maxLineSize bounds a single replayed entry.
const maxLineSize = 4 * 1024 * 1024

// FileSink appends entries as JSON lines to a file. The file is opened in
// append mode for every write and closed before returning, so nothing is
// read and no handle outlives a call.
type FileSink struct {
	path string
}

// NewFileSink returns a sink writing to path. Parent directories are created on demand.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the log file path.
func (s *FileSink) Path() string { return s.path }

// Write appends e as one line using a single write call.
func (s *FileSink) Write(_ context.Context, e Entry) error {
	line, err := encodeLine(e)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open thought log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write thought log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close thought log: %w", err)
	}
	return nil
}

// encodeLine renders e as JSON without HTML escaping, newline-terminated.
func encodeLine(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return buf.Bytes(), nil
}

// Replay calls fn for each entry read from r, in order. Blank lines are
// skipped; a malformed line stops the replay with its line number.
func Replay(r io.Reader, fn func(Entry) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReplayFile replays the log at path. A missing file replays nothing.
func ReplayFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open thought log: %w", err)
	}
	defer f.Close()
	return Replay(f, fn)
}
