package thoughtlog

import (
	"context"
	"sync"
)

// Memory is an in-process sink, used by tests and by the MCP server to
// return the entries a single call produced.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryLog returns a Log writing only to a new Memory sink.
func NewMemoryLog(opts ...Option) (*Log, *Memory) {
	m := &Memory{}
	return New(append([]Option{WithSink(m)}, opts...)...), m
}

func (m *Memory) Write(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything written so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// OfKind returns the entries tagged kind.
func (m *Memory) OfKind(kind Kind) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops all recorded entries.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}
