package thoughtlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/factlog/internal/secrets"
	"go.uber.org/zap"
)

// ErrUnknownKind is returned by Append for a kind outside the closed set.
var ErrUnknownKind = errors.New("unknown thought log kind")

// Entry is one thought log record.
type Entry struct {
	Timestamp float64        `json:"timestamp"`
	Type      Kind           `json:"type"`
	Content   map[string]any `json:"content"`
}

// Time converts Timestamp to a time.Time.
func (e Entry) Time() time.Time {
	sec := int64(e.Timestamp)
	return time.Unix(sec, int64((e.Timestamp-float64(sec))*1e9))
}

// Recorder is what producers depend on.
type Recorder interface {
	Append(ctx context.Context, kind Kind, content map[string]any) error
}

// Sink persists or forwards entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Write(ctx context.Context, e Entry) error { return f(ctx, e) }

// Log stamps entries, scrubs their content and fans them out to sinks.
// Timestamps never decrease within one Log.
type Log struct {
	sinks    []Sink
	scrubber secrets.Scrubber
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	last float64
}

// Option configures a Log.
type Option func(*Log)

// WithSink adds a sink. Sinks are written in the order added.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, s) }
}

// WithScrubber scrubs string content before it reaches any sink.
func WithScrubber(s secrets.Scrubber) Option {
	return func(l *Log) { l.scrubber = s }
}

// WithLogger sets the logger used to report failed appends.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a Log. With no sinks every Append is a no-op.
func New(opts ...Option) *Log {
	l := &Log{
		scrubber: secrets.NoopScrubber{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewFileLog is New with a FileSink at path prepended.
func NewFileLog(path string, opts ...Option) *Log {
	return New(append([]Option{WithSink(NewFileSink(path))}, opts...)...)
}

// Append records one entry in every sink. All sinks are attempted; the
// returned error joins the individual failures.
func (l *Log) Append(ctx context.Context, kind Kind, content map[string]any) error {
	if !kind.Valid() {
		appendsTotal.WithLabelValues(string(kind), "invalid").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if content == nil {
		content = map[string]any{}
	}
	if scrubbed, ok := secrets.ScrubValue(l.scrubber, content).(map[string]any); ok {
		content = scrubbed
	}

	e := Entry{Timestamp: l.timestamp(), Type: kind, Content: content}

	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		appendsTotal.WithLabelValues(string(kind), "failed").Inc()
		l.logger.Warn("thought log append failed", zap.String("kind", string(kind)), zap.Error(err))
		return fmt.Errorf("append %s: %w", kind, err)
	}
	appendsTotal.WithLabelValues(string(kind), "ok").Inc()
	return nil
}

func (l *Log) timestamp() float64 {
	ts := float64(l.now().UnixNano()) / 1e9

	l.mu.Lock()
	defer l.mu.Unlock()
	if ts < l.last {
		ts = l.last
	}
	l.last = ts
	return ts
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Append(context.Context, Kind, map[string]any) error { return nil }

var (
	_ Recorder = (*Log)(nil)
	_ Recorder = Nop{}
)
