// Package knowledge is the persistent fact store.
//
// Facts live in one JSON snapshot file that is read whole and rewritten
// whole on every accepted write. A write to an existing subject is accepted
// only when its confidence is no more than the tolerance below the stored
// one, so confidence cannot regress by more than that step.
//
// Within a process Upsert is serialized. Across processes there is no lock:
// the store assumes a single writer, and concurrent writers race with the
// last rename winning.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fyrsmithlabs/factlog/internal/thoughtlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultTolerance is how far below the stored confidence a write may be.
	DefaultTolerance = 0.1

	// epsilon absorbs float error so 0.8 - 0.1 accepts 0.7.
	epsilon = 1e-9

	instrumentationName = "github.com/fyrsmithlabs/factlog/internal/knowledge"
)

// Rejection reasons recorded in knowledge_update_rejected entries.
const (
	ReasonLowerConfidence = "lower_confidence"
	ReasonEmptySubject    = "empty_subject"
	ReasonOutOfRange      = "confidence_out_of_range"
)

// Errors returned by Get.
var (
	ErrNotFound = errors.New("fact not found")
)

// Accepts reports whether a write at incoming confidence may replace a
// fact held at existing confidence.
func Accepts(existing, incoming, tolerance float64) bool {
	return incoming >= existing-tolerance-epsilon
}

// ValidConfidence reports whether c is a usable confidence in [0, 1].
func ValidConfidence(c float64) bool {
	return !math.IsNaN(c) && c >= 0 && c <= 1
}

// Store reads and writes the snapshot file at one path.
type Store struct {
	path      string
	tolerance float64
	recorder  thoughtlog.Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithTolerance overrides DefaultTolerance.
func WithTolerance(t float64) Option {
	return func(s *Store) { s.tolerance = t }
}

// WithRecorder sets where update and rejection events are logged.
func WithRecorder(r thoughtlog.Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithLogger sets the operational logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTracer sets the tracer used for Upsert spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Store) { s.tracer = t }
}

// WithClock overrides the time source for last_updated.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store for the snapshot at path. The file need not exist.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:      path,
		tolerance: DefaultTolerance,
		recorder:  thoughtlog.Nop{},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Tolerance returns the configured conflict tolerance.
func (s *Store) Tolerance() float64 { return s.tolerance }

// Load reads the snapshot. A missing, unreadable or malformed file yields
// an empty snapshot; the failure is logged, never returned.
func (s *Store) Load(ctx context.Context) *Snapshot {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			loadFailures.WithLabelValues("io").Inc()
			s.logger.Warn("snapshot unreadable, using empty store", zap.String("path", s.path), zap.Error(err))
		}
		return &Snapshot{}
	}

	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		loadFailures.WithLabelValues("parse").Inc()
		s.logger.Warn("snapshot malformed, using empty store", zap.String("path", s.path), zap.Error(err))
		return &Snapshot{}
	}
	factsGauge.Set(float64(snap.Len()))
	return snap
}

// Save writes snap to a temp file beside the target and renames it into
// place, so readers see either the old or the new snapshot.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	factsGauge.Set(float64(snap.Len()))
	return nil
}

// Upsert writes fact for subject if the conflict rule allows it.
//
// It returns (true, nil) when the write was accepted and persisted,
// (false, nil) when it was rejected, and (false, err) when it was accepted
// but the snapshot could not be saved. Each call logs exactly one
// knowledge_update or knowledge_update_rejected entry.
func (s *Store) Upsert(ctx context.Context, subject, fact string, confidence float64, source string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "knowledge.Upsert", trace.WithAttributes(
		attribute.String("knowledge.subject", subject),
		attribute.Float64("knowledge.confidence", confidence),
		attribute.String("knowledge.source", source),
	))
	defer span.End()

	if subject == "" {
		s.reject(ctx, span, subject, fact, confidence, source, nil, ReasonEmptySubject)
		return false, nil
	}
	if !ValidConfidence(confidence) {
		s.reject(ctx, span, subject, fact, confidence, source, nil, ReasonOutOfRange)
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.Load(ctx)
	existing, found := snap.Get(subject)

	if found && !Accepts(existing.Confidence, confidence, s.tolerance) {
		s.reject(ctx, span, subject, fact, confidence, source, &existing, ReasonLowerConfidence)
		return false, nil
	}

	ts := float64(s.now().UnixNano()) / 1e9
	if found && ts <= existing.LastUpdated {
		ts = math.Nextafter(existing.LastUpdated, math.Inf(1))
	}

	updated := Fact{
		Subject:     subject,
		Fact:        fact,
		Confidence:  confidence,
		LastUpdated: ts,
		Source:      existing.Source,
	}
	if source != "" {
		updated.Source = source
	}
	snap.Put(updated)

	saveErr := s.Save(ctx, snap)

	content := map[string]any{
		"subject":        subject,
		"new_fact":       fact,
		"new_confidence": confidence,
		"source":         updated.Source,
		"created":        !found,
		"success":        saveErr == nil,
	}
	if found {
		content["old_fact"] = existing.Fact
		content["old_confidence"] = existing.Confidence
	} else {
		content["old_fact"] = nil
		content["old_confidence"] = nil
	}
	_ = s.recorder.Append(ctx, thoughtlog.KindKnowledgeUpdate, content)

	if saveErr != nil {
		upsertsTotal.WithLabelValues("persist_failed").Inc()
		span.RecordError(saveErr)
		span.SetStatus(codes.Error, "persist failed")
		s.logger.Error("fact accepted but not persisted", zap.String("subject", subject), zap.Error(saveErr))
		return false, fmt.Errorf("persist %q: %w", subject, saveErr)
	}

	upsertsTotal.WithLabelValues("accepted").Inc()
	span.SetAttributes(attribute.Bool("knowledge.accepted", true))
	s.logger.Debug("fact accepted", zap.String("subject", subject), zap.Float64("confidence", confidence), zap.Bool("created", !found))
	return true, nil
}

func (s *Store) reject(ctx context.Context, span trace.Span, subject, fact string, confidence float64, source string, existing *Fact, reason string) {
	content := map[string]any{
		"subject":        subject,
		"fact":           fact,
		"reason":         reason,
		"new_confidence": confidence,
		"source":         source,
	}
	if existing != nil {
		content["existing_confidence"] = existing.Confidence
		content["existing_fact"] = existing.Fact
	} else {
		content["existing_confidence"] = nil
	}
	_ = s.recorder.Append(ctx, thoughtlog.KindKnowledgeUpdateRejected, content)

	outcome := "rejected"
	if reason != ReasonLowerConfidence {
		outcome = "invalid"
	}
	upsertsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.Bool("knowledge.accepted", false), attribute.String("knowledge.reason", reason))
	s.logger.Debug("fact rejected", zap.String("subject", subject), zap.String("reason", reason))
}

// Get returns the stored fact for subject.
func (s *Store) Get(ctx context.Context, subject string) (Fact, error) {
	f, ok := s.Load(ctx).Get(subject)
	if !ok {
		return Fact{}, fmt.Errorf("%w: %q", ErrNotFound, subject)
	}
	return f, nil
}

// All returns every fact in insertion order.
func (s *Store) All(ctx context.Context) []Fact {
	return s.Load(ctx).Facts()
}

// Find returns, in insertion order, all facts for which match is true.
// It is a linear scan over the whole snapshot.
func (s *Store) Find(ctx context.Context, match func(Fact) bool) []Fact {
	var out []Fact
	s.Load(ctx).Each(func(f Fact) bool {
		if match(f) {
			out = append(out, f)
		}
		return true
	})
	return out
}
