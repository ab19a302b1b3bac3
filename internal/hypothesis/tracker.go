// Package hypothesis tracks the hypotheses proposed during one task run
// and their verification.
//
// A hypothesis starts Proposed and moves once to Verified(true) or
// Verified(false). Verification is terminal. A hypothesis verified true
// with confidence above the promotion threshold is written to the fact
// store as "verified hypothesis: <content prefix>...".
//
// Hypotheses are addressed by ID. Verify also accepts the content string
// and then acts on the first tracked hypothesis with exactly that content;
// later hypotheses with the same text are never reached that way and must
// be verified with VerifyByID.
package hypothesis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/factlog/internal/thoughtlog"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultPromotionThreshold is the confidence a verified hypothesis
	// must exceed to become a fact.
	DefaultPromotionThreshold = 0.7

	// DefaultVerificationConfidence is used by callers that do not
	// supply their own.
	DefaultVerificationConfidence = 0.7

	SourceVerification = "hypothesis_verification"
	SourceSimulation   = "hypothesis_simulation"

	subjectPrefixLen = 50
)

// Errors returned by the tracker.
var (
	ErrNotFound        = errors.New("hypothesis not found")
	ErrAlreadyVerified = errors.New("hypothesis already verified")
	ErrEmptyContent    = errors.New("hypothesis content is empty")
)

// State is the lifecycle position of a hypothesis.
type State string

const (
	StateProposed      State = "proposed"
	StateVerifiedTrue  State = "verified_true"
	StateVerifiedFalse State = "verified_false"
)

// Hypothesis is one tracked claim. Verified is nil until verification.
type Hypothesis struct {
	ID                     string  `json:"id"`
	Content                string  `json:"content"`
	Confidence             float64 `json:"confidence"`
	Timestamp              float64 `json:"timestamp"`
	Verified               *bool   `json:"verified"`
	Evidence               string  `json:"evidence,omitempty"`
	VerificationConfidence float64 `json:"verification_confidence,omitempty"`
	VerificationTime       float64 `json:"verification_time,omitempty"`
	// PromotedSubject is the fact subject written on promotion, if any.
	PromotedSubject string `json:"promoted_subject,omitempty"`
}

// State reports where h is in its lifecycle.
func (h Hypothesis) State() State {
	switch {
	case h.Verified == nil:
		return StateProposed
	case *h.Verified:
		return StateVerifiedTrue
	default:
		return StateVerifiedFalse
	}
}

// Upserter is the part of the fact store the tracker promotes into.
type Upserter interface {
	Upsert(ctx context.Context, subject, fact string, confidence float64, source string) (bool, error)
}

// Tracker holds the hypotheses of one run.
type Tracker struct {
	store     Upserter
	recorder  thoughtlog.Recorder
	evaluator Evaluator
	threshold float64
	task      string
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	items []*Hypothesis
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRecorder sets the thought log.
func WithRecorder(r thoughtlog.Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

// WithEvaluator enables VerifyWithEvaluation.
func WithEvaluator(e Evaluator) Option {
	return func(t *Tracker) { t.evaluator = e }
}

// WithPromotionThreshold overrides DefaultPromotionThreshold.
func WithPromotionThreshold(th float64) Option {
	return func(t *Tracker) { t.threshold = th }
}

// WithTask sets the task description carried in log entries.
func WithTask(desc string) Option {
	return func(t *Tracker) { t.task = desc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates an empty tracker promoting into store.
func NewTracker(store Upserter, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		recorder:  thoughtlog.Nop{},
		threshold: DefaultPromotionThreshold,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) epoch() float64 {
	return float64(t.now().UnixNano()) / 1e9
}

// Add proposes a new hypothesis.
func (t *Tracker) Add(ctx context.Context, content string, confidence float64) (Hypothesis, error) {
	if content == "" {
		return Hypothesis{}, ErrEmptyContent
	}
	h := &Hypothesis{
		ID:         uuid.NewString(),
		Content:    content,
		Confidence: confidence,
		Timestamp:  t.epoch(),
	}

	t.mu.Lock()
	t.items = append(t.items, h)
	snapshot := *h
	t.mu.Unlock()

	_ = t.recorder.Append(ctx, thoughtlog.KindTaskHypothesis, map[string]any{
		"task":       t.task,
		"id":         h.ID,
		"hypothesis": content,
		"confidence": confidence,
	})
	return snapshot, nil
}

// Verify verifies the first hypothesis whose content equals content.
func (t *Tracker) Verify(ctx context.Context, content string, verified bool, evidence string, confidence float64) (Hypothesis, error) {
	return t.verify(ctx, func(h *Hypothesis) bool { return h.Content == content }, content, verified, evidence, confidence)
}

// VerifyByID verifies the hypothesis with the given ID.
func (t *Tracker) VerifyByID(ctx context.Context, id string, verified bool, evidence string, confidence float64) (Hypothesis, error) {
	return t.verify(ctx, func(h *Hypothesis) bool { return h.ID == id }, id, verified, evidence, confidence)
}

func (t *Tracker) verify(ctx context.Context, match func(*Hypothesis) bool, key string, verified bool, evidence string, confidence float64) (Hypothesis, error) {
	t.mu.Lock()
	var target *Hypothesis
	for _, h := range t.items {
		if match(h) {
			target = h
			break
		}
	}
	if target == nil {
		t.mu.Unlock()
		return Hypothesis{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if target.Verified != nil {
		snapshot := *target
		t.mu.Unlock()
		return snapshot, fmt.Errorf("%w: %s", ErrAlreadyVerified, snapshot.ID)
	}

	v := verified
	target.Verified = &v
	target.Evidence = evidence
	target.VerificationConfidence = confidence
	target.VerificationTime = t.epoch()
	content, id := target.Content, target.ID
	t.mu.Unlock()

	_ = t.recorder.Append(ctx, thoughtlog.KindHypothesisVerification, map[string]any{
		"task":       t.task,
		"id":         id,
		"hypothesis": content,
		"verified":   verified,
		"evidence":   evidence,
		"confidence": confidence,
	})

	if verified && confidence > t.threshold {
		if subject := t.promote(ctx, content, "result: "+evidence, confidence, SourceVerification); subject != "" {
			t.mu.Lock()
			target.PromotedSubject = subject
			t.mu.Unlock()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return *target, nil
}

// promote writes the fact and returns its subject when the store accepted it.
func (t *Tracker) promote(ctx context.Context, content, fact string, confidence float64, source string) string {
	if t.store == nil {
		return ""
	}
	subject := PromotionSubject(content)
	ok, err := t.store.Upsert(ctx, subject, fact, confidence, source)
	if err != nil {
		t.logger.Warn("hypothesis promotion not persisted", zap.String("subject", subject), zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return subject
}

// PromotionSubject is the fact subject a promoted hypothesis is stored under.
func PromotionSubject(content string) string {
	return "verified hypothesis: " + prefix(content, subjectPrefixLen) + "..."
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Get returns the hypothesis with the given ID.
func (t *Tracker) Get(id string) (Hypothesis, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.items {
		if h.ID == id {
			return *h, true
		}
	}
	return Hypothesis{}, false
}

// List returns all hypotheses in the order they were added.
func (t *Tracker) List() []Hypothesis {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Hypothesis, len(t.items))
	for i, h := range t.items {
		out[i] = *h
	}
	return out
}

// Counts returns how many hypotheses are in each state.
func (t *Tracker) Counts() map[State]int {
	counts := map[State]int{}
	for _, h := range t.List() {
		counts[h.State()]++
	}
	return counts
}
