// Package taskrun holds the state of one task run: its description, the
// related facts found at start, and the insights, hypotheses and
// conclusions accumulated until it completes or fails.
//
// A Run is created by Start and discarded after Complete or Fail. Nothing
// is shared between runs except the fact store and the thought log.
package taskrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/factlog/internal/hypothesis"
	"github.com/fyrsmithlabs/factlog/internal/integrator"
	"github.com/fyrsmithlabs/factlog/internal/knowledge"
	"github.com/fyrsmithlabs/factlog/internal/logging"
	"github.com/fyrsmithlabs/factlog/internal/related"
	"github.com/fyrsmithlabs/factlog/internal/sandbox"
	"github.com/fyrsmithlabs/factlog/internal/thoughtlog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/factlog/internal/taskrun"

	// UnknownTask is used when a task has no description.
	UnknownTask = "Unknown task"

	DefaultInsightConfidence    = 0.7
	DefaultHypothesisConfidence = 0.6
	DefaultConclusionConfidence = 0.8
	errorPatternConfidence      = 0.7

	SourceConclusion = "task_conclusion"
	SourceError      = "task_execution_error"

	noRelatedInsight = "no related knowledge exists for this task; new knowledge must be acquired"
)

// ErrFinished is returned by operations on a run that already completed or failed.
var ErrFinished = errors.New("task run already finished")

// Store is what a run needs from the fact store.
type Store interface {
	hypothesis.Upserter
	related.Source
}

var _ Store = (*knowledge.Store)(nil)

// TaskInfo identifies the task being run.
type TaskInfo struct {
	ID          string `json:"task_id"`
	Description string `json:"description"`
	PlanID      string `json:"plan_id,omitempty"`
}

// Note is an insight or a conclusion.
type Note struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Timestamp  float64 `json:"timestamp"`
}

// Discussion is a recorded request for multi-agent discussion.
type Discussion struct {
	Topic     string  `json:"topic"`
	Requested bool    `json:"requested"`
	Timestamp float64 `json:"timestamp"`
}

// Summary is reported by Complete.
type Summary struct {
	RunID       string        `json:"run_id"`
	Task        string        `json:"task"`
	Duration    time.Duration `json:"duration"`
	Insights    int           `json:"insights_count"`
	Hypotheses  int           `json:"hypotheses_count"`
	Conclusions int           `json:"conclusions_count"`
}

// Run is one task run.
type Run struct {
	id        string
	info      TaskInfo
	store     Store
	recorder  thoughtlog.Recorder
	tracker   *hypothesis.Tracker
	integ     *integrator.Integrator
	logger    *logging.Logger
	now       func() time.Time
	threshold float64

	ctx   context.Context
	span  trace.Span
	start time.Time

	mu          sync.Mutex
	related     []related.Match
	insights    []Note
	conclusions []Note
	finished    bool
}

type options struct {
	recorder  thoughtlog.Recorder
	evaluator hypothesis.Evaluator
	logger    *logging.Logger
	now       func() time.Time
	threshold float64
	tracer    trace.Tracer
}

// Option configures Start.
type Option func(*options)

// WithRecorder sets the thought log.
func WithRecorder(r thoughtlog.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithEvaluator enables snippet-based hypothesis verification.
func WithEvaluator(e hypothesis.Evaluator) Option {
	return func(o *options) { o.evaluator = e }
}

// WithLogger sets the logger. By default the logger in ctx is used.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPromotionThreshold sets the confidence conclusions and verified
// hypotheses must exceed to become facts.
func WithPromotionThreshold(th float64) Option {
	return func(o *options) { o.threshold = th }
}

// WithTracer sets the tracer for the run span.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// Start begins a run. It logs task_execution_start and looks up related
// facts. With two or more, it proposes that the task relates to the first
// two; with none, it records that new knowledge is needed and requests a
// discussion.
func Start(ctx context.Context, store Store, info TaskInfo, opts ...Option) *Run {
	o := options{
		recorder:  thoughtlog.Nop{},
		now:       time.Now,
		threshold: hypothesis.DefaultPromotionThreshold,
		tracer:    otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.FromContext(ctx)
	}
	if strings.TrimSpace(info.Description) == "" {
		info.Description = UnknownTask
	}

	id := uuid.NewString()
	ctx = logging.WithRunID(ctx, id)
	if info.ID != "" {
		ctx = logging.WithTaskID(ctx, info.ID)
	}
	ctx, span := o.tracer.Start(ctx, "taskrun.Run", trace.WithAttributes(
		attribute.String("run.id", id),
		attribute.String("task.id", info.ID),
	))

	r := &Run{
		id:        id,
		info:      info,
		store:     store,
		recorder:  o.recorder,
		logger:    o.logger,
		now:       o.now,
		threshold: o.threshold,
		ctx:       ctx,
		span:      span,
		start:     o.now(),
	}
	r.tracker = hypothesis.NewTracker(store,
		hypothesis.WithRecorder(o.recorder),
		hypothesis.WithEvaluator(o.evaluator),
		hypothesis.WithPromotionThreshold(o.threshold),
		hypothesis.WithTask(info.Description),
		hypothesis.WithLogger(o.logger.Underlying()),
		hypothesis.WithClock(o.now),
	)
	r.integ = integrator.New(store,
		integrator.WithRecorder(o.recorder),
		integrator.WithLogger(o.logger.Underlying()),
	)

	_ = r.recorder.Append(ctx, thoughtlog.KindTaskExecutionStart, map[string]any{
		"task":               info.Description,
		"task_id":            info.ID,
		"plan_id":            info.PlanID,
		"run_id":             id,
		"timestamp_readable": r.start.Format(time.RFC3339),
	})

	matches := related.New(store).Find(ctx, info.Description, 0)
	r.related = matches
	r.logger.Info(ctx, "task run started",
		zap.String("task", info.Description),
		zap.Int("related_facts", len(matches)),
	)

	switch {
	case len(matches) >= 2:
		content := fmt.Sprintf("task '%s' may be related to %s and %s", info.Description, matches[0].Subject, matches[1].Subject)
		if _, err := r.AddHypothesis(ctx, content, DefaultHypothesisConfidence); err != nil {
			r.logger.Warn(ctx, "initial hypothesis not recorded", zap.Error(err))
		}
	case len(matches) == 0:
		r.AddInsight(ctx, noRelatedInsight, DefaultInsightConfidence)
		r.RequestDiscussion(ctx, fmt.Sprintf("foundational knowledge and hypotheses for %q", info.Description))
	}
	return r
}

// ID returns the run ID.
func (r *Run) ID() string { return r.id }

// Info returns the task being run.
func (r *Run) Info() TaskInfo { return r.info }

// Context returns a context carrying the run's span and IDs.
func (r *Run) Context() context.Context { return r.ctx }

// Related returns the facts found at start.
func (r *Run) Related() []related.Match {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]related.Match(nil), r.related...)
}

// Hypotheses returns the tracked hypotheses.
func (r *Run) Hypotheses() []hypothesis.Hypothesis { return r.tracker.List() }

// Insights returns the recorded insights.
func (r *Run) Insights() []Note {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Note(nil), r.insights...)
}

// Conclusions returns the recorded conclusions.
func (r *Run) Conclusions() []Note {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Note(nil), r.conclusions...)
}

func (r *Run) epoch() float64 {
	return float64(r.now().UnixNano()) / 1e9
}

// AddInsight records an insight.
func (r *Run) AddInsight(ctx context.Context, content string, confidence float64) Note {
	n := Note{Content: content, Confidence: confidence, Timestamp: r.epoch()}
	r.mu.Lock()
	r.insights = append(r.insights, n)
	r.mu.Unlock()

	_ = r.recorder.Append(ctx, thoughtlog.KindTaskInsight, map[string]any{
		"task":       r.info.Description,
		"insight":    content,
		"confidence": confidence,
	})
	return n
}

// AddHypothesis proposes a hypothesis.
func (r *Run) AddHypothesis(ctx context.Context, content string, confidence float64) (hypothesis.Hypothesis, error) {
	return r.tracker.Add(ctx, content, confidence)
}

// Verify verifies the first hypothesis with the given content.
func (r *Run) Verify(ctx context.Context, content string, verified bool, evidence string, confidence float64) (hypothesis.Hypothesis, error) {
	return r.tracker.Verify(ctx, content, verified, evidence, confidence)
}

// VerifyByID verifies the hypothesis with the given ID.
func (r *Run) VerifyByID(ctx context.Context, id string, verified bool, evidence string, confidence float64) (hypothesis.Hypothesis, error) {
	return r.tracker.VerifyByID(ctx, id, verified, evidence, confidence)
}

// VerifyWithEvaluation tests a hypothesis with a sandboxed snippet.
func (r *Run) VerifyWithEvaluation(ctx context.Context, content string, expr sandbox.Expression) *hypothesis.EvaluationResult {
	return r.tracker.VerifyWithEvaluation(ctx, content, expr)
}

// ConclusionSubject is the fact subject a promoted conclusion of the task
// described by desc is stored under.
func ConclusionSubject(desc string) string {
	rs := []rune(desc)
	if len(rs) > 50 {
		rs = rs[:50]
	}
	return "task conclusion: " + string(rs) + "..."
}

// AddConclusion records a conclusion and, when its confidence exceeds the
// promotion threshold, writes it as a fact.
func (r *Run) AddConclusion(ctx context.Context, content string, confidence float64) Note {
	n := Note{Content: content, Confidence: confidence, Timestamp: r.epoch()}
	r.mu.Lock()
	r.conclusions = append(r.conclusions, n)
	r.mu.Unlock()

	_ = r.recorder.Append(ctx, thoughtlog.KindTaskConclusion, map[string]any{
		"task":       r.info.Description,
		"conclusion": content,
		"confidence": confidence,
	})

	if confidence > r.threshold {
		if _, err := r.store.Upsert(ctx, ConclusionSubject(r.info.Description), content, confidence, SourceConclusion); err != nil {
			r.logger.Warn(ctx, "conclusion not persisted", zap.Error(err))
		}
	}
	return n
}

// RequestDiscussion records a request for multi-agent discussion of topic.
func (r *Run) RequestDiscussion(ctx context.Context, topic string) Discussion {
	d := Discussion{Topic: topic, Requested: true, Timestamp: r.epoch()}
	_ = r.recorder.Append(ctx, thoughtlog.KindMultiAgentDiscussionRequest, map[string]any{
		"task":      r.info.Description,
		"topic":     topic,
		"timestamp": d.Timestamp,
	})
	return d
}

// Integrate submits the task result to the fact store.
func (r *Run) Integrate(ctx context.Context, result any, confidence float64) bool {
	return r.integ.Integrate(ctx, r.info.Description, result, confidence)
}

// Fail records err as the run's outcome and stores its type as an error
// pattern fact. The run is finished afterwards.
func (r *Run) Fail(ctx context.Context, err error) error {
	if err := r.finish(); err != nil {
		return err
	}
	if err == nil {
		err = errors.New("unspecified failure")
	}
	kind := ErrorType(err)

	_ = r.recorder.Append(ctx, thoughtlog.KindTaskExecutionError, map[string]any{
		"task":          r.info.Description,
		"error_type":    kind,
		"error_message": err.Error(),
	})
	if _, uerr := r.store.Upsert(ctx, "error pattern: "+kind, "occurred during task execution: "+err.Error(), errorPatternConfidence, SourceError); uerr != nil {
		r.logger.Warn(ctx, "error pattern not persisted", zap.Error(uerr))
	}

	r.logger.Error(ctx, "task run failed", zap.String("task", r.info.Description), zap.Error(err))
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, kind)
	r.span.End()
	return nil
}

// Complete logs task_execution_complete with the run's duration and counts.
func (r *Run) Complete(ctx context.Context) (Summary, error) {
	if err := r.finish(); err != nil {
		return Summary{}, err
	}

	sum := Summary{
		RunID:       r.id,
		Task:        r.info.Description,
		Duration:    r.now().Sub(r.start),
		Insights:    len(r.Insights()),
		Hypotheses:  len(r.tracker.List()),
		Conclusions: len(r.Conclusions()),
	}
	_ = r.recorder.Append(ctx, thoughtlog.KindTaskExecutionComplete, map[string]any{
		"task":              sum.Task,
		"execution_time":    sum.Duration.Seconds(),
		"insights_count":    sum.Insights,
		"hypotheses_count":  sum.Hypotheses,
		"conclusions_count": sum.Conclusions,
	})

	r.logger.Info(ctx, "task run complete",
		zap.String("task", sum.Task),
		zap.Duration("duration", sum.Duration),
	)
	r.span.SetAttributes(
		attribute.Int("run.insights", sum.Insights),
		attribute.Int("run.hypotheses", sum.Hypotheses),
		attribute.Int("run.conclusions", sum.Conclusions),
	)
	r.span.End()
	return sum, nil
}

func (r *Run) finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}
	r.finished = true
	return nil
}

// ErrorType names the concrete type of err without package path or pointer
// marker, e.g. "PathError" for *fs.PathError.
func ErrorType(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimLeft(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
