package hypothesis

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/factlog/internal/sandbox"
	"github.com/fyrsmithlabs/factlog/internal/thoughtlog"
	"go.uber.org/zap"
)

// ErrNoEvaluator is reported when VerifyWithEvaluation runs without an evaluator.
var ErrNoEvaluator = errors.New("no evaluator configured")

// Evaluator runs a verification snippet. *sandbox.Evaluator implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, expr sandbox.Expression) (*sandbox.Outcome, error)
}

var _ Evaluator = (*sandbox.Evaluator)(nil)

// EvaluationResult is the outcome of VerifyWithEvaluation. Error and Trace
// are set when the snippet could not be run to completion.
type EvaluationResult struct {
	Hypothesis string  `json:"hypothesis"`
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence,omitempty"`
	Result     string  `json:"result,omitempty"`
	HasResult  bool    `json:"has_result"`
	Timestamp  float64 `json:"timestamp"`
	Error      string  `json:"error,omitempty"`
	Trace      string  `json:"trace,omitempty"`
	// PromotedSubject is set when the result was written as a fact.
	PromotedSubject string `json:"promoted_subject,omitempty"`
}

// VerifyWithEvaluation runs expr to test the hypothesis content. It never
// returns an error: failures are reported in the result and logged as
// hypothesis_simulation_error. Tracked hypotheses are not modified.
func (t *Tracker) VerifyWithEvaluation(ctx context.Context, content string, expr sandbox.Expression) *EvaluationResult {
	res := &EvaluationResult{Hypothesis: content, Timestamp: t.epoch()}

	if t.evaluator == nil {
		t.evaluationFailed(ctx, res, ErrNoEvaluator.Error(), "")
		return res
	}

	out, err := t.evaluator.Evaluate(ctx, expr)
	if err != nil {
		trace := ""
		var evalErr *sandbox.EvalError
		if errors.As(err, &evalErr) {
			trace = evalErr.Trace
		}
		t.evaluationFailed(ctx, res, err.Error(), trace)
		return res
	}

	if !out.HasResult() {
		_ = t.recorder.Append(ctx, thoughtlog.KindHypothesisSimulationWarning, map[string]any{
			"task":       t.task,
			"hypothesis": content,
			"warning":    "evaluation produced no result",
		})
		return res
	}

	res.HasResult = true
	res.Result = fmt.Sprint(out.Result)
	res.Verified = out.Verified
	res.Confidence = out.Confidence
	res.Evidence = out.Evidence

	_ = t.recorder.Append(ctx, thoughtlog.KindHypothesisSimulation, map[string]any{
		"task":       t.task,
		"hypothesis": content,
		"result":     res.Result,
		"verified":   res.Verified,
		"confidence": res.Confidence,
		"evidence":   res.Evidence,
	})

	if res.Verified && res.Confidence > t.threshold {
		res.PromotedSubject = t.promote(ctx, content, "result: "+res.Result, res.Confidence, SourceSimulation)
	}
	return res
}

func (t *Tracker) evaluationFailed(ctx context.Context, res *EvaluationResult, msg, trace string) {
	res.Verified = false
	res.Error = msg
	res.Trace = trace
	t.logger.Debug("hypothesis evaluation failed", zap.String("hypothesis", res.Hypothesis), zap.String("error", msg))
	_ = t.recorder.Append(ctx, thoughtlog.KindHypothesisSimulationError, map[string]any{
		"task":       t.task,
		"hypothesis": res.Hypothesis,
		"error":      msg,
		"trace":      trace,
	})
}
