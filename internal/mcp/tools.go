package mcp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factlog/internal/hypothesis"
	"github.com/fyrsmithlabs/factlog/internal/integrator"
	"github.com/fyrsmithlabs/factlog/internal/knowledge"
	"github.com/fyrsmithlabs/factlog/internal/related"
	"github.com/fyrsmithlabs/factlog/internal/sandbox"
)

var errInvalidArgument = errors.New("invalid argument")

const defaultSearchLimit = 20

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidArgument, fmt.Sprintf(format, args...))
}

func text(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

// instrument wraps a typed handler with invocation metrics.
func instrument[In, Out any](s *Server, name string, h mcp.ToolHandlerFor[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		res, out, err := h(ctx, req, args)
		s.metrics.DecrementActive(ctx, name)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
		if err != nil {
			s.logger.Debug("tool call failed", zap.String("tool", name), zap.Error(err))
		}
		return res, out, err
	}
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "fact_upsert",
		Description: "Store a fact about a subject. The write is kept unless its confidence is more than the tolerance below the stored fact's.",
	}, instrument(s, "fact_upsert", s.factUpsert))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "fact_get",
		Description: "Get the stored fact for a subject",
	}, instrument(s, "fact_get", s.factGet))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "fact_search",
		Description: "List stored facts whose subject or text contains the query",
	}, instrument(s, "fact_search", s.factSearch))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "related_knowledge",
		Description: "Find facts sharing keywords with a task description",
	}, instrument(s, "related_knowledge", s.relatedKnowledge))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "integrate_result",
		Description: "Turn a task result (object of scalars or 'label: value' lines) into facts",
	}, instrument(s, "integrate_result", s.integrateResult))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "hypothesis_evaluate",
		Description: "Evaluate a Go snippet in the sandbox to test a hypothesis. The snippet assigns result, verified, confidence and evidence.",
	}, instrument(s, "hypothesis_evaluate", s.hypothesisEvaluate))
}

// ===== FACT TOOLS =====

type factUpsertInput struct {
	Subject    string  `json:"subject" jsonschema:"Subject the fact is about"`
	Fact       string  `json:"fact" jsonschema:"Fact text"`
	Confidence float64 `json:"confidence" jsonschema:"Confidence between 0 and 1"`
	Source     string  `json:"source,omitempty" jsonschema:"Provenance label"`
}

type factUpsertOutput struct {
	Accepted bool            `json:"accepted" jsonschema:"Whether the write replaced the stored fact"`
	Redacted int             `json:"redacted,omitempty" jsonschema:"Number of secrets removed from the fact"`
	Current  *knowledge.Fact `json:"current,omitempty" jsonschema:"Fact stored after the call"`
}

func (s *Server) factUpsert(ctx context.Context, _ *mcp.CallToolRequest, args factUpsertInput) (*mcp.CallToolResult, factUpsertOutput, error) {
	if strings.TrimSpace(args.Subject) == "" {
		return nil, factUpsertOutput{}, invalid("subject is required")
	}
	if !knowledge.ValidConfidence(args.Confidence) {
		return nil, factUpsertOutput{}, invalid("confidence must be between 0 and 1, got %v", args.Confidence)
	}

	scrubbed := s.scrubber.Scrub(args.Fact)
	accepted, err := s.store.Upsert(ctx, args.Subject, scrubbed.Scrubbed, args.Confidence, args.Source)
	if err != nil {
		return nil, factUpsertOutput{}, fmt.Errorf("fact upsert failed: %w", err)
	}

	out := factUpsertOutput{Accepted: accepted, Redacted: scrubbed.TotalFindings}
	if cur, err := s.store.Get(ctx, args.Subject); err == nil {
		out.Current = &cur
	}
	if !accepted && out.Current != nil {
		return text("Fact for %q kept: stored confidence %.2f outranks %.2f", args.Subject, out.Current.Confidence, args.Confidence), out, nil
	}
	return text("Fact stored for %q", args.Subject), out, nil
}

type factGetInput struct {
	Subject string `json:"subject" jsonschema:"Subject to look up"`
}

type factGetOutput struct {
	Fact knowledge.Fact `json:"fact" jsonschema:"Stored fact"`
}

func (s *Server) factGet(ctx context.Context, _ *mcp.CallToolRequest, args factGetInput) (*mcp.CallToolResult, factGetOutput, error) {
	f, err := s.store.Get(ctx, args.Subject)
	if err != nil {
		return nil, factGetOutput{}, fmt.Errorf("%q: %w", args.Subject, err)
	}
	return text("%s: %s (confidence %.2f)", f.Subject, f.Fact, f.Confidence), factGetOutput{Fact: f}, nil
}

type factSearchInput struct {
	Query string `json:"query,omitempty" jsonschema:"Case-insensitive substring; empty lists everything"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 20)"`
}

type factSearchOutput struct {
	Facts []knowledge.Fact `json:"facts" jsonschema:"Matching facts in store order"`
	Count int              `json:"count" jsonschema:"Number of facts returned"`
}

func (s *Server) factSearch(ctx context.Context, _ *mcp.CallToolRequest, args factSearchInput) (*mcp.CallToolResult, factSearchOutput, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	q := strings.ToLower(strings.TrimSpace(args.Query))

	facts := s.store.Find(ctx, func(f knowledge.Fact) bool {
		return q == "" ||
			strings.Contains(strings.ToLower(f.Subject), q) ||
			strings.Contains(strings.ToLower(f.Fact), q)
	})
	if len(facts) > limit {
		facts = facts[:limit]
	}
	if facts == nil {
		facts = []knowledge.Fact{}
	}
	return text("Found %d facts", len(facts)), factSearchOutput{Facts: facts, Count: len(facts)}, nil
}

// ===== TASK TOOLS =====

type relatedInput struct {
	Description string `json:"description" jsonschema:"Task description to extract keywords from"`
	Limit       int    `json:"limit,omitempty" jsonschema:"Maximum matches to return (default: 5)"`
}

type relatedOutput struct {
	Keywords []string        `json:"keywords" jsonschema:"Keywords used for matching"`
	Matches  []related.Match `json:"matches" jsonschema:"Related facts in store order"`
}

func (s *Server) relatedKnowledge(ctx context.Context, _ *mcp.CallToolRequest, args relatedInput) (*mcp.CallToolResult, relatedOutput, error) {
	if strings.TrimSpace(args.Description) == "" {
		return nil, relatedOutput{}, invalid("description is required")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = related.DefaultLimit
	}

	out := relatedOutput{
		Keywords: related.Keywords(args.Description),
		Matches:  s.finder.Find(ctx, args.Description, limit),
	}
	if out.Keywords == nil {
		out.Keywords = []string{}
	}
	if out.Matches == nil {
		out.Matches = []related.Match{}
	}
	return text("Found %d related facts", len(out.Matches)), out, nil
}

type integrateInput struct {
	Description string   `json:"description" jsonschema:"Description of the finished task"`
	Result      any      `json:"result" jsonschema:"Task result: an object of scalar values or a string of 'label: value' lines"`
	Confidence  *float64 `json:"confidence,omitempty" jsonschema:"Confidence for every extracted fact (default: 0.8)"`
}

type integrateOutput struct {
	Extracted int      `json:"extracted" jsonschema:"Candidate facts found in the result"`
	Accepted  int      `json:"accepted" jsonschema:"Candidates the store kept"`
	Rejected  int      `json:"rejected" jsonschema:"Candidates that lost to a stored fact"`
	Failed    int      `json:"failed" jsonschema:"Candidates that could not be persisted"`
	Subjects  []string `json:"subjects,omitempty" jsonschema:"Subjects of accepted candidates"`
}

func (s *Server) integrateResult(ctx context.Context, _ *mcp.CallToolRequest, args integrateInput) (*mcp.CallToolResult, integrateOutput, error) {
	conf := integrator.DefaultConfidence
	if args.Confidence != nil {
		conf = *args.Confidence
	}
	if !knowledge.ValidConfidence(conf) {
		return nil, integrateOutput{}, invalid("confidence must be between 0 and 1, got %v", conf)
	}

	sum, err := s.integrator.IntegrateSummary(ctx, args.Description, wholeNumbers(args.Result), conf)
	if err != nil {
		return nil, integrateOutput{}, err
	}
	out := integrateOutput{
		Extracted: sum.Extracted,
		Accepted:  sum.Accepted,
		Rejected:  sum.Rejected,
		Failed:    sum.Failed,
		Subjects:  sum.Subjects,
	}
	return text("Integrated %d of %d facts", sum.Accepted, sum.Extracted), out, nil
}

// wholeNumbers turns integral numbers in a result object into int64 so
// they render without a fractional part. JSON arguments arrive as float64.
func wholeNumbers(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		if f, ok := val.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			out[k] = int64(f)
			continue
		}
		out[k] = val
	}
	return out
}

type evaluateInput struct {
	Hypothesis string         `json:"hypothesis" jsonschema:"Hypothesis being tested"`
	Code       string         `json:"code" jsonschema:"Go statements forming the body of the evaluation function"`
	Imports    []string       `json:"imports,omitempty" jsonschema:"Standard library packages the code uses"`
	Inputs     map[string]any `json:"inputs,omitempty" jsonschema:"Values available to the code in the inputs map"`
}

func (s *Server) hypothesisEvaluate(ctx context.Context, _ *mcp.CallToolRequest, args evaluateInput) (*mcp.CallToolResult, hypothesis.EvaluationResult, error) {
	if strings.TrimSpace(args.Hypothesis) == "" {
		return nil, hypothesis.EvaluationResult{}, invalid("hypothesis is required")
	}
	res := s.tracker.VerifyWithEvaluation(ctx, args.Hypothesis, sandbox.Expression{
		Code:    args.Code,
		Imports: args.Imports,
		Inputs:  args.Inputs,
	})
	switch {
	case res.Error != "":
		return text("Evaluation failed: %s", res.Error), *res, nil
	case !res.HasResult:
		return text("Evaluation produced no result"), *res, nil
	}
	return text("Result %s, verified=%t, confidence %.2f", res.Result, res.Verified, res.Confidence), *res, nil
}
