package hypothesis

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/factlog/internal/knowledge"
	"github.com/fyrsmithlabs/factlog/internal/sandbox"
	"github.com/fyrsmithlabs/factlog/internal/thoughtlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upsertCall struct {
	subject, fact, source string
	confidence            float64
}

type fakeStore struct {
	calls []upsertCall
	err   error
}

func (f *fakeStore) Upsert(_ context.Context, subject, fact string, confidence float64, source string) (bool, error) {
	f.calls = append(f.calls, upsertCall{subject, fact, source, confidence})
	if f.err != nil {
		return false, f.err
	}
	return true, nil
}

type fakeEvaluator struct {
	out *sandbox.Outcome
	err error
}

func (f fakeEvaluator) Evaluate(context.Context, sandbox.Expression) (*sandbox.Outcome, error) {
	return f.out, f.err
}

func TestTracker_AddLogsProposal(t *testing.T) {
	log, mem := thoughtlog.NewMemoryLog()
	tr := NewTracker(&fakeStore{}, WithRecorder(log), WithTask("analyze revenue"))

	h, err := tr.Add(context.Background(), "revenue grows in Q3", 0.6)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, StateProposed, h.State())

	entries := mem.OfKind(thoughtlog.KindTaskHypothesis)
	require.Len(t, entries, 1)
	assert.Equal(t, "revenue grows in Q3", entries[0].Content["hypothesis"])
	assert.Equal(t, "analyze revenue", entries[0].Content["task"])
	assert.Equal(t, h.ID, entries[0].Content["id"])

	_, err = tr.Add(context.Background(), "", 0.5)
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestTracker_VerifyFirstMatchOnly(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(&fakeStore{})

	first, _ := tr.Add(ctx, "same text", 0.5)
	second, _ := tr.Add(ctx, "same text", 0.5)
	other, _ := tr.Add(ctx, "other", 0.5)

	got, err := tr.Verify(ctx, "same text", false, "counterexample", 0.6)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, StateVerifiedFalse, got.State())

	s, _ := tr.Get(second.ID)
	assert.Equal(t, StateProposed, s.State())
	o, _ := tr.Get(other.ID)
	assert.Equal(t, StateProposed, o.State())

	// The first match is terminal, so content lookup stops there.
	_, err = tr.Verify(ctx, "same text", true, "retry", 0.9)
	assert.ErrorIs(t, err, ErrAlreadyVerified)

	got, err = tr.VerifyByID(ctx, second.ID, true, "direct", 0.6)
	require.NoError(t, err)
	assert.Equal(t, StateVerifiedTrue, got.State())
}

func TestTracker_VerifyNotFound(t *testing.T) {
	tr := NewTracker(&fakeStore{})
	_, err := tr.Verify(context.Background(), "missing", true, "", 0.9)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tr.VerifyByID(context.Background(), "nope", true, "", 0.9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTracker_Promotion(t *testing.T) {
	tests := []struct {
		name       string
		verified   bool
		confidence float64
		promoted   bool
	}{
		{"verified above threshold", true, 0.8, true},
		{"verified at threshold", true, 0.7, false},
		{"refuted", false, 0.95, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := &fakeStore{}
			log, mem := thoughtlog.NewMemoryLog()
			tr := NewTracker(store, WithRecorder(log))

			_, err := tr.Add(ctx, "cache hit rate above 90%", 0.5)
			require.NoError(t, err)
			got, err := tr.Verify(ctx, "cache hit rate above 90%", tt.verified, "measured 93%", tt.confidence)
			require.NoError(t, err)

			require.Len(t, mem.OfKind(thoughtlog.KindHypothesisVerification), 1)
			if !tt.promoted {
				assert.Empty(t, store.calls)
				assert.Empty(t, got.PromotedSubject)
				return
			}
			require.Len(t, store.calls, 1)
			assert.Equal(t, upsertCall{
				subject:    "verified hypothesis: cache hit rate above 90%...",
				fact:       "result: measured 93%",
				source:     SourceVerification,
				confidence: tt.confidence,
			}, store.calls[0])
			assert.Equal(t, store.calls[0].subject, got.PromotedSubject)
		})
	}
}

func TestTracker_PromotionFailureIsNotVerifyFailure(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(&fakeStore{err: errors.New("disk full")})
	_, _ = tr.Add(ctx, "h", 0.5)

	got, err := tr.Verify(ctx, "h", true, "e", 0.9)
	require.NoError(t, err)
	assert.Equal(t, StateVerifiedTrue, got.State())
	assert.Empty(t, got.PromotedSubject)
}

func TestPromotionSubject_TruncatesRunes(t *testing.T) {
	long := strings.Repeat("収", 60)
	subj := PromotionSubject(long)
	assert.Equal(t, "verified hypothesis: "+strings.Repeat("収", 50)+"...", subj)
	assert.Equal(t, "verified hypothesis: short...", PromotionSubject("short"))
}

func TestTracker_Counts(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(nil)
	_, _ = tr.Add(ctx, "a", 0.5)
	_, _ = tr.Add(ctx, "b", 0.5)
	_, _ = tr.Add(ctx, "c", 0.5)
	_, _ = tr.Verify(ctx, "a", true, "", 0.9)
	_, _ = tr.Verify(ctx, "b", false, "", 0.9)

	assert.Equal(t, map[State]int{StateProposed: 1, StateVerifiedTrue: 1, StateVerifiedFalse: 1}, tr.Counts())
	assert.Len(t, tr.List(), 3)
}

func TestVerifyWithEvaluation_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		eval      Evaluator
		wantKind  thoughtlog.Kind
		verified  bool
		promoted  bool
		wantError bool
	}{
		{
			name:     "verified result promotes",
			eval:     fakeEvaluator{out: &sandbox.Outcome{Result: 42, Verified: true, Confidence: 0.9, Evidence: "computed"}},
			wantKind: thoughtlog.KindHypothesisSimulation,
			verified: true,
			promoted: true,
		},
		{
			name:     "low confidence does not promote",
			eval:     fakeEvaluator{out: &sandbox.Outcome{Result: 42, Verified: true, Confidence: 0.5}},
			wantKind: thoughtlog.KindHypothesisSimulation,
			verified: true,
		},
		{
			name:     "no result warns",
			eval:     fakeEvaluator{out: &sandbox.Outcome{Confidence: 0.5}},
			wantKind: thoughtlog.KindHypothesisSimulationWarning,
		},
		{
			name:      "failure is captured",
			eval:      fakeEvaluator{err: &sandbox.EvalError{Msg: "panic: boom", Trace: "goroutine 1"}},
			wantKind:  thoughtlog.KindHypothesisSimulationError,
			wantError: true,
		},
		{
			name:      "missing evaluator",
			eval:      nil,
			wantKind:  thoughtlog.KindHypothesisSimulationError,
			wantError: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			log, mem := thoughtlog.NewMemoryLog()
			opts := []Option{WithRecorder(log)}
			if tt.eval != nil {
				opts = append(opts, WithEvaluator(tt.eval))
			}
			tr := NewTracker(store, opts...)

			res := tr.VerifyWithEvaluation(context.Background(), "answer is 42", sandbox.Expression{Code: "result = 42"})
			require.NotNil(t, res)
			assert.Equal(t, tt.verified, res.Verified)
			assert.Equal(t, tt.wantError, res.Error != "")

			entries := mem.Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantKind, entries[0].Type)

			if tt.promoted {
				require.Len(t, store.calls, 1)
				assert.Equal(t, "result: 42", store.calls[0].fact)
				assert.Equal(t, SourceSimulation, store.calls[0].source)
			} else {
				assert.Empty(t, store.calls)
			}
		})
	}
}

func TestVerifyWithEvaluation_Sandbox(t *testing.T) {
	ctx := context.Background()
	store := knowledge.NewStore(filepath.Join(t.TempDir(), "knowledge_db.json"))
	tr := NewTracker(store, WithEvaluator(sandbox.New()))

	res := tr.VerifyWithEvaluation(ctx, "sum of inputs is 10", sandbox.Expression{
		Code: `
total := 0.0
for _, v := range inputs["values"].([]interface{}) {
	total += v.(float64)
}
result = total
verified = math.Abs(total-10) < 1e-9
confidence = 0.95
evidence = "summed inputs"
`,
		Imports: []string{"math"},
		Inputs:  map[string]any{"values": []any{1.0, 2.0, 3.0, 4.0}},
	})
	require.Empty(t, res.Error)
	assert.True(t, res.Verified)
	assert.Equal(t, "10", res.Result)

	f, err := store.Get(ctx, res.PromotedSubject)
	require.NoError(t, err)
	assert.Equal(t, "result: 10", f.Fact)
	assert.Equal(t, 0.95, f.Confidence)
}

func TestVerifyWithEvaluation_ForbiddenImport(t *testing.T) {
	log, mem := thoughtlog.NewMemoryLog()
	tr := NewTracker(nil, WithRecorder(log), WithEvaluator(sandbox.New()))

	res := tr.VerifyWithEvaluation(context.Background(), "h", sandbox.Expression{
		Code:    `result = 1`,
		Imports: []string{"os"},
	})
	assert.False(t, res.Verified)
	assert.Contains(t, res.Error, "forbidden import")
	assert.Len(t, mem.OfKind(thoughtlog.KindHypothesisSimulationError), 1)
}
