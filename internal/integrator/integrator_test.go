package integrator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/factlog/internal/knowledge"
	"github.com/fyrsmithlabs/factlog/internal/thoughtlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	accept func(subject string) bool
	err    error
	seen   []string
}

func (s *stubStore) Upsert(_ context.Context, subject, _ string, _ float64, source string) (bool, error) {
	s.seen = append(s.seen, subject+"|"+source)
	if s.err != nil {
		return false, s.err
	}
	if s.accept == nil {
		return true, nil
	}
	return s.accept(subject), nil
}

func TestExtract_Mapping(t *testing.T) {
	got, err := Extract("Quarterly revenue analysis for the northern region", map[string]any{
		"total":   1250000,
		"growth":  12.5,
		"flat":    3.0,
		"ok":      true,
		"label":   "north",
		"nested":  map[string]any{"x": 1},
		"list":    []int{1, 2},
		"missing": nil,
	})
	require.NoError(t, err)

	prefix := "Quarterly revenue analysis for"
	assert.Equal(t, []Candidate{
		{Subject: prefix + " - flat", Fact: "3.0"},
		{Subject: prefix + " - growth", Fact: "12.5"},
		{Subject: prefix + " - label", Fact: "north"},
		{Subject: prefix + " - ok", Fact: "True"},
		{Subject: prefix + " - total", Fact: "1250000"},
	}, got)
}

func TestExtract_Text(t *testing.T) {
	text := "Revenue: 1.2M\nshort: x\nno separator in this line\nMargin: 18%: adjusted\n  Region :  north  \n"
	got, err := Extract("sales", text)
	require.NoError(t, err)
	assert.Equal(t, []Candidate{
		{Subject: "sales - Revenue", Fact: "1.2M"},
		{Subject: "sales - Margin", Fact: "18%: adjusted"},
		{Subject: "sales - Region", Fact: "north"},
	}, got)
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   error
	}{
		{"nil", nil, ErrEmptyResult},
		{"empty string", "", ErrEmptyResult},
		{"empty map", map[string]any{}, ErrEmptyResult},
		{"empty string map", map[string]string{}, ErrEmptyResult},
		{"number", 42, ErrUnsupportedResult},
		{"slice", []string{"a: b c d e f g"}, ErrUnsupportedResult},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract("task", tt.result)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestExtract_TypedMap(t *testing.T) {
	got, err := Extract("t", map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{"t - a", "1"}, {"t - b", "2"}}, got)
}

func TestFormatScalar(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{"text", "text", true},
		{false, "False", true},
		{7, "7", true},
		{int64(-3), "-3", true},
		{uint8(9), "9", true},
		{2.0, "2.0", true},
		{0.1, "0.1", true},
		{1e-5, "1e-05", true},
		{1e16, "1e+16", true},
		{math.Inf(1), "inf", true},
		{json.Number("42"), "42", true},
		{[]int{1}, "", false},
		{nil, "", false},
	}
	for _, tt := range tests {
		got, ok := FormatScalar(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}

func TestIntegrate_RejectsDoNotFail(t *testing.T) {
	store := &stubStore{accept: func(subject string) bool { return subject == "t - a" }}
	log, mem := thoughtlog.NewMemoryLog()
	in := New(store, WithRecorder(log))

	sum, err := in.IntegrateSummary(context.Background(), "t", map[string]any{"a": 1, "b": 2}, 0.8)
	require.NoError(t, err)
	assert.Equal(t, Summary{Extracted: 2, Accepted: 1, Rejected: 1, Subjects: []string{"t - a"}}, sum)
	assert.Equal(t, []string{"t - a|" + Source, "t - b|" + Source}, store.seen)

	entries := mem.OfKind(thoughtlog.KindTaskResultIntegration)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Content["extracted_knowledge_count"])
	assert.Equal(t, 1, entries[0].Content["accepted_count"])
}

func TestIntegrate_PersistFailuresCounted(t *testing.T) {
	store := &stubStore{err: errors.New("read-only")}
	in := New(store)

	sum, err := in.IntegrateSummary(context.Background(), "t", "Throughput: 120 rps", 0.8)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.True(t, in.Integrate(context.Background(), "t", "Throughput: 120 rps", 0.8))
}

func TestIntegrate_FalseOnlyForBadResult(t *testing.T) {
	log, mem := thoughtlog.NewMemoryLog()
	in := New(&stubStore{}, WithRecorder(log))
	ctx := context.Background()

	assert.False(t, in.Integrate(ctx, "t", nil, 0.8))
	assert.False(t, in.Integrate(ctx, "t", 3.14, 0.8))
	assert.Empty(t, mem.Entries())

	assert.True(t, in.Integrate(ctx, "t", "nothing to extract", 0.8))
	assert.Len(t, mem.OfKind(thoughtlog.KindTaskResultIntegration), 1)
}

func TestIntegrate_WithStore(t *testing.T) {
	ctx := context.Background()
	store := knowledge.NewStore(filepath.Join(t.TempDir(), "knowledge_db.json"))
	in := New(store)

	require.True(t, in.Integrate(ctx, "benchmark", map[string]any{"p99_ms": 42}, 0.9))
	require.True(t, in.Integrate(ctx, "benchmark", map[string]any{"p99_ms": 80}, 0.5))

	f, err := store.Get(ctx, "benchmark - p99_ms")
	require.NoError(t, err)
	assert.Equal(t, "42", f.Fact)
	assert.Equal(t, Source, f.Source)
}
