package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/factlog/internal/integrator"
	"github.com/fyrsmithlabs/factlog/internal/knowledge"
	"github.com/fyrsmithlabs/factlog/internal/related"
	"github.com/fyrsmithlabs/factlog/internal/taskrun"
	"github.com/fyrsmithlabs/factlog/internal/thoughtlog"
)

// setupWorkspace points the CLI at a fresh workspace under t.TempDir.
func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FACTLOG_WORKSPACE_ROOT", dir)
	t.Setenv("FACTLOG_OBSERVABILITY_LOG_LEVEL", "error")
	return dir
}

// resetFlags restores every package-level flag to its default so runs
// do not leak into each other.
func resetFlags() {
	configPath = ""
	jsonOutput = false
	factConfidence, factSource, factQuery = 0, "cli", ""
	relatedLimit, relatedRank = related.DefaultLimit, false
	integrateConfidence = integrator.DefaultConfidence
	evalImports, evalInputs, evalTask = nil, nil, ""
	logKinds, logTail = nil, 0
	runTaskID, runPlanID, runResult = "", "", ""
	runResultConfidence = integrator.DefaultConfidence
	runInsights, runConclusions = nil, nil
	runConclusionConfidence = taskrun.DefaultConclusionConfidence
	serveHost, servePort = "", 0
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "config.yaml")}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := []string{"config", "eval", "fact", "integrate", "log", "mcp", "related", "run", "serve", "watch"}
	var got []string
	for _, c := range rootCmd.Commands() {
		if c.Name() == "help" || c.Name() == "completion" {
			continue
		}
		got = append(got, c.Name())
		assert.NotEmpty(t, c.Short, "%s should have a short description", c.Name())
	}
	assert.ElementsMatch(t, want, got)
}

func TestFactCmd_PutGetList(t *testing.T) {
	setupWorkspace(t)

	out, err := execute(t, "", "fact", "put", "metric_x", "value is 42", "--confidence", "0.9")
	require.NoError(t, err)
	assert.Contains(t, out, "accepted")

	out, err = execute(t, "", "--json", "fact", "get", "metric_x")
	require.NoError(t, err)
	var f knowledge.Fact
	require.NoError(t, json.Unmarshal([]byte(out), &f))
	assert.Equal(t, "value is 42", f.Fact)
	assert.Equal(t, 0.9, f.Confidence)
	assert.Equal(t, "cli", f.Source)

	out, err = execute(t, "", "fact", "list", "-q", "VALUE")
	require.NoError(t, err)
	assert.Contains(t, out, "metric_x")

	out, err = execute(t, "", "fact", "list", "-q", "nothing-like-this")
	require.NoError(t, err)
	assert.Contains(t, out, "No facts found.")
}

func TestFactCmd_PutRejected(t *testing.T) {
	setupWorkspace(t)

	_, err := execute(t, "", "fact", "put", "metric_x", "high", "--confidence", "0.9")
	require.NoError(t, err)

	out, err := execute(t, "", "--json", "fact", "put", "metric_x", "low", "--confidence", "0.5")
	require.NoError(t, err)
	var resp struct {
		Accepted bool           `json:"accepted"`
		Current  knowledge.Fact `json:"current"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.False(t, resp.Accepted)
	assert.Equal(t, "high", resp.Current.Fact)
}

func TestFactCmd_GetMissing(t *testing.T) {
	setupWorkspace(t)
	_, err := execute(t, "", "fact", "get", "absent")
	assert.ErrorContains(t, err, `no fact for "absent"`)
}

func TestIntegrateCmd_Stdin(t *testing.T) {
	setupWorkspace(t)

	out, err := execute(t, `{"latency_ms": 42, "status": "ok", "nested": {"a": 1}}`,
		"--json", "integrate", "measure latency")
	require.NoError(t, err)
	var sum integrator.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 2, sum.Extracted)
	assert.Equal(t, 2, sum.Accepted)

	out, err = execute(t, "", "--json", "fact", "get", "measure latency - latency_ms")
	require.NoError(t, err)
	var f knowledge.Fact
	require.NoError(t, json.Unmarshal([]byte(out), &f))
	assert.Equal(t, "42", f.Fact)
	assert.Equal(t, integrator.DefaultConfidence, f.Confidence)
}

func TestIntegrateCmd_NothingToIntegrate(t *testing.T) {
	setupWorkspace(t)
	_, err := execute(t, "", "integrate", "summarize")
	assert.ErrorContains(t, err, "nothing to integrate")
}

func TestIntegrateCmd_ConfidenceOutOfRange(t *testing.T) {
	setupWorkspace(t)
	_, err := execute(t, `{"n": 1}`, "integrate", "measure", "--confidence", "1.5")
	assert.ErrorContains(t, err, "--confidence must be between 0 and 1")
}

func TestRelatedCmd(t *testing.T) {
	setupWorkspace(t)
	_, err := execute(t, "", "fact", "put", "api latency", "p99 is 120ms", "--confidence", "0.6")
	require.NoError(t, err)
	_, err = execute(t, "", "fact", "put", "database size", "40GB", "--confidence", "0.9")
	require.NoError(t, err)

	out, err := execute(t, "", "--json", "related", "measure latency of the api")
	require.NoError(t, err)
	var matches []related.Match
	require.NoError(t, json.Unmarshal([]byte(out), &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "api latency", matches[0].Subject)
	assert.Equal(t, "latency", matches[0].Keyword)
}

func TestLogShowCmd_FilterByType(t *testing.T) {
	setupWorkspace(t)
	_, err := execute(t, "", "fact", "put", "a", "first", "--confidence", "0.9")
	require.NoError(t, err)
	_, err = execute(t, "", "fact", "put", "a", "second", "--confidence", "0.1")
	require.NoError(t, err)

	out, err := execute(t, "", "--json", "log", "show", "--type", string(thoughtlog.KindKnowledgeUpdateRejected))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var e thoughtlog.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &e))
	assert.Equal(t, thoughtlog.KindKnowledgeUpdateRejected, e.Type)
	assert.Equal(t, "a", e.Content["subject"])

	_, err = execute(t, "", "log", "show", "--type", "not_a_kind")
	assert.ErrorIs(t, err, thoughtlog.ErrUnknownKind)
}

func TestEvalCmd(t *testing.T) {
	setupWorkspace(t)
	code := `n := inputs["n"].(float64) * 2
result = n
verified = n > 10
confidence = 0.9`

	out, err := execute(t, code, "--json", "eval", "doubling n exceeds ten", "--input", "n=7")
	require.NoError(t, err)
	var res struct {
		Verified   bool    `json:"verified"`
		HasResult  bool    `json:"has_result"`
		Confidence float64 `json:"confidence"`
		Promoted   string  `json:"promoted_subject"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.HasResult)
	assert.True(t, res.Verified)
	assert.Equal(t, 0.9, res.Confidence)
	assert.NotEmpty(t, res.Promoted)
}

func TestEvalCmd_ForbiddenImport(t *testing.T) {
	setupWorkspace(t)
	out, err := execute(t, "result = 1", "eval", "reads files", "--import", "os")
	require.NoError(t, err)
	assert.Contains(t, out, "error")
}

func TestRunCmd(t *testing.T) {
	dir := setupWorkspace(t)
	resultFile := filepath.Join(dir, "result.json")
	require.NoError(t, os.WriteFile(resultFile, []byte(`{"p99_ms": 120}`), 0o600))

	out, err := execute(t, "", "--json", "run", "measure api latency",
		"--result", resultFile,
		"--insight", "latency looks stable",
		"--conclusion", "p99 latency is stable",
		"--conclusion-confidence", "0.85")
	require.NoError(t, err)

	var resp struct {
		Summary taskrun.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "measure api latency", resp.Summary.Task)
	assert.Equal(t, 1, resp.Summary.Conclusions)
	assert.NotEmpty(t, resp.Summary.RunID)

	out, err = execute(t, "", "--json", "log", "show", "--type", string(thoughtlog.KindTaskExecutionComplete))
	require.NoError(t, err)
	assert.Contains(t, out, "measure api latency")

	_, err = execute(t, "", "fact", "get", "measure api latency - p99_ms")
	assert.NoError(t, err)
}

func TestConfigShowCmd_RedactsToken(t *testing.T) {
	setupWorkspace(t)
	t.Setenv("FACTLOG_NATS_TOKEN", "super-secret-token")

	out, err := execute(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "knowledge:")
	assert.NotContains(t, out, "super-secret-token")
}

func TestParseInputs(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{name: "number", pairs: []string{"n=7"}, want: map[string]any{"n": 7.0}},
		{name: "json string", pairs: []string{`s="x"`}, want: map[string]any{"s": "x"}},
		{name: "bare string", pairs: []string{"s=hello world"}, want: map[string]any{"s": "hello world"}},
		{name: "list", pairs: []string{"l=[1,2]"}, want: map[string]any{"l": []any{1.0, 2.0}}},
		{name: "missing equals", pairs: []string{"n"}, wantErr: true},
		{name: "empty key", pairs: []string{"=1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInputs(tt.pairs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeResult(t *testing.T) {
	m, ok := decodeResult([]byte(` {"n": 5} `)).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("5"), m["n"])

	assert.Equal(t, "a: 1\n", decodeResult([]byte("a: 1\n")))
	assert.Equal(t, "{broken", decodeResult([]byte("{broken")))
}
