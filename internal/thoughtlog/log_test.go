package thoughtlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/factlog/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestKinds_ClosedSet(t *testing.T) {
	assert.Len(t, Kinds(), 14)
	for _, k := range Kinds() {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("task_start").Valid())
}

func TestLog_AppendRejectsUnknownKind(t *testing.T) {
	log, mem := NewMemoryLog()

	err := log.Append(context.Background(), Kind("knowledge_search_error"), nil)
	require.ErrorIs(t, err, ErrUnknownKind)
	assert.Empty(t, mem.Entries())
}

func TestFileSink_AppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persistent_thinking", "thinking_log.jsonl")
	clock := time.Unix(1700000000, 500_000_000)
	log := NewFileLog(path, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, KindTaskInsight, map[string]any{"insight": "収益は増加", "confidence": 0.7}))
	require.NoError(t, log.Append(ctx, KindTaskConclusion, map[string]any{"conclusion": "a<b & c"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "収益は増加")
	assert.Contains(t, lines[1], "a<b & c")

	var got []Entry
	require.NoError(t, ReplayFile(path, func(e Entry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, KindTaskInsight, got[0].Type)
	assert.InDelta(t, 1700000000.5, got[0].Timestamp, 1e-6)
	assert.Equal(t, 0.7, got[0].Content["confidence"])
	assert.Equal(t, KindTaskConclusion, got[1].Type)
}

func TestLog_TimestampsNeverDecrease(t *testing.T) {
	times := []time.Time{time.Unix(200, 0), time.Unix(100, 0), time.Unix(300, 0)}
	i := 0
	log, mem := NewMemoryLog(WithClock(func() time.Time {
		ts := times[i]
		i++
		return ts
	}))

	for range times {
		require.NoError(t, log.Append(context.Background(), KindTaskInsight, nil))
	}

	entries := mem.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, 200.0, entries[0].Timestamp)
	assert.Equal(t, 200.0, entries[1].Timestamp)
	assert.Equal(t, 300.0, entries[2].Timestamp)
}

func TestLog_FailingSinkDoesNotStopOthers(t *testing.T) {
	core, observed := observer.New(zap.WarnLevel)
	mem := &Memory{}
	broken := SinkFunc(func(context.Context, Entry) error { return errors.New("disk full") })
	log := New(WithSink(broken), WithSink(mem), WithLogger(zap.New(core)))

	err := log.Append(context.Background(), KindKnowledgeUpdate, map[string]any{"subject": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, mem.Entries(), 1)
	assert.Equal(t, 1, observed.FilterMessage("thought log append failed").Len())
}

func TestFileSink_UnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	sink := NewFileSink(filepath.Join(blocker, "log.jsonl"))
	err := sink.Write(context.Background(), Entry{Type: KindTaskInsight})
	assert.Error(t, err)
}

func TestLog_ScrubsContent(t *testing.T) {
	log, mem := NewMemoryLog(WithScrubber(secrets.MustNew(nil)))

	require.NoError(t, log.Append(context.Background(), KindTaskResultIntegration, map[string]any{
		"note":  "password=supersecretvalue",
		"count": 2,
	}))

	e := mem.Entries()[0]
	assert.NotContains(t, e.Content["note"], "supersecretvalue")
	assert.Equal(t, 2, e.Content["count"])
}

func TestReplay_MalformedLine(t *testing.T) {
	input := `{"timestamp":1,"type":"task_insight","content":{}}

not json
`
	n := 0
	err := Replay(strings.NewReader(input), func(Entry) error { n++; return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
	assert.Equal(t, 1, n)
}

func TestReplayFile_Missing(t *testing.T) {
	called := false
	err := ReplayFile(filepath.Join(t.TempDir(), "absent.jsonl"), func(Entry) error { called = true; return nil })
	assert.NoError(t, err)
	assert.False(t, called)
}

func TestEntry_Time(t *testing.T) {
	e := Entry{Timestamp: 1700000000.25}
	assert.Equal(t, int64(1700000000), e.Time().Unix())
	assert.Equal(t, 250*time.Millisecond, time.Duration(e.Time().Nanosecond()))
}
