package mcp

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factlog/internal/knowledge"
)

func newTestServer(t *testing.T, mods ...func(*Deps)) *Server {
	t.Helper()
	deps := Deps{Store: knowledge.NewStore(filepath.Join(t.TempDir(), "knowledge_db.json"))}
	for _, mod := range mods {
		mod(&deps)
	}
	s, err := NewServer(&Config{Name: "factlog-test", Version: "0.0.1", Logger: zap.NewNop()}, deps)
	require.NoError(t, err)
	return s
}

// connect attaches an in-memory client session to s.
func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientT, serverT := mcp.NewInMemoryTransports()

	ss, err := s.mcp.Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestNewServer(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		s := newTestServer(t)
		assert.NotNil(t, s.mcp)
		assert.NotNil(t, s.tracker)
		assert.NotNil(t, s.finder)
	})

	t.Run("nil config uses defaults", func(t *testing.T) {
		s, err := NewServer(nil, Deps{Store: knowledge.NewStore(filepath.Join(t.TempDir(), "k.json"))})
		require.NoError(t, err)
		assert.NotNil(t, s.logger)
	})

	t.Run("missing store", func(t *testing.T) {
		_, err := NewServer(nil, Deps{})
		assert.ErrorContains(t, err, "store is required")
	})
}

func TestServer_ListsTools(t *testing.T) {
	cs := connect(t, newTestServer(t))

	res, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"fact_get",
		"fact_search",
		"fact_upsert",
		"hypothesis_evaluate",
		"integrate_result",
		"related_knowledge",
	}, names)
}

func TestServer_CallFactUpsert(t *testing.T) {
	s := newTestServer(t)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "fact_upsert",
		Arguments: map[string]any{
			"subject":    "cache size",
			"fact":       "48MB",
			"confidence": 0.85,
		},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	f, err := s.store.Get(context.Background(), "cache size")
	require.NoError(t, err)
	assert.Equal(t, "48MB", f.Fact)
	assert.Equal(t, 0.85, f.Confidence)
}
