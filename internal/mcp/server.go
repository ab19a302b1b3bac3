package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factlog/internal/hypothesis"
	"github.com/fyrsmithlabs/factlog/internal/integrator"
	"github.com/fyrsmithlabs/factlog/internal/knowledge"
	"github.com/fyrsmithlabs/factlog/internal/related"
	"github.com/fyrsmithlabs/factlog/internal/sandbox"
	"github.com/fyrsmithlabs/factlog/internal/secrets"
)

// Server is an MCP server backed by a fact store.
type Server struct {
	mcp        *mcp.Server
	store      *knowledge.Store
	finder     *related.Finder
	integrator *integrator.Integrator
	tracker    *hypothesis.Tracker
	scrubber   secrets.Scrubber
	metrics    *Metrics
	logger     *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "factlog")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "factlog",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// Deps are the components the tools call. Store is required. Tracker
// defaults to one with a default sandbox evaluator.
type Deps struct {
	Store      *knowledge.Store
	Finder     *related.Finder
	Integrator *integrator.Integrator
	Tracker    *hypothesis.Tracker
	Scrubber   secrets.Scrubber
	Metrics    *Metrics
}

// NewServer creates a new MCP server and registers its tools.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Finder == nil {
		deps.Finder = related.New(deps.Store)
	}
	if deps.Integrator == nil {
		deps.Integrator = integrator.New(deps.Store, integrator.WithLogger(cfg.Logger))
	}
	if deps.Tracker == nil {
		deps.Tracker = hypothesis.NewTracker(deps.Store,
			hypothesis.WithEvaluator(sandbox.New(sandbox.WithLogger(cfg.Logger))),
			hypothesis.WithLogger(cfg.Logger),
		)
	}
	if deps.Scrubber == nil {
		deps.Scrubber = secrets.NoopScrubber{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil, cfg.Logger)
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:        mcpServer,
		store:      deps.Store,
		finder:     deps.Finder,
		integrator: deps.Integrator,
		tracker:    deps.Tracker,
		scrubber:   deps.Scrubber,
		metrics:    deps.Metrics,
		logger:     cfg.Logger,
	}

	s.registerTools()

	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	return s.RunTransport(ctx, &mcp.StdioTransport{})
}

// RunTransport serves a single client on t until it disconnects or ctx ends.
func (s *Server) RunTransport(ctx context.Context, t mcp.Transport) error {
	if err := s.mcp.Run(ctx, t); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
