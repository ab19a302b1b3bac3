package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/factlog/internal/config"
	"github.com/fyrsmithlabs/factlog/internal/events"
	"github.com/fyrsmithlabs/factlog/internal/hypothesis"
	"github.com/fyrsmithlabs/factlog/internal/knowledge"
	"github.com/fyrsmithlabs/factlog/internal/logging"
	"github.com/fyrsmithlabs/factlog/internal/sandbox"
	"github.com/fyrsmithlabs/factlog/internal/secrets"
	"github.com/fyrsmithlabs/factlog/internal/telemetry"
	"github.com/fyrsmithlabs/factlog/internal/thoughtlog"
)

const instrumentationName = "github.com/fyrsmithlabs/factlog/cmd/factlog"

// app holds the components every command works with.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	scrubber  secrets.Scrubber
	thoughts  *thoughtlog.Log
	store     *knowledge.Store
	evaluator *sandbox.Evaluator
	nats      *nats.Conn
}

// newApp loads configuration and wires the workspace.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := logger.Underlying()

	if err := config.EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}

	scfg := secrets.DefaultConfig()
	scfg.Engine = cfg.Secrets.Engine
	scrubber, err := secrets.New(scfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create scrubber: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, telemetry: tel, scrubber: scrubber}

	logOpts := []thoughtlog.Option{
		thoughtlog.WithScrubber(scrubber),
		thoughtlog.WithLogger(zl),
	}
	if cfg.NATS.Enabled {
		nc, err := events.Connect(cfg.NATS, zl)
		if err != nil {
			// The file log is enough to keep going.
			logger.Warn(ctx, "thought events disabled", zap.Error(err))
		} else {
			a.nats = nc
			logOpts = append(logOpts, thoughtlog.WithSink(events.NewSink(nc, cfg.NATS.SubjectPrefix)))
		}
	}
	a.thoughts = thoughtlog.NewFileLog(cfg.Workspace.ThoughtLogPath(), logOpts...)

	a.store = knowledge.NewStore(cfg.Workspace.KnowledgePath(),
		knowledge.WithTolerance(cfg.Knowledge.Tolerance),
		knowledge.WithRecorder(a.thoughts),
		knowledge.WithLogger(zl),
		knowledge.WithTracer(tel.Tracer(instrumentationName)),
	)

	a.evaluator = sandbox.New(
		sandbox.WithTimeout(cfg.Sandbox.Timeout.Duration()),
		sandbox.WithAllowedImports(cfg.Sandbox.AllowedImports),
		sandbox.WithLogger(zl),
		sandbox.WithMeter(tel.Meter(instrumentationName)),
	)

	return a, nil
}

func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Observability.LogLevel)
	if err != nil {
		return nil, err
	}
	lcfg.Level = level
	lcfg.Format = cfg.Observability.LogFormat
	lcfg.Output.OTEL = cfg.Observability.EnableTelemetry
	return logging.NewLogger(lcfg, global.GetLoggerProvider())
}

// tracker returns a hypothesis tracker over the store.
func (a *app) tracker(task string) *hypothesis.Tracker {
	return hypothesis.NewTracker(a.store,
		hypothesis.WithRecorder(a.thoughts),
		hypothesis.WithEvaluator(a.evaluator),
		hypothesis.WithPromotionThreshold(a.cfg.Knowledge.PromotionThreshold),
		hypothesis.WithTask(task),
		hypothesis.WithLogger(a.logger.Underlying()),
	)
}

// Close releases connections and flushes telemetry.
func (a *app) Close() error {
	var errs []error
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("nats drain: %w", err))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	_ = a.logger.Sync() // Best-effort sync on shutdown
	return errors.Join(errs...)
}

// withApp runs fn with a freshly wired app and closes it afterwards.
func withApp(ctx context.Context, fn func(*app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
