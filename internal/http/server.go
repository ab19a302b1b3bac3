// Package http provides HTTP API for factlog.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/factlog/internal/integrator"
	"github.com/fyrsmithlabs/factlog/internal/knowledge"
	"github.com/fyrsmithlabs/factlog/internal/related"
	"github.com/fyrsmithlabs/factlog/internal/secrets"
	"github.com/fyrsmithlabs/factlog/internal/telemetry"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Server provides HTTP endpoints for factlog.
type Server struct {
	echo       *echo.Echo
	store      *knowledge.Store
	finder     *related.Finder
	integrator *integrator.Integrator
	scrubber   secrets.Scrubber
	telemetry  *telemetry.Telemetry
	logger     *zap.Logger
	config     *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64
	Burst     int
}

// Deps are the components the handlers serve. Store is required; the
// others default to instances built over Store.
type Deps struct {
	Store      *knowledge.Store
	Finder     *related.Finder
	Integrator *integrator.Integrator
	Scrubber   secrets.Scrubber
	Telemetry  *telemetry.Telemetry
	Metrics    *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}
	if deps.Finder == nil {
		deps.Finder = related.New(deps.Store)
	}
	if deps.Integrator == nil {
		deps.Integrator = integrator.New(deps.Store, integrator.WithLogger(logger))
	}
	if deps.Scrubber == nil {
		deps.Scrubber = secrets.NoopScrubber{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(strconv.Itoa(maxBodyBytes/1024) + "K"))
	if deps.Metrics != nil {
		e.Use(deps.Metrics.MetricsMiddleware())
	}
	if cfg.RateLimit > 0 {
		e.Use(NewIPRateLimiter(cfg.RateLimit, cfg.Burst, logger).Middleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:       e,
		store:      deps.Store,
		finder:     deps.Finder,
		integrator: deps.Integrator,
		scrubber:   deps.Scrubber,
		telemetry:  deps.Telemetry,
		logger:     logger,
		config:     cfg,
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/facts", s.handleListFacts)
	v1.GET("/facts/:subject", s.handleGetFact)
	v1.PUT("/facts/:subject", s.handlePutFact)
	v1.GET("/related", s.handleRelated)
	v1.POST("/integrate", s.handleIntegrate)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status: "ok",
		Facts:  len(s.store.All(c.Request().Context())),
	}
	if s.telemetry != nil {
		h := s.telemetry.Health()
		resp.Telemetry = &h
	}
	return c.JSON(http.StatusOK, resp)
}

// handleListFacts returns every fact in store order. ?q= keeps only facts
// whose subject or fact contains q, case-insensitively.
func (s *Server) handleListFacts(c echo.Context) error {
	ctx := c.Request().Context()
	q := strings.ToLower(strings.TrimSpace(c.QueryParam("q")))

	var facts []knowledge.Fact
	if q == "" {
		facts = s.store.All(ctx)
	} else {
		facts = s.store.Find(ctx, func(f knowledge.Fact) bool {
			return strings.Contains(strings.ToLower(f.Subject), q) ||
				strings.Contains(strings.ToLower(f.Fact), q)
		})
	}
	if facts == nil {
		facts = []knowledge.Fact{}
	}
	return c.JSON(http.StatusOK, FactsResponse{Facts: facts, Count: len(facts)})
}

func (s *Server) handleGetFact(c echo.Context) error {
	subject, err := subjectParam(c)
	if err != nil {
		return err
	}
	f, err := s.store.Get(c.Request().Context(), subject)
	if errors.Is(err, knowledge.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no fact for subject")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

// handlePutFact submits a fact. A write that loses the conflict rule is
// reported with 409 and the fact that is still stored.
func (s *Server) handlePutFact(c echo.Context) error {
	ctx := c.Request().Context()
	subject, err := subjectParam(c)
	if err != nil {
		return err
	}

	var req PutFactRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid fact request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Confidence == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "confidence field is required")
	}
	conf := *req.Confidence
	if !knowledge.ValidConfidence(conf) {
		return echo.NewHTTPError(http.StatusBadRequest, "confidence must be between 0 and 1")
	}

	scrubbed := s.scrubber.Scrub(req.Fact)
	if scrubbed.HasFindings() {
		s.logger.Warn("redacted secrets from fact",
			zap.String("subject", subject),
			zap.Int("findings", scrubbed.TotalFindings),
		)
	}

	accepted, err := s.store.Upsert(ctx, subject, scrubbed.Scrubbed, conf, req.Source)
	if err != nil {
		s.logger.Error("fact not persisted", zap.String("subject", subject), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "fact could not be persisted")
	}

	resp := PutFactResponse{Accepted: accepted, Redacted: scrubbed.TotalFindings}
	if cur, err := s.store.Get(ctx, subject); err == nil {
		resp.Current = &cur
	}
	status := http.StatusOK
	if !accepted {
		status = http.StatusConflict
	}
	return c.JSON(status, resp)
}

func (s *Server) handleRelated(c echo.Context) error {
	q := c.QueryParam("q")
	if strings.TrimSpace(q) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q parameter is required")
	}
	limit := related.DefaultLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}

	matches := s.finder.Find(c.Request().Context(), q, limit)
	if matches == nil {
		matches = []related.Match{}
	}
	kws := related.Keywords(q)
	if kws == nil {
		kws = []string{}
	}
	return c.JSON(http.StatusOK, RelatedResponse{Keywords: kws, Matches: matches})
}

// handleIntegrate submits the facts found in a task result. Numbers are
// decoded as json.Number so they keep the text the caller sent.
func (s *Server) handleIntegrate(c echo.Context) error {
	var req IntegrateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	conf := integrator.DefaultConfidence
	if req.Confidence != nil {
		conf = *req.Confidence
	}
	if !knowledge.ValidConfidence(conf) {
		return echo.NewHTTPError(http.StatusBadRequest, "confidence must be between 0 and 1")
	}

	result, err := decodeResult(req.Result)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "result must be an object or a string")
	}

	sum, err := s.integrator.IntegrateSummary(c.Request().Context(), req.Description, result, conf)
	if err != nil {
		if errors.Is(err, integrator.ErrEmptyResult) || errors.Is(err, integrator.ErrUnsupportedResult) {
			return c.JSON(http.StatusUnprocessableEntity, IntegrateResponse{Integrated: false})
		}
		return err
	}
	return c.JSON(http.StatusOK, IntegrateResponse{
		Integrated: true,
		Extracted:  sum.Extracted,
		Accepted:   sum.Accepted,
		Rejected:   sum.Rejected,
		Failed:     sum.Failed,
		Subjects:   sum.Subjects,
	})
}

func decodeResult(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case string, map[string]any:
		return v, nil
	}
	return nil, fmt.Errorf("unsupported result %T", v)
}

func subjectParam(c echo.Context) (string, error) {
	subject := c.Param("subject")
	if u, err := url.PathUnescape(subject); err == nil {
		subject = u
	}
	if strings.TrimSpace(subject) == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "subject is required")
	}
	return subject, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
