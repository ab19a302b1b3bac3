// Package logging wraps zap with context-aware methods for factlog.
//
// Loggers write JSON (or console) lines to stderr, never stdout, so the MCP
// stdio transport keeps a clean channel. An optional OpenTelemetry core is
// teed in through the otelzap bridge when a LoggerProvider is supplied.
//
// Every context-aware method attaches correlation fields pulled from the
// context: the active span (trace_id, span_id) and the run and task IDs set
// with WithRunID and WithTaskID.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	ctx = logging.WithRunID(ctx, run.ID)
//	logger.Info(ctx, "task started", zap.String("description", desc))
//
// Components that take a plain *zap.Logger receive Underlying().
package logging
