// Package events publishes thought-log entries to NATS so other processes
// can follow a task run as it happens.
//
// Each entry is published as its JSON line on "<prefix>.<type>", for
// example factlog.thoughts.knowledge_update. Publishing is fire-and-forget;
// the file log stays the record of truth.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/factlog/internal/config"
	"github.com/fyrsmithlabs/factlog/internal/thoughtlog"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "factlog.thoughts"

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("nats connection not available")

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Sink forwards entries to NATS. It implements thoughtlog.Sink.
type Sink struct {
	pub    Publisher
	prefix string
}

var _ thoughtlog.Sink = (*Sink)(nil)

// NewSink creates a sink publishing under prefix.
func NewSink(pub Publisher, prefix string) *Sink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Sink{pub: pub, prefix: prefix}
}

// Subject returns the subject entries of kind are published on.
func (s *Sink) Subject(kind thoughtlog.Kind) string {
	return s.prefix + "." + string(kind)
}

// Write publishes e.
func (s *Sink) Write(_ context.Context, e thoughtlog.Entry) error {
	if s.pub == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := s.pub.Publish(s.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Connect dials the configured server. The connection retries in the
// background if the server is not up yet.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("factlog"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return nc, nil
}

// Subscribe delivers every entry published under prefix to fn. Messages
// that do not decode as entries are skipped.
func Subscribe(nc *nats.Conn, prefix string, fn func(thoughtlog.Entry)) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	sub, err := nc.Subscribe(prefix+".>", func(msg *nats.Msg) {
		var e thoughtlog.Entry
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		fn(e)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.>: %w", prefix, err)
	}
	return sub, nil
}
