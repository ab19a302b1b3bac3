// Package config provides configuration loading for factlog.
//
// Configuration is read from an optional YAML file and overridden by
// FACTLOG_* environment variables. Every section has defaults, so an
// empty environment yields a working local setup rooted at ./workspace.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the complete factlog configuration.
type Config struct {
	Workspace     WorkspaceConfig     `koanf:"workspace" yaml:"workspace"`
	Knowledge     KnowledgeConfig     `koanf:"knowledge" yaml:"knowledge"`
	Sandbox       SandboxConfig       `koanf:"sandbox" yaml:"sandbox"`
	Server        ServerConfig        `koanf:"server" yaml:"server"`
	NATS          NATSConfig          `koanf:"nats" yaml:"nats"`
	Secrets       SecretsConfig       `koanf:"secrets" yaml:"secrets"`
	Observability ObservabilityConfig `koanf:"observability" yaml:"observability"`
}

// WorkspaceConfig locates the persisted snapshot and thought log.
// Relative file names resolve against Root/persistent_thinking.
type WorkspaceConfig struct {
	Root          string `koanf:"root" yaml:"root"`
	KnowledgeFile string `koanf:"knowledge_file" yaml:"knowledge_file"`
	ThoughtLog    string `koanf:"thought_log" yaml:"thought_log"`
}

// KnowledgeConfig holds the conflict and promotion rules for facts.
type KnowledgeConfig struct {
	// Tolerance is how far below the stored confidence a write may be
	// and still replace it.
	Tolerance float64 `koanf:"tolerance" yaml:"tolerance"`

	// PromotionThreshold is the confidence a verified hypothesis or a
	// conclusion must exceed to become a fact.
	PromotionThreshold float64 `koanf:"promotion_threshold" yaml:"promotion_threshold"`
}

// SandboxConfig bounds hypothesis evaluation snippets.
type SandboxConfig struct {
	Timeout        Duration `koanf:"timeout" yaml:"timeout"`
	AllowedImports []string `koanf:"allowed_imports" yaml:"allowed_imports"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host" yaml:"http_host"`
	Port            int      `koanf:"http_port" yaml:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit float64 `koanf:"rate_limit" yaml:"rate_limit"`
}

// NATSConfig controls publishing of thought-log entries to NATS.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled" yaml:"enabled"`
	URL           string `koanf:"url" yaml:"url"`
	SubjectPrefix string `koanf:"subject_prefix" yaml:"subject_prefix"`
	Token         Secret `koanf:"token" yaml:"token"`
}

// SecretsConfig selects how fact text and log content are scrubbed.
type SecretsConfig struct {
	// Engine is "regexp" (built-in rules) or "gitleaks".
	Engine string `koanf:"engine" yaml:"engine"`
}

// ObservabilityConfig holds logging and OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry" yaml:"enable_telemetry"`
	ServiceName     string `koanf:"service_name" yaml:"service_name"`
	Endpoint        string `koanf:"otlp_endpoint" yaml:"otlp_endpoint"`
	Protocol        string `koanf:"otlp_protocol" yaml:"otlp_protocol"`
	Insecure        bool   `koanf:"otlp_insecure" yaml:"otlp_insecure"`
	LogLevel        string `koanf:"log_level" yaml:"log_level"`
	LogFormat       string `koanf:"log_format" yaml:"log_format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Root:          "./workspace",
			KnowledgeFile: "knowledge_db.json",
			ThoughtLog:    "thinking_log.jsonl",
		},
		Knowledge: KnowledgeConfig{
			Tolerance:          0.1,
			PromotionThreshold: 0.7,
		},
		Sandbox: SandboxConfig{
			Timeout:        Duration(2 * time.Second),
			AllowedImports: []string{"math", "strings", "strconv", "sort", "unicode", "regexp", "encoding/json", "time"},
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
			RateLimit:       20,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "factlog.thoughts",
		},
		Secrets: SecretsConfig{
			Engine: "regexp",
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: false,
			ServiceName:     "factlog",
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			LogLevel:        "info",
			LogFormat:       "json",
		},
	}
}

// KnowledgePath returns the resolved snapshot path.
func (w WorkspaceConfig) KnowledgePath() string {
	return w.resolve(w.KnowledgeFile)
}

// ThoughtLogPath returns the resolved thought log path.
func (w WorkspaceConfig) ThoughtLogPath() string {
	return w.resolve(w.ThoughtLog)
}

func (w WorkspaceConfig) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(w.Root, "persistent_thinking", name)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Workspace.KnowledgeFile == "" {
		return errors.New("workspace.knowledge_file is required")
	}
	if c.Workspace.ThoughtLog == "" {
		return errors.New("workspace.thought_log is required")
	}

	if c.Knowledge.Tolerance < 0 || c.Knowledge.Tolerance > 1 {
		return fmt.Errorf("knowledge.tolerance must be between 0 and 1, got %v", c.Knowledge.Tolerance)
	}
	if c.Knowledge.PromotionThreshold < 0 || c.Knowledge.PromotionThreshold > 1 {
		return fmt.Errorf("knowledge.promotion_threshold must be between 0 and 1, got %v", c.Knowledge.PromotionThreshold)
	}

	if c.Sandbox.Timeout.Duration() <= 0 {
		return errors.New("sandbox.timeout must be positive")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit cannot be negative, got %v", c.Server.RateLimit)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url required when nats is enabled")
	}

	switch c.Secrets.Engine {
	case "", "regexp", "gitleaks":
	default:
		return fmt.Errorf("secrets.engine must be 'regexp' or 'gitleaks', got %q", c.Secrets.Engine)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	switch c.Observability.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("observability.log_format must be 'json' or 'console', got %q", c.Observability.LogFormat)
	}

	return nil
}
