// Package http provides HTTP API for factlog.
package http

import (
	"encoding/json"

	"github.com/fyrsmithlabs/factlog/internal/knowledge"
	"github.com/fyrsmithlabs/factlog/internal/related"
	"github.com/fyrsmithlabs/factlog/internal/telemetry"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Facts     int                     `json:"facts"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// FactsResponse is the response body for GET /api/v1/facts.
type FactsResponse struct {
	Facts []knowledge.Fact `json:"facts"`
	Count int              `json:"count"`
}

// PutFactRequest is the request body for PUT /api/v1/facts/:subject.
type PutFactRequest struct {
	Fact       string   `json:"fact"`
	Confidence *float64 `json:"confidence"`
	Source     string   `json:"source,omitempty"`
}

// PutFactResponse reports whether the write replaced the stored fact.
// Current is the fact stored after the call, absent if there is none.
type PutFactResponse struct {
	Accepted bool            `json:"accepted"`
	Redacted int             `json:"redacted,omitempty"`
	Current  *knowledge.Fact `json:"current,omitempty"`
}

// RelatedResponse is the response body for GET /api/v1/related.
type RelatedResponse struct {
	Keywords []string        `json:"keywords"`
	Matches  []related.Match `json:"matches"`
}

// IntegrateRequest is the request body for POST /api/v1/integrate.
// Result is either a JSON object of scalars or a string of "label: value" lines.
type IntegrateRequest struct {
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
	Confidence  *float64        `json:"confidence,omitempty"`
}

// IntegrateResponse is the response body for POST /api/v1/integrate.
type IntegrateResponse struct {
	Integrated bool     `json:"integrated"`
	Extracted  int      `json:"extracted"`
	Accepted   int      `json:"accepted"`
	Rejected   int      `json:"rejected"`
	Failed     int      `json:"failed"`
	Subjects   []string `json:"subjects,omitempty"`
}
