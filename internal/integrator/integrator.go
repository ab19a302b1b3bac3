// Package integrator turns a finished task's result into candidate facts
// and submits them to the fact store.
//
// A mapping result yields one fact per scalar value, keyed
// "<description prefix> - <key>". A text result yields one fact per
// "label: value" line. Whether each fact is kept is the store's decision;
// rejected candidates do not fail the integration.
package integrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/factlog/internal/thoughtlog"
	"go.uber.org/zap"
)

const (
	// Source is the provenance recorded on integrated facts.
	Source = "task_result_integration"

	// DefaultConfidence is used by callers that do not supply one.
	DefaultConfidence = 0.8

	descriptionPrefixLen = 30
	minLineLen           = 10
	separator            = ":"
)

// Errors from Extract.
var (
	ErrEmptyResult       = errors.New("empty task result")
	ErrUnsupportedResult = errors.New("unsupported task result type")
)

// Upserter is the part of the fact store the integrator writes to.
type Upserter interface {
	Upsert(ctx context.Context, subject, fact string, confidence float64, source string) (bool, error)
}

// Candidate is one extracted fact before submission.
type Candidate struct {
	Subject string `json:"subject"`
	Fact    string `json:"fact"`
}

// Summary reports what one integration did.
type Summary struct {
	Extracted int      `json:"extracted"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Failed    int      `json:"failed"`
	Subjects  []string `json:"subjects,omitempty"`
}

// Integrator submits extracted candidates to a store.
type Integrator struct {
	store    Upserter
	recorder thoughtlog.Recorder
	logger   *zap.Logger
}

// Option configures an Integrator.
type Option func(*Integrator)

// WithRecorder sets the thought log.
func WithRecorder(r thoughtlog.Recorder) Option {
	return func(i *Integrator) { i.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Integrator) { i.logger = l }
}

// New creates an Integrator writing to store.
func New(store Upserter, opts ...Option) *Integrator {
	i := &Integrator{
		store:    store,
		recorder: thoughtlog.Nop{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Integrate extracts candidates from result and upserts each one. It
// returns false only when result is empty or of an unsupported type.
func (i *Integrator) Integrate(ctx context.Context, description string, result any, confidence float64) bool {
	_, err := i.IntegrateSummary(ctx, description, result, confidence)
	return err == nil
}

// IntegrateSummary is Integrate with per-candidate counts.
func (i *Integrator) IntegrateSummary(ctx context.Context, description string, result any, confidence float64) (Summary, error) {
	candidates, err := Extract(description, result)
	if err != nil {
		i.logger.Debug("task result not integrated", zap.String("task", description), zap.Error(err))
		return Summary{}, err
	}

	sum := Summary{Extracted: len(candidates)}
	for _, c := range candidates {
		ok, err := i.store.Upsert(ctx, c.Subject, c.Fact, confidence, Source)
		switch {
		case err != nil:
			sum.Failed++
			i.logger.Warn("integrated fact not persisted", zap.String("subject", c.Subject), zap.Error(err))
		case ok:
			sum.Accepted++
			sum.Subjects = append(sum.Subjects, c.Subject)
		default:
			sum.Rejected++
		}
	}

	_ = i.recorder.Append(ctx, thoughtlog.KindTaskResultIntegration, map[string]any{
		"task":                      description,
		"extracted_knowledge_count": sum.Extracted,
		"accepted_count":            sum.Accepted,
		"confidence":                confidence,
	})
	return sum, nil
}

// Extract returns the candidate facts in result without submitting them.
// Mapping keys are visited in sorted order.
func Extract(description string, result any) ([]Candidate, error) {
	prefix := truncate(description, descriptionPrefixLen)

	switch r := result.(type) {
	case nil:
		return nil, ErrEmptyResult
	case string:
		return extractText(prefix, r)
	case []byte:
		return extractText(prefix, string(r))
	case map[string]any:
		if len(r) == 0 {
			return nil, ErrEmptyResult
		}
		return extractMap(prefix, r), nil
	case map[string]string:
		if len(r) == 0 {
			return nil, ErrEmptyResult
		}
		m := make(map[string]any, len(r))
		for k, v := range r {
			m[k] = v
		}
		return extractMap(prefix, m), nil
	}

	rv := reflect.ValueOf(result)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		if rv.Len() == 0 {
			return nil, ErrEmptyResult
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return extractMap(prefix, m), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedResult, result)
}

func extractMap(prefix string, m map[string]any) []Candidate {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Candidate
	for _, k := range keys {
		if s, ok := FormatScalar(m[k]); ok {
			out = append(out, Candidate{Subject: prefix + " - " + k, Fact: s})
		}
	}
	return out
}

func extractText(prefix, text string) ([]Candidate, error) {
	if text == "" {
		return nil, ErrEmptyResult
	}
	var out []Candidate
	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(line, separator) || utf8.RuneCountInString(line) <= minLineLen {
			continue
		}
		label, value, _ := strings.Cut(line, separator)
		out = append(out, Candidate{
			Subject: prefix + " - " + strings.TrimSpace(label),
			Fact:    strings.TrimSpace(value),
		})
	}
	return out, nil
}

// FormatScalar renders a text, number or boolean value, reporting false for
// anything else. Booleans render as True/False and whole floats keep a
// trailing ".0" so stored facts stay stable across writers.
func FormatScalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		if x {
			return "True", true
		}
		return "False", true
	case json.Number:
		return x.String(), true
	case float64:
		return formatFloat(x), true
	case float32:
		return formatFloat(float64(x)), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10), true
	case reflect.String:
		return rv.String(), true
	}
	return "", false
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
