// Package sandbox evaluates hypothesis-checking snippets in a restricted
// Go interpreter.
//
// A snippet is a list of Go statements. It runs inside a generated function
// with inputs in scope and reports back by assigning the predeclared
// variables result, verified, confidence and evidence:
//
//	r := math.Sqrt(inputs["x"].(float64))
//	result = r
//	verified = r == 3
//	confidence = 0.9
//
// Only symbols from allow-listed packages are loaded into the interpreter,
// so a snippet cannot reach the filesystem, network, or process state even
// if it names such a package. Imports outside the allowlist are refused
// before interpretation starts.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"path"
	"reflect"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single evaluation.
	DefaultTimeout = 2 * time.Second

	entryFunc = "Evaluate"
	envPkg    = "factlog/env"
)

// DefaultAllowedImports are the pure packages a snippet may import.
var DefaultAllowedImports = []string{
	"encoding/json",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
}

// denied packages are never loaded, whatever the allowlist says.
var denied = []string{"os", "net", "syscall", "unsafe", "runtime", "plugin", "reflect", "io/ioutil", "log/syslog"}

// deniedSelectors run a callback on a goroutine of their own, out of reach
// of the evaluation's recover and timeout.
var deniedSelectors = map[string]map[string]bool{
	"time": {"AfterFunc": true},
}

// Errors returned by Evaluate.
var (
	ErrForbiddenImport = errors.New("forbidden import")
	ErrInvalidSnippet  = errors.New("invalid snippet")
	ErrTimeout         = errors.New("evaluation timed out")
	ErrEmptySnippet    = errors.New("empty snippet")
)

// Expression is a snippet with the imports it needs and the values bound
// to inputs.
type Expression struct {
	Code    string         `json:"code"`
	Imports []string       `json:"imports,omitempty"`
	Inputs  map[string]any `json:"inputs,omitempty"`
}

// Outcome is what a snippet assigned.
type Outcome struct {
	// Result is nil when the snippet never assigned result.
	Result     any     `json:"result"`
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence"`
}

// HasResult reports whether the snippet assigned a non-nil result.
func (o *Outcome) HasResult() bool { return o != nil && o.Result != nil }

// EvalError is an interpretation failure. Trace carries the interpreter's
// panic stack when the snippet panicked.
type EvalError struct {
	Msg   string
	Trace string
	err   error
}

func (e *EvalError) Error() string { return e.Msg }
func (e *EvalError) Unwrap() error { return e.err }

// Evaluator runs snippets. It is safe for concurrent use; every call gets a
// fresh interpreter.
type Evaluator struct {
	allowed map[string]bool
	timeout time.Duration
	logger  *zap.Logger
	meter   metric.Meter
	metrics *evalMetrics
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithTimeout sets the per-evaluation timeout. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithAllowedImports replaces the import allowlist. Denied packages are
// dropped from it.
func WithAllowedImports(pkgs []string) Option {
	return func(e *Evaluator) { e.allowed = allowSet(pkgs) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// WithMeter sets the meter for evaluation metrics.
func WithMeter(m metric.Meter) Option {
	return func(e *Evaluator) { e.meter = m }
}

// New creates an Evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		allowed: allowSet(DefaultAllowedImports),
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
		meter:   otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = newEvalMetrics(e.meter, e.logger)
	return e
}

// Allowed returns the effective import allowlist, sorted.
func (e *Evaluator) Allowed() []string {
	out := make([]string, 0, len(e.allowed))
	for p := range e.allowed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func allowSet(pkgs []string) map[string]bool {
	set := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		if p = strings.TrimSpace(p); p != "" && !isDenied(p) {
			set[p] = true
		}
	}
	return set
}

func isDenied(pkg string) bool {
	for _, d := range denied {
		if pkg == d || strings.HasPrefix(pkg, d+"/") {
			return true
		}
	}
	return false
}

// Evaluate runs expr and returns what it assigned. A snippet that runs but
// never assigns result is not an error; the Outcome reports HasResult false.
func (e *Evaluator) Evaluate(ctx context.Context, expr Expression) (out *Outcome, err error) {
	start := time.Now()
	defer func() {
		e.metrics.record(ctx, time.Since(start), outcomeLabel(out, err))
	}()

	if strings.TrimSpace(expr.Code) == "" {
		return nil, ErrEmptySnippet
	}

	imports, err := e.checkImports(expr.Imports)
	if err != nil {
		return nil, err
	}
	body := wrap(expr.Code)
	if err := validate(imports, body); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &EvalError{Msg: fmt.Sprintf("panic: %v", r), Trace: string(debug.Stack())}
		}
	}()

	i := interp.New(interp.Options{Stdout: io.Discard, Stderr: io.Discard})
	if err := i.Use(e.symbols(imports)); err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}

	// The snippet gets its own copy so it cannot change the caller's map.
	inputs := make(map[string]any, len(expr.Inputs))
	for k, v := range expr.Inputs {
		inputs[k] = v
	}
	if err := i.Use(interp.Exports{
		envPkg + "/env": {"Inputs": reflect.ValueOf(inputs)},
	}); err != nil {
		return nil, fmt.Errorf("bind inputs: %w", err)
	}

	for _, imp := range append([]string{envPkg}, imports...) {
		if _, err := i.EvalWithContext(ctx, "import "+strconv.Quote(imp)); err != nil {
			return nil, e.wrapErr(ctx, err)
		}
	}
	if _, err := i.EvalWithContext(ctx, body); err != nil {
		return nil, e.wrapErr(ctx, err)
	}

	v, err := i.EvalWithContext(ctx, entryFunc+"(env.Inputs)")
	if err != nil {
		return nil, e.wrapErr(ctx, err)
	}

	vars, ok := v.Interface().(map[string]interface{})
	if !ok {
		return nil, &EvalError{Msg: fmt.Sprintf("unexpected return type %s", v.Type())}
	}
	return outcomeFrom(vars), nil
}

func (e *Evaluator) checkImports(imports []string) ([]string, error) {
	seen := make(map[string]bool, len(imports))
	out := make([]string, 0, len(imports))
	for _, imp := range imports {
		imp = strings.TrimSpace(imp)
		if imp == "" || seen[imp] {
			continue
		}
		if !e.allowed[imp] {
			return nil, fmt.Errorf("%w: %q (allowed: %s)", ErrForbiddenImport, imp, strings.Join(e.Allowed(), ", "))
		}
		seen[imp] = true
		out = append(out, imp)
	}
	return out, nil
}

// symbols returns the stdlib exports of the allowed packages only.
// stdlib keys are "<import path>/<package name>".
func (e *Evaluator) symbols(imports []string) interp.Exports {
	want := make(map[string]bool, len(imports))
	for _, imp := range imports {
		want[imp] = true
	}
	exports := interp.Exports{}
	for key, syms := range stdlib.Symbols {
		if want[path.Dir(key)] {
			exports[key] = syms
		}
	}
	return exports
}

func (e *Evaluator) wrapErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	}
	msg := err.Error()
	trace := msg
	var p interp.Panic
	if errors.As(err, &p) {
		msg = fmt.Sprintf("panic: %v", p.Value)
		if len(p.Stack) > 0 {
			trace = string(p.Stack)
		}
	}
	return &EvalError{Msg: msg, Trace: trace, err: err}
}

// wrap places the snippet in the generated entry function.
func wrap(code string) string {
	var b strings.Builder
	b.WriteString("func " + entryFunc + "(inputs map[string]interface{}) map[string]interface{} {\n")
	b.WriteString("\tvar result interface{}\n")
	b.WriteString("\tverified := false\n")
	b.WriteString("\tconfidence := 0.5\n")
	b.WriteString("\tevidence := \"\"\n")
	b.WriteString(code)
	b.WriteString("\n\treturn map[string]interface{}{\"result\": result, \"verified\": verified, \"confidence\": confidence, \"evidence\": evidence}\n}\n")
	return b.String()
}

// validate parses the generated file and checks that the snippet did not
// close the entry function to declare anything of its own. Goroutines are
// refused: a panic on one cannot be recovered and it outlives the timeout.
func validate(imports []string, body string) error {
	var b strings.Builder
	b.WriteString("package main\n\n")
	for _, imp := range imports {
		b.WriteString("import " + strconv.Quote(imp) + "\n")
	}
	b.WriteString(body)

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "snippet.go", b.String(), parser.AllErrors)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnippet, err)
	}

	var funcs int
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			if d.Tok != token.IMPORT {
				return fmt.Errorf("%w: top-level %s declaration", ErrInvalidSnippet, d.Tok)
			}
		case *ast.FuncDecl:
			funcs++
			if d.Name.Name != entryFunc || d.Recv != nil {
				return fmt.Errorf("%w: unexpected function %s", ErrInvalidSnippet, d.Name.Name)
			}
		}
	}
	if funcs != 1 {
		return fmt.Errorf("%w: snippet must stay inside one function body", ErrInvalidSnippet)
	}
	if len(file.Imports) != len(imports) {
		return fmt.Errorf("%w: imports must be declared in the import list", ErrInvalidSnippet)
	}
	return checkConcurrency(fset, file)
}

func checkConcurrency(fset *token.FileSet, file *ast.File) error {
	var err error
	ast.Inspect(file, func(n ast.Node) bool {
		if err != nil {
			return false
		}
		switch x := n.(type) {
		case *ast.GoStmt:
			err = fmt.Errorf("%w: go statement at line %d", ErrInvalidSnippet, fset.Position(x.Go).Line)
		case *ast.SelectorExpr:
			pkg, ok := x.X.(*ast.Ident)
			if ok && deniedSelectors[pkg.Name][x.Sel.Name] {
				err = fmt.Errorf("%w: %s.%s at line %d", ErrInvalidSnippet, pkg.Name, x.Sel.Name, fset.Position(x.Pos()).Line)
			}
		}
		return err == nil
	})
	return err
}

func outcomeFrom(vars map[string]interface{}) *Outcome {
	out := &Outcome{Result: vars["result"], Confidence: 0.5}
	if v, ok := vars["verified"].(bool); ok {
		out.Verified = v
	}
	if c, ok := vars["confidence"].(float64); ok {
		out.Confidence = c
	}
	if s, ok := vars["evidence"].(string); ok {
		out.Evidence = s
	}
	return out
}

func outcomeLabel(out *Outcome, err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrForbiddenImport), errors.Is(err, ErrInvalidSnippet), errors.Is(err, ErrEmptySnippet):
		return "rejected"
	case err != nil:
		return "error"
	case !out.HasResult():
		return "no_result"
	default:
		return "ok"
	}
}
