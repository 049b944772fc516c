// Package filter evaluates an optional CEL predicate against invoice
// events. Events the predicate rejects are acknowledged and dropped.
package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/balanced/invoice-feeder/internal/event"
)

const defaultTimeout = time.Second

// variables are the top-level event fields visible to an expression.
var variables = []string{
	"guid",
	"type",
	"mirrored_customer_guid",
	"mirrored_funding_source_guid",
	"entity_data",
	"entity_views",
}

// Option configures a Filter.
type Option func(*Filter)

// WithTimeout sets the maximum evaluation time for a single event.
func WithTimeout(d time.Duration) Option {
	return func(f *Filter) {
		f.timeout = d
	}
}

// Filter is a compiled boolean CEL expression.
type Filter struct {
	expression string
	program    cel.Program
	timeout    time.Duration
}

// New compiles expression. It must evaluate to a bool, e.g.
// entity_data.total_fee > 0 && type == "invoice.created".
func New(expression string, opts ...Option) (*Filter, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("filter expression is empty")
	}

	envOpts := []cel.EnvOption{ext.Strings(), ext.Math()}
	for _, name := range variables {
		envOpts = append(envOpts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter must evaluate to bool, got %s", out)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	f := &Filter{expression: expression, program: prg, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.expression
}

// Match reports whether evt passes the filter.
func (f *Filter) Match(ctx context.Context, evt *event.Event) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	activation := make(map[string]any, len(variables))
	for _, name := range variables {
		activation[name] = native(evt.Raw()[name])
	}

	type result struct {
		ok  bool
		err error
	}
	ch := make(chan result, 1)

	go func() {
		out, _, err := f.program.Eval(activation)
		if err != nil {
			ch <- result{err: fmt.Errorf("cel eval: %w", err)}
			return
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			ch <- result{err: fmt.Errorf("filter returned %s, want bool", out.Type().TypeName())}
			return
		}
		ch <- result{ok: ok}
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("filter timeout: %w", ctx.Err())
	case r := <-ch:
		return r.ok, r.err
	}
}

// native replaces json.Number values with int64 or float64 so CEL can
// compare them numerically.
func native(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = native(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = native(e)
		}
		return out
	default:
		return v
	}
}
