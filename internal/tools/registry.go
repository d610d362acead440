package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"opsagent/internal/engine/auth"
	"opsagent/internal/metrics"
)

type Category string

const (
	CategoryDatabase  Category = "database"
	CategoryMessaging Category = "messaging"
	CategoryStorage   Category = "storage"
	CategorySearch    Category = "search"
	CategoryDynamic   Category = "dynamic"
)

// RateLimit allows Requests calls per Window for each user.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

type Definition struct {
	Name         string
	Description  string
	Category     Category
	Scopes       []string
	Mutates      bool
	RequiresAuth bool
	RateLimit    *RateLimit
}

// Context identifies who is calling a tool and on behalf of which request.
// A nil Permissions skips the scope check; an empty non-nil one grants nothing.
type Context struct {
	UserID      string
	ProjectID   string
	Permissions []string
	TraceID     string
}

type Tool struct {
	Definition
	Schema *huma.Schema

	paramsType reflect.Type
	run        runFunc
	dryRun     runFunc
}

func (t Tool) HasDryRun() bool { return t.dryRun != nil }

type Result struct {
	Tool     string        `json:"tool"`
	Output   any           `json:"output"`
	Duration time.Duration `json:"duration"`
	TraceID  string        `json:"trace_id"`
}

const (
	ModeReadOnly        = "read_only"
	ModeSimulated       = "simulated"
	ModeDescriptionOnly = "description_only"
)

type PreviewResult struct {
	Tool      string `json:"tool"`
	Mode      string `json:"mode"`
	Simulated bool   `json:"simulated"`
	Output    any    `json:"output,omitempty"`
}

type Filter struct {
	Category Category
	Mutates  *bool
	Scopes   []string
}

type CatalogEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    Category        `json:"category"`
	Mutates     bool            `json:"mutates"`
	Scopes      []string        `json:"scopes"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Registry holds tools keyed by name. Tools are registered at startup and
// only read afterwards.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*Tool
	schemas   huma.Registry
	limiter   Limiter
	overrides map[string]RateLimit
	tracer    trace.Tracer
	now       func() time.Time
}

func NewRegistry(limiter Limiter) *Registry {
	if limiter == nil {
		limiter = NewMemoryLimiter()
	}
	return &Registry{
		tools:     map[string]*Tool{},
		schemas:   newSchemaRegistry(),
		limiter:   limiter,
		overrides: map[string]RateLimit{},
		tracer:    otel.Tracer("opsagent/tools"),
		now:       time.Now,
	}
}

func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name required")
	}
	if t.run == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	if t.Schema == nil {
		t.Schema = resolveSchema(r.schemas, t.paramsType)
	}
	t.Scopes = append([]string(nil), t.Scopes...)
	r.tools[t.Name] = &t
	return nil
}

// SetRateLimit overrides the declared limit of a registered tool.
func (r *Registry) SetRateLimit(name string, rl RateLimit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return &NotFoundError{Name: name}
	}
	r.overrides[name] = rl
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return *t, true
}

// List returns tools matching f, sorted by name.
func (r *Registry) List(f Filter) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, t := range r.tools {
		if f.Category != "" && t.Category != f.Category {
			continue
		}
		if f.Mutates != nil && t.Mutates != *f.Mutates {
			continue
		}
		if len(f.Scopes) > 0 && !auth.GrantsAny(f.Scopes, t.Scopes) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Catalog describes every tool usable with permissions (all tools when empty).
func (r *Registry) Catalog(permissions ...string) []CatalogEntry {
	tools := r.List(Filter{Scopes: permissions})
	out := make([]CatalogEntry, 0, len(tools))
	for _, t := range tools {
		params, err := json.Marshal(t.Schema)
		if err != nil {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, CatalogEntry{
			Name:        t.Name,
			Description: t.Description,
			Category:    t.Category,
			Mutates:     t.Mutates,
			Scopes:      t.Scopes,
			Parameters:  params,
		})
	}
	return out
}

// Validate checks that name exists and params satisfy its schema.
func (r *Registry) Validate(name string, params map[string]any) error {
	t, ok := r.Get(name)
	if !ok {
		return &NotFoundError{Name: name}
	}
	v, _, err := normalize(params)
	if err != nil {
		return &ValidationError{Tool: name, Problems: []string{err.Error()}}
	}
	return validate(r.schemas, name, t.Schema, v)
}

func (r *Registry) rateLimit(t Tool) *RateLimit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rl, ok := r.overrides[t.Name]; ok {
		return &rl
	}
	return t.RateLimit
}

func authorize(t Tool, tc Context) error {
	if t.RequiresAuth && tc.UserID == "" {
		return &UnauthorizedError{Tool: t.Name, Reason: "authentication required"}
	}
	if tc.Permissions != nil && len(t.Scopes) > 0 && !auth.GrantsAny(tc.Permissions, t.Scopes) {
		return &UnauthorizedError{Tool: t.Name, Reason: "missing scope", Authenticated: tc.UserID != ""}
	}
	return nil
}

func traceIDFrom(ctx context.Context, tc Context) string {
	if tc.TraceID != "" {
		return tc.TraceID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

// prepare runs the checks shared by Execute and Preview and returns the
// normalised params.
func (r *Registry) prepare(name string, tc Context, params map[string]any) (Tool, []byte, error) {
	t, ok := r.Get(name)
	if !ok {
		return Tool{}, nil, &NotFoundError{Name: name}
	}
	v, raw, err := normalize(params)
	if err != nil {
		return t, nil, &ValidationError{Tool: name, Problems: []string{err.Error()}}
	}
	if err := validate(r.schemas, name, t.Schema, v); err != nil {
		return t, nil, err
	}
	if err := authorize(t, tc); err != nil {
		return t, nil, err
	}
	return t, raw, nil
}

// Execute validates, authorizes and rate limits one call before invoking the
// handler.
func (r *Registry) Execute(ctx context.Context, name string, tc Context, params map[string]any) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.user_id", tc.UserID),
	))
	defer span.End()
	tc.TraceID = traceIDFrom(ctx, tc)

	res, err := r.execute(ctx, name, tc, params)
	metrics.RecordToolCall(name, Kind(err), res.Duration)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		return res, err
	}
	return res, nil
}

func (r *Registry) execute(ctx context.Context, name string, tc Context, params map[string]any) (Result, error) {
	res := Result{Tool: name, TraceID: tc.TraceID}
	t, raw, err := r.prepare(name, tc, params)
	if err != nil {
		return res, err
	}
	if rl := r.rateLimit(t); rl != nil && rl.Requests > 0 {
		user := tc.UserID
		if user == "" {
			user = "anonymous"
		}
		d, err := r.limiter.Allow(ctx, t.Name+":"+user, *rl)
		if err != nil {
			return res, fmt.Errorf("rate limiter: %w", err)
		}
		if !d.Allowed {
			return res, &RateLimitedError{Tool: t.Name, UserID: tc.UserID, RetryAfter: d.RetryAfter}
		}
	}
	start := r.now()
	out, err := t.run(ctx, tc, raw)
	res.Duration = r.now().Sub(start)
	if err != nil {
		return res, &ExecutionError{Tool: t.Name, Elapsed: res.Duration, Err: err}
	}
	res.Output = out
	return res, nil
}

// Preview reports what a call would do without side effects. Read-only tools
// run live; mutating tools use their dry-run variant when they have one.
func (r *Registry) Preview(ctx context.Context, name string, tc Context, params map[string]any) (PreviewResult, error) {
	t, raw, err := r.prepare(name, tc, params)
	if err != nil {
		return PreviewResult{Tool: name}, err
	}
	out := PreviewResult{Tool: name}
	switch {
	case !t.Mutates:
		out.Mode = ModeReadOnly
		v, err := t.run(ctx, tc, raw)
		if err != nil {
			return out, &ExecutionError{Tool: name, Err: err}
		}
		out.Output = v
	case t.dryRun != nil:
		out.Mode = ModeSimulated
		out.Simulated = true
		v, err := t.dryRun(ctx, tc, raw)
		if err != nil {
			return out, &ExecutionError{Tool: name, Err: err}
		}
		out.Output = v
	default:
		out.Mode = ModeDescriptionOnly
	}
	return out, nil
}
