package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/danielgtaylor/huma/v2"
)

type runFunc func(ctx context.Context, tc Context, raw []byte) (any, error)

// NewTyped builds a tool whose params decode into I. The JSON schema is
// derived from I when the tool is registered. dryRun may be nil.
func NewTyped[I any](def Definition, run func(ctx context.Context, tc Context, in I) (any, error), dryRun func(ctx context.Context, tc Context, in I) (any, error)) Tool {
	t := Tool{
		Definition: def,
		paramsType: reflect.TypeOf((*I)(nil)).Elem(),
		run:        typedRun(run),
	}
	if dryRun != nil {
		t.dryRun = typedRun(dryRun)
	}
	return t
}

func typedRun[I any](fn func(ctx context.Context, tc Context, in I) (any, error)) runFunc {
	return func(ctx context.Context, tc Context, raw []byte) (any, error) {
		var in I
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return fn(ctx, tc, in)
	}
}

func newSchemaRegistry() huma.Registry {
	return huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)
}

// resolveSchema returns the inline object schema for t.
func resolveSchema(r huma.Registry, t reflect.Type) *huma.Schema {
	s := huma.SchemaFromType(r, t)
	if s.Ref != "" {
		s = r.SchemaFromRef(s.Ref)
	}
	s.PrecomputeMessages()
	return s
}

// normalize round-trips params through JSON so validation and decoding see
// the same shapes an HTTP caller would send.
func normalize(params map[string]any) (any, []byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, nil, err
	}
	return v, raw, nil
}

func validate(r huma.Registry, name string, s *huma.Schema, v any) error {
	res := &huma.ValidateResult{}
	huma.Validate(r, s, huma.NewPathBuffer([]byte(""), 0), huma.ModeWriteToServer, v, res)
	if len(res.Errors) == 0 {
		return nil
	}
	problems := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		problems = append(problems, e.Error())
	}
	return &ValidationError{Tool: name, Problems: problems}
}
