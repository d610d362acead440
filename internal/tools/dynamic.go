package tools

import (
	"context"
	"fmt"

	"opsagent/internal/repo"
	"opsagent/internal/safety"
)

type queryArgs struct {
	Where map[string]any `json:"where,omitempty"`
	Take  int            `json:"take,omitempty" minimum:"1" maximum:"200"`
}

type queryDataParams struct {
	Model  string    `json:"model" minLength:"1"`
	Method string    `json:"method" minLength:"1"`
	Args   queryArgs `json:"args,omitempty"`
}

// query_data accepts any model and method string so the operation gate, not
// the schema, decides what runs.
func dynamicTools(d Deps) []Tool {
	return []Tool{
		NewTyped(Definition{
			Name:         "query_data",
			Description:  "Run a structured read (findMany, findFirst, findUnique, count) against project, task, user or update",
			Category:     CategoryDynamic,
			Scopes:       []string{"agent:dynamic"},
			RequiresAuth: true,
			RateLimit:    dynamicLimit,
		}, func(ctx context.Context, tc Context, in queryDataParams) (any, error) {
			cmd := safety.Command{Model: in.Model, Method: in.Method}
			if in.Args.Where != nil {
				cmd.Args = map[string]any{"where": in.Args.Where}
			}
			if err := safety.Check(cmd); err != nil {
				return nil, err
			}
			out, err := d.Repo.RunReadQuery(ctx, repo.ReadQuery{
				Model:  in.Model,
				Method: in.Method,
				Where:  in.Args.Where,
				Limit:  in.Args.Take,
			})
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", in.Model, in.Method, err)
			}
			return out, nil
		}, nil),
	}
}
