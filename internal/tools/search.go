package tools

import (
	"context"
	"fmt"

	"opsagent/internal/domain"
)

type ragSearchParams struct {
	Query     string  `json:"query" minLength:"1" maxLength:"500"`
	ProjectID string  `json:"project_id,omitempty"`
	Limit     int     `json:"limit,omitempty" minimum:"1" maximum:"20" doc:"Defaults to 5"`
	Threshold float64 `json:"threshold,omitempty" minimum:"0" maximum:"1"`
}

type ragIndexParams struct {
	Title     string `json:"title" minLength:"1" maxLength:"200"`
	Content   string `json:"content" minLength:"1"`
	ProjectID string `json:"project_id,omitempty"`
}

type ragContextParams struct {
	Query     string `json:"query" minLength:"1" maxLength:"500"`
	ProjectID string `json:"project_id,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty" minimum:"100" maximum:"8000" doc:"Defaults to 2000"`
}

func searchTools(d Deps) []Tool {
	return []Tool{
		NewTyped(Definition{
			Name:        "rag_search",
			Description: "Search indexed documents by keyword relevance",
			Category:    CategorySearch,
			Scopes:      []string{"rag:read"},
		}, func(ctx context.Context, tc Context, in ragSearchParams) (any, error) {
			return d.Search.Search(ctx, in.Query, in.ProjectID, clampLimit(in.Limit, 5, 20), in.Threshold)
		}, nil),

		NewTyped(Definition{
			Name:         "rag_index_document",
			Description:  "Add a document to the search index",
			Category:     CategorySearch,
			Scopes:       []string{"rag:write"},
			Mutates:      true,
			RequiresAuth: true,
			RateLimit:    writeLimit,
		}, func(ctx context.Context, tc Context, in ragIndexParams) (any, error) {
			if in.ProjectID != "" {
				if _, err := d.Repo.GetProject(ctx, nil, in.ProjectID); err != nil {
					return nil, fmt.Errorf("project %s: %w", in.ProjectID, err)
				}
			}
			doc, err := d.Search.IndexDocument(ctx, domain.Document{
				ProjectID: strPtr(in.ProjectID),
				Title:     in.Title,
				Content:   in.Content,
				CreatedBy: tc.UserID,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"document_id": doc.ID, "title": doc.Title, "indexed_at": doc.CreatedAt}, nil
		}, func(ctx context.Context, tc Context, in ragIndexParams) (any, error) {
			return map[string]any{"would_index": in.Title, "project_id": in.ProjectID, "size": len(in.Content)}, nil
		}),

		NewTyped(Definition{
			Name:        "rag_get_context",
			Description: "Collect the most relevant document passages for a question",
			Category:    CategorySearch,
			Scopes:      []string{"rag:read"},
		}, func(ctx context.Context, tc Context, in ragContextParams) (any, error) {
			maxTokens := in.MaxTokens
			if maxTokens == 0 {
				maxTokens = 2000
			}
			text, hits, err := d.Search.ContextFor(ctx, in.Query, in.ProjectID, maxTokens)
			if err != nil {
				return nil, err
			}
			return map[string]any{"context": text, "sources": hits}, nil
		}, nil),
	}
}
