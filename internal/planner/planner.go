// Package planner turns a natural-language request into proposed tool steps.
// Planners only propose; the engine validates every step before a plan is
// stored.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"opsagent/internal/tools"
)

type Request struct {
	Text      string
	ProjectID string
	UserName  string
	UserRole  string
	Tools     []tools.CatalogEntry
}

type Step struct {
	Order       int            `json:"order"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"parameters"`
}

type Response struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Steps       []Step   `json:"steps"`
	Risks       []string `json:"risks"`
	// EstimatedDuration is in minutes.
	EstimatedDuration int `json:"estimatedDuration"`
	TokensUsed        int `json:"-"`
}

type Planner interface {
	Plan(ctx context.Context, req Request) (Response, error)
}

// Options selects and configures a planner.
type Options struct {
	Provider          string
	Model             string
	BaseURL           string
	APIKey            string
	RequestsPerMinute float64
}

// New returns the planner for opts.Provider. "none" (or empty) yields the
// keyword planner.
func New(opts Options) (Planner, error) {
	switch opts.Provider {
	case "", "none":
		return KeywordPlanner{}, nil
	case "openai":
		if opts.APIKey == "" {
			return nil, errors.New("openai planner requires an api key")
		}
		return NewOpenAI(opts), nil
	default:
		return nil, fmt.Errorf("unknown planner provider %q", opts.Provider)
	}
}

const maxQueryRunes = 50

// KeywordPlanner proposes a single document search for the request. It is
// used when no model is configured.
type KeywordPlanner struct{}

func (KeywordPlanner) Plan(ctx context.Context, req Request) (Response, error) {
	q := strings.TrimSpace(req.Text)
	if q == "" {
		return Response{}, errors.New("request text required")
	}
	if r := []rune(q); len(r) > maxQueryRunes {
		q = string(r[:maxQueryRunes])
	}
	params := map[string]any{"query": q}
	if req.ProjectID != "" {
		params["project_id"] = req.ProjectID
	}
	return Response{
		Title:       "Search for relevant information",
		Description: req.Text,
		Steps: []Step{{
			Order:       1,
			Title:       "Search documents",
			Description: "Search indexed documents for the request",
			Tool:        "rag_search",
			Params:      params,
		}},
		Risks:             []string{"Limited to document search"},
		EstimatedDuration: 5,
	}, nil
}

// Static returns the same response for every request.
type Static struct {
	Response Response
	Err      error
}

func (s Static) Plan(ctx context.Context, req Request) (Response, error) {
	return s.Response, s.Err
}
