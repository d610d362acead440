package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ChatClient is the part of the OpenAI client the planner needs.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type OpenAIPlanner struct {
	Client    ChatClient
	Model     string
	MaxTokens int
	Limiter   *rate.Limiter
}

func NewOpenAI(opts Options) *OpenAIPlanner {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	model := opts.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	p := &OpenAIPlanner{
		Client:    openai.NewClientWithConfig(cfg),
		Model:     model,
		MaxTokens: 2000,
	}
	if opts.RequestsPerMinute > 0 {
		p.Limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerMinute/60), 1)
	}
	return p
}

var ErrEmptyCompletion = errors.New("planner returned no content")

func (p *OpenAIPlanner) Plan(ctx context.Context, req Request) (Response, error) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("planner throttle: %w", err)
		}
	}
	resp, err := p.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req)},
			{Role: openai.ChatMessageRoleUser, Content: req.Text},
		},
		Temperature:    0.2,
		MaxTokens:      p.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return Response{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Response{}, ErrEmptyCompletion
	}
	out, err := parseResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return Response{}, err
	}
	out.TokensUsed = resp.Usage.TotalTokens
	if out.Description == "" {
		out.Description = req.Text
	}
	return out, nil
}

// parseResponse decodes the model's JSON, tolerating a fenced code block.
func parseResponse(content string) (Response, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var out Response
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return Response{}, fmt.Errorf("decode plan: %w", err)
	}
	if out.Title == "" {
		out.Title = "Untitled Plan"
	}
	for i := range out.Steps {
		if out.Steps[i].Order == 0 {
			out.Steps[i].Order = i + 1
		}
		if out.Steps[i].Params == nil {
			out.Steps[i].Params = map[string]any{}
		}
	}
	return out, nil
}

func systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are the planner for a project operations agent. ")
	b.WriteString("Create a step-by-step plan that fulfils the user's request using only the tools below. ")
	b.WriteString("Every step must name exactly one tool and pass parameters that match its JSON schema.\n\nTools:\n")
	for _, t := range req.Tools {
		fmt.Fprintf(&b, "- %s: %s\n  parameters: %s\n", t.Name, t.Description, t.Parameters)
	}
	b.WriteString("\nContext:\n")
	if req.UserName != "" || req.UserRole != "" {
		fmt.Fprintf(&b, "- User: %s (%s)\n", req.UserName, req.UserRole)
	}
	if req.ProjectID != "" {
		fmt.Fprintf(&b, "- Project: %s\n", req.ProjectID)
	}
	b.WriteString(`
Return a JSON object:
{"title": "...", "description": "...", "steps": [{"order": 1, "title": "...", "description": "...", "tool": "tool_name", "parameters": {}}], "estimatedDuration": minutes, "risks": ["..."]}`)
	return b.String()
}
