package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsagent/internal/tools"
)

type fakeChat struct {
	content string
	err     error
	calls   []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.content}}},
		Usage:   openai.Usage{TotalTokens: 321},
	}, nil
}

func TestOpenAIPlannerParsesSteps(t *testing.T) {
	fake := &fakeChat{content: "```json\n" + `{
		"title": "Kickoff",
		"steps": [
			{"tool": "create_task", "parameters": {"project_id": "p1", "title": "Brief"}},
			{"order": 5, "tool": "slack_send_channel", "parameters": {"channel": "general", "message": "hi"}}
		],
		"estimatedDuration": 10,
		"risks": ["none"]
	}` + "\n```"}
	p := &OpenAIPlanner{Client: fake, Model: "test-model"}

	out, err := p.Plan(context.Background(), Request{
		Text:  "start the project",
		Tools: []tools.CatalogEntry{{Name: "create_task", Description: "Create a task", Parameters: []byte(`{"type":"object"}`)}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Kickoff", out.Title)
	assert.Equal(t, "start the project", out.Description)
	assert.Equal(t, 321, out.TokensUsed)
	require.Len(t, out.Steps, 2)
	assert.Equal(t, 1, out.Steps[0].Order)
	assert.Equal(t, 5, out.Steps[1].Order)
	assert.Equal(t, "p1", out.Steps[0].Params["project_id"])

	require.Len(t, fake.calls, 1)
	req := fake.calls[0]
	assert.Equal(t, "test-model", req.Model)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
	assert.Contains(t, req.Messages[0].Content, "create_task: Create a task")
}

func TestOpenAIPlannerErrors(t *testing.T) {
	p := &OpenAIPlanner{Client: &fakeChat{err: errors.New("quota")}}
	_, err := p.Plan(context.Background(), Request{Text: "x"})
	assert.ErrorContains(t, err, "quota")

	p = &OpenAIPlanner{Client: &fakeChat{content: " "}}
	_, err = p.Plan(context.Background(), Request{Text: "x"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)

	p = &OpenAIPlanner{Client: &fakeChat{content: "not json"}}
	_, err = p.Plan(context.Background(), Request{Text: "x"})
	assert.ErrorContains(t, err, "decode plan")
}

func TestKeywordPlanner(t *testing.T) {
	out, err := KeywordPlanner{}.Plan(context.Background(), Request{Text: "where is the design brief for the acme website redesign project?", ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, out.Steps, 1)
	assert.Equal(t, "rag_search", out.Steps[0].Tool)
	assert.Len(t, out.Steps[0].Params["query"], 50)
	assert.Equal(t, "p1", out.Steps[0].Params["project_id"])

	_, err = KeywordPlanner{}.Plan(context.Background(), Request{Text: "  "})
	assert.Error(t, err)
}

func TestKeywordPlannerTruncatesByRune(t *testing.T) {
	text := strings.Repeat("é", 49) + "日本語"
	out, err := KeywordPlanner{}.Plan(context.Background(), Request{Text: text})
	require.NoError(t, err)
	q := out.Steps[0].Params["query"].(string)
	assert.True(t, utf8.ValidString(q))
	assert.Equal(t, 50, utf8.RuneCountInString(q))
	assert.Equal(t, strings.Repeat("é", 49)+"日", q)
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(Options{Provider: "none"})
	require.NoError(t, err)
	assert.IsType(t, KeywordPlanner{}, p)

	_, err = New(Options{Provider: "openai"})
	assert.Error(t, err)

	p, err = New(Options{Provider: "openai", APIKey: "sk-test", RequestsPerMinute: 30})
	require.NoError(t, err)
	op := p.(*OpenAIPlanner)
	assert.Equal(t, openai.GPT4oMini, op.Model)
	assert.NotNil(t, op.Limiter)

	_, err = New(Options{Provider: "bard"})
	assert.Error(t, err)
}
