package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsagent/internal/domain"
)

func TestWebhookPostsMessage(t *testing.T) {
	var got webhookMessage
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhook(srv.URL, "s3cret", 0)
	require.NoError(t, n.SendDM(context.Background(), "dev@example.com", "hello"))

	assert.Equal(t, "dm", got.Kind)
	assert.Equal(t, "dev@example.com", got.To)
	assert.Equal(t, "hello", got.Text)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "s3cret", headers.Get("X-Opsagent-Secret"))
	assert.Equal(t, "dm", headers.Get("X-Opsagent-Kind"))
}

func TestWebhookReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhook(srv.URL, "", 5)
	err := n.SendChannel(context.Background(), "#ops", "deploy done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestWebhookRequiresURL(t *testing.T) {
	n := NewWebhook("", "", 0)
	require.Error(t, n.SendDM(context.Background(), "a@b.c", "x"))
}

func TestFormatSummary(t *testing.T) {
	due := "2024-01-02T00:00:00Z"
	text := FormatSummary(domain.User{Name: "Ada"}, domain.DailySummary{
		Tasks:          []domain.SummaryTask{{Title: "Ship", Status: "todo", ProjectTitle: "Portal", DueDate: &due}},
		InProgress:     0,
		CompletedToday: 2,
	})
	assert.Contains(t, text, "Good morning Ada")
	assert.Contains(t, text, "- [todo] Ship (Portal) due 2024-01-02T00:00:00Z")
	assert.Contains(t, text, "2 completed")
}
