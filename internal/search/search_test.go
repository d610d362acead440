package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsagent/internal/db"
	"opsagent/internal/domain"
	"opsagent/internal/migrate"
	"opsagent/internal/repo"
)

func newIndex(t *testing.T) Index {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Index{Repo: repo.Repo{DB: conn}}
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"deploy", "checklist", "v2"}, Terms("The deploy checklist, for v2! deploy"))
}

func TestSearchRanksTitleMatchesFirst(t *testing.T) {
	ix := newIndex(t)
	ctx := context.Background()
	project := "p1"
	_, err := ix.IndexDocument(ctx, domain.Document{Title: "Deploy checklist", Content: "Steps to deploy the portal safely.", CreatedBy: "u1", ProjectID: &project})
	require.NoError(t, err)
	_, err = ix.IndexDocument(ctx, domain.Document{Title: "Meeting notes", Content: "We talked about the deploy window.", CreatedBy: "u1"})
	require.NoError(t, err)
	other := "p2"
	_, err = ix.IndexDocument(ctx, domain.Document{Title: "Deploy plan", Content: "Other project deploy.", CreatedBy: "u1", ProjectID: &other})
	require.NoError(t, err)

	hits, err := ix.Search(ctx, "deploy", "p1", 5, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "Deploy checklist", hits[0].Title)
	assert.Equal(t, "p1", hits[0].ProjectID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, "Meeting notes", hits[1].Title)

	hits, err = ix.Search(ctx, "deploy", "p1", 5, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	text, used, err := ix.ContextFor(ctx, "deploy", "", 2000)
	require.NoError(t, err)
	assert.Len(t, used, 3)
	assert.Contains(t, text, "## Deploy checklist")
}

func TestIndexDocumentRequiresContent(t *testing.T) {
	ix := newIndex(t)
	_, err := ix.IndexDocument(context.Background(), domain.Document{Title: "Empty"})
	require.Error(t, err)
}
