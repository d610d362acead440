// Package search scores stored documents against keyword queries.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"opsagent/internal/domain"
	"opsagent/internal/repo"
)

type Hit struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	ProjectID  string  `json:"project_id,omitempty"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

// Index reads and writes the documents table.
type Index struct {
	Repo repo.Repo
	Now  func() time.Time
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "of": true, "to": true, "in": true,
	"on": true, "for": true, "is": true, "are": true, "with": true, "what": true, "how": true,
}

// Terms lowercases s and splits it into distinct search terms.
func Terms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Score returns the share of query terms found in the document, with title
// matches counting half again.
func Score(queryTerms []string, d domain.Document) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	title := map[string]bool{}
	for _, t := range Terms(d.Title) {
		title[t] = true
	}
	body := map[string]bool{}
	for _, t := range Terms(d.Content) {
		body[t] = true
	}
	var total float64
	for _, q := range queryTerms {
		switch {
		case title[q] && body[q]:
			total += 1.5
		case title[q] || body[q]:
			total += 1
		}
	}
	score := total / (1.5 * float64(len(queryTerms)))
	if score > 1 {
		score = 1
	}
	return score
}

func snippet(content string, terms []string, width int) string {
	lower := strings.ToLower(content)
	start := 0
	for _, t := range terms {
		if i := strings.Index(lower, t); i >= 0 {
			start = i
			break
		}
	}
	if start > width/4 {
		start -= width / 4
	} else {
		start = 0
	}
	runes := []rune(content)
	if start > len(runes) {
		start = 0
	}
	end := start + width
	if end > len(runes) {
		end = len(runes)
	}
	out := strings.TrimSpace(string(runes[start:end]))
	if end < len(runes) {
		out += "..."
	}
	return out
}

// Search returns up to limit documents scoring at least threshold.
func (ix Index) Search(ctx context.Context, query, projectID string, limit int, threshold float64) ([]Hit, error) {
	terms := Terms(query)
	if len(terms) == 0 {
		return []Hit{}, nil
	}
	docs, err := ix.Repo.ListDocuments(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	hits := []Hit{}
	for _, d := range docs {
		s := Score(terms, d)
		if s == 0 || s < threshold {
			continue
		}
		h := Hit{DocumentID: d.ID, Title: d.Title, Snippet: snippet(d.Content, terms, 240), Score: s}
		if d.ProjectID != nil {
			h.ProjectID = *d.ProjectID
		}
		hits = append(hits, h)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// IndexDocument stores d, assigning an id and timestamp when missing.
func (ix Index) IndexDocument(ctx context.Context, d domain.Document) (domain.Document, error) {
	if strings.TrimSpace(d.Title) == "" || strings.TrimSpace(d.Content) == "" {
		return domain.Document{}, fmt.Errorf("document title and content required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt == "" {
		now := time.Now
		if ix.Now != nil {
			now = ix.Now
		}
		d.CreatedAt = now().UTC().Format(time.RFC3339)
	}
	if err := ix.Repo.InsertDocument(ctx, nil, d); err != nil {
		return domain.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return d, nil
}

// ContextFor concatenates the best matching snippets, stopping once roughly
// maxTokens (four characters per token) have been collected.
func (ix Index) ContextFor(ctx context.Context, query, projectID string, maxTokens int) (string, []Hit, error) {
	hits, err := ix.Search(ctx, query, projectID, 10, 0)
	if err != nil {
		return "", nil, err
	}
	budget := maxTokens * 4
	var b strings.Builder
	var used []Hit
	for _, h := range hits {
		chunk := fmt.Sprintf("## %s\n%s\n\n", h.Title, h.Snippet)
		if b.Len()+len(chunk) > budget && len(used) > 0 {
			break
		}
		b.WriteString(chunk)
		used = append(used, h)
	}
	return strings.TrimSpace(b.String()), used, nil
}
