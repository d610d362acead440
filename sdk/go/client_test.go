package opsagentsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsCredentials(t *testing.T) {
	var gotAuth, gotKey, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-Api-Key")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"p1","session_id":"s1","status":"approved","steps":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/v0")
	c.APIKey = "key-1"
	c.CronSecret = "cron"
	p, err := c.DecidePlan(context.Background(), "s1", "p1", true)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if p.Status != "approved" {
		t.Fatalf("unexpected plan: %+v", p)
	}
	if gotPath != "/v0/plans/approve" || gotKey != "key-1" || gotAuth != "" {
		t.Fatalf("unexpected request: path=%s key=%s auth=%s", gotPath, gotKey, gotAuth)
	}
	if gotBody["approved"] != true || gotBody["plan_id"] != "p1" {
		t.Fatalf("unexpected body: %v", gotBody)
	}

	if _, err := c.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if gotAuth != "Bearer cron" || gotKey != "" {
		t.Fatalf("tick must use the cron secret: auth=%s key=%s", gotAuth, gotKey)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"invalid_transition","message":"cannot execute"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Execute(context.Background(), "s1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "invalid_transition" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestTickFailureKeepsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"success":false,"error":"scheduled tasks: db closed","timestamp":"t","duration":3,"results":{"scheduledTasks":0,"workflows":0,"dailySummaries":0,"errors":["x"]}}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL).Tick(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 APIError, got %v", err)
	}
	if res.Error == "" || len(res.Results.Errors) != 1 {
		t.Fatalf("failed tick result not decoded: %+v", res)
	}
}
