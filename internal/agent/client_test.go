package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCallAnthropicSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"text": "hello there"}},
			"usage":   map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithAPIConfig(srv.URL, "test-model"), WithPricing(Pricing{InputPerMillion: 3, OutputPerMillion: 15}))

	r, err := c.Call(context.Background(), "bible_generation", "job-1", "Test Job", []Message{{Role: "user", Content: "go"}}, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Text != "hello there" {
		t.Errorf("got text %q", r.Text)
	}
	if r.InputTokens != 10 || r.OutputTokens != 5 {
		t.Errorf("got tokens %d/%d", r.InputTokens, r.OutputTokens)
	}
	if r.CostUSD <= 0 {
		t.Errorf("expected positive cost, got %v", r.CostUSD)
	}
}

func TestCallRetriesOnTransientThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("503 service unavailable"))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"text": "ok"}},
			"usage":   map[string]int{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	c := NewClient("test-key", WithAPIConfig(srv.URL, "test-model"))
	r, err := c.Call(context.Background(), "bible_generation", "job-1", "Test Job", []Message{{Role: "user", Content: "go"}}, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Text != "ok" {
		t.Errorf("got %q", r.Text)
	}
	if calls < 2 {
		t.Errorf("expected at least 2 calls, got %d", calls)
	}
}

func TestCallNonTransientFailsFast(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("invalid request"))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithAPIConfig(srv.URL, "test-model"))
	_, err := c.Call(context.Background(), "bible_generation", "job-1", "Test Job", []Message{{Role: "user", Content: "go"}}, 100)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call for non-transient error, got %d", calls)
	}
}
