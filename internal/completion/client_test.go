package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quilldesk/sheetsense/internal/search"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newCompletionServer(t *testing.T, reply string, capture *chatRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func testBundle() search.Bundle {
	return search.Bundle{Fragments: []search.Fragment{
		{Provenance: search.ProvenanceVerbatimHistory, Text: "user: how do I total column A?"},
		{Provenance: search.ProvenanceVerbatimHistory, Text: "assistant: use SUM(A:A)"},
		{Provenance: search.ProvenanceCatalogMatch, Score: 100, Text: "SUM: SUM(value1, [value2, ...]). Adds a series of numbers."},
	}}
}

func TestCompleteSendsBundleAndHistory(t *testing.T) {
	var captured chatRequest
	server := newCompletionServer(t, "Use =SUM(A:A).", &captured)

	client := NewClient(ClientOptions{BaseURL: server.URL, APIKey: "test-key", Model: "test-model"})
	reply, err := client.Complete(context.Background(), testBundle(), "and column B?")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply != "Use =SUM(A:A)." {
		t.Errorf("unexpected reply %q", reply)
	}

	if captured.Model != "test-model" {
		t.Errorf("expected model test-model, got %s", captured.Model)
	}
	// system + two history turns + the new user message
	if len(captured.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" {
		t.Errorf("expected system message first, got %s", captured.Messages[0].Role)
	}
	if captured.Messages[1].Role != "user" || captured.Messages[1].Content != "how do I total column A?" {
		t.Errorf("unexpected history turn: %+v", captured.Messages[1])
	}
	if captured.Messages[2].Role != "assistant" {
		t.Errorf("expected assistant history turn, got %s", captured.Messages[2].Role)
	}
	last := captured.Messages[len(captured.Messages)-1]
	if last.Role != "user" || last.Content != "and column B?" {
		t.Errorf("expected new user message last, got %+v", last)
	}

	// Retrieved context rides in the system prompt, not as turns.
	if want := "[catalog_match] SUM"; !strings.Contains(captured.Messages[0].Content, want) {
		t.Errorf("system prompt missing %q", want)
	}
}

func TestCompleteErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	client := NewClient(ClientOptions{BaseURL: server.URL, APIKey: "k", Model: "m"})
	if _, err := client.Complete(context.Background(), search.Bundle{}, "hi"); err == nil {
		t.Fatal("expected error on http failure")
	}

	unconfigured := NewClient(ClientOptions{})
	if _, err := unconfigured.Complete(context.Background(), search.Bundle{}, "hi"); err == nil {
		t.Fatal("expected error for missing configuration")
	}
}
