package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAnthropicCompleteParsesTextAndUsage(t *testing.T) {
	var captured anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key-123" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "claude-sonnet-4-20250514",
			"stop_reason": "end_turn",
			"content": [{"type":"text","text":"Hello "},{"type":"text","text":"there"}],
			"usage": {"input_tokens": 12, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider("key-123", WithAnthropicEndpoint(server.URL))
	resp, err := provider.Complete(context.Background(), CompletionRequest{
		Model:        "claude-sonnet-4-20250514",
		MaxTokens:    256,
		SystemPrompt: "You are concise.",
		Messages: []Message{
			{Role: RoleSystem, Content: "Extra system context."},
			{Role: RoleUser, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "Hello there" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" {
		t.Fatalf("system messages should fold into system field, got %+v", captured.Messages)
	}
	if !strings.Contains(captured.System, "Extra system context.") {
		t.Fatalf("system prompt not merged: %q", captured.System)
	}
}

func TestAnthropicCompleteSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad model"}}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider("key-123", WithAnthropicEndpoint(server.URL))
	_, err := provider.Complete(context.Background(), CompletionRequest{
		Model:     "nope",
		MaxTokens: 10,
		Messages:  []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "bad model") {
		t.Fatalf("expected api error with message, got %v", err)
	}
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	registry := NewRegistry()
	provider := NewAnthropicProvider("k")
	registry.Register("Anthropic", provider)

	if _, ok := registry.Get("anthropic"); !ok {
		t.Fatal("expected provider under normalized name")
	}
	if _, ok := registry.Get("missing"); ok {
		t.Fatal("unexpected provider for unregistered name")
	}
}
