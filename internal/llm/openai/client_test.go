package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nlquery/nlquery/internal/llm"
)

func TestCompleteSendsPromptAndSampling(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Fatalf("authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"SELECT 1"}}]}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL + "/", APIKey: "secret", Model: "gpt-test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	text, err := client.Complete(context.Background(), llm.Request{
		Prompt:   "how many calls?",
		Sampling: llm.Sampling{Temperature: 0.2, TopP: 0.9, MaxOutputTokens: 256},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if text != "SELECT 1" {
		t.Fatalf("text = %q", text)
	}
	if got.Model != "gpt-test" || got.Messages[0].Content != "how many calls?" || got.TopP != 0.9 || got.MaxTokens != 256 {
		t.Fatalf("payload = %#v", got)
	}
	if got.ResponseFormat["type"] != "json_object" {
		t.Fatalf("response_format = %#v", got.ResponseFormat)
	}
}

func TestCompleteMapsStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	client, _ := New(Config{BaseURL: srv.URL, APIKey: "secret"})
	_, err := client.Complete(context.Background(), llm.Request{Prompt: "x"})
	var status *llm.StatusError
	if !errors.As(err, &status) || status.Code != http.StatusTooManyRequests {
		t.Fatalf("Complete() error = %v", err)
	}
	if !llm.IsTransient(err) {
		t.Fatal("429 should be transient")
	}
}

func TestEmbedBatchOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	client, _ := New(Config{BaseURL: srv.URL, APIKey: "secret"})
	vectors, err := client.EmbedBatch(context.Background(), []string{"billing", "prepay"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Fatalf("vectors = %#v", vectors)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{APIKey: "x"}); err == nil {
		t.Fatal("expected base URL error")
	}
	if _, err := New(Config{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected api key error")
	}
}
