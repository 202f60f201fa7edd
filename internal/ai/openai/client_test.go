package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/joseph-ayodele/invoice-pipeline/internal/ai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

func fakeOpenAI(t *testing.T, status int, content string) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var requests []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		requests = append(requests, body)

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": content}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func digests() []ai.DocumentDigest {
	return []ai.DocumentDigest{{DocumentID: "d1", FileName: "a.pdf", Text: "Invoice #INV-1 Total 10.00",
		Invoice: &ai.InvoiceDigest{Number: "INV-1", Amount: "10.00", Status: "PENDING"}}}
}

func TestAnalyzeBatch(t *testing.T) {
	srv, reqs := fakeOpenAI(t, http.StatusOK, `{"summary":"one invoice","recommendations":["pay INV-1"]}`)
	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "gpt-4o-mini"}, nil)

	res, err := c.AnalyzeBatch(context.Background(), digests())
	if err != nil {
		t.Fatalf("AnalyzeBatch: %v", err)
	}
	if res.Summary != "one invoice" || len(res.Recommendations) != 1 || res.Metadata["provider"] != "openai" {
		t.Fatalf("result = %+v", res)
	}
	if len(*reqs) != 1 {
		t.Fatalf("requests = %d", len(*reqs))
	}
	rf, _ := (*reqs)[0]["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Fatalf("response_format = %v", (*reqs)[0]["response_format"])
	}
}

func TestAnalyzeBatchRejectsInvalidJSON(t *testing.T) {
	srv, _ := fakeOpenAI(t, http.StatusOK, `{"recommendations":"not json schema"}`)
	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"}, nil)

	_, err := c.AnalyzeBatch(context.Background(), digests())
	if !errors.Is(err, common.ErrAIService) {
		t.Fatalf("err = %v", err)
	}
}

func TestAnalyzeBatchUpstreamFailure(t *testing.T) {
	srv, _ := fakeOpenAI(t, http.StatusServiceUnavailable, "")
	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"}, nil)

	_, err := c.AnalyzeBatch(context.Background(), digests())
	var aiErr *common.AIServiceError
	if !errors.As(err, &aiErr) || aiErr.Provider != "openai" || aiErr.Op != "analyze" {
		t.Fatalf("err = %v", err)
	}
}

func TestChat(t *testing.T) {
	srv, reqs := fakeOpenAI(t, http.StatusOK, "INV-1 totals 10.00")
	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"}, nil)

	got, err := c.Chat(context.Background(), digests(), "what is the total?")
	if err != nil || got != "INV-1 totals 10.00" {
		t.Fatalf("Chat = %q, %v", got, err)
	}
	msgs, _ := (*reqs)[0]["messages"].([]any)
	last, _ := msgs[len(msgs)-1].(map[string]any)
	if last["content"] != "what is the total?" {
		t.Fatalf("last message = %v", last)
	}
}
