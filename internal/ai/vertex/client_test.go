package vertex

import (
	"testing"

	"cloud.google.com/go/vertexai/genai"
)

func TestResponseText(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"summary":`), genai.Text(`"ok","recommendations":[]}`)}},
	}}}
	got, err := responseText(resp)
	if err != nil || got != `{"summary":"ok","recommendations":[]}` {
		t.Fatalf("responseText = %q, %v", got, err)
	}

	if _, err := responseText(&genai.GenerateContentResponse{}); err == nil {
		t.Fatal("empty response must fail")
	}
	empty := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: &genai.Content{}}}}
	if _, err := responseText(empty); err == nil {
		t.Fatal("response without text must fail")
	}
}
