package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func geminiReply(t *testing.T, w http.ResponseWriter, parts ...string) {
	t.Helper()
	ps := make([]geminiPart, len(parts))
	for i, p := range parts {
		ps[i] = geminiPart{Text: p}
	}
	resp := geminiResponse{}
	resp.Candidates = append(resp.Candidates, struct {
		Content geminiContent `json:"content"`
	}{Content: geminiContent{Parts: ps, Role: "model"}})
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encoding response: %v", err)
	}
}

func TestGeminiComplete(t *testing.T) {
	var gotReq geminiRequest
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotKey = r.URL.Query().Get("key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		geminiReply(t, w, "| Test_ID |", " ...")
	}))
	defer srv.Close()

	c := NewGeminiClientWithBaseURL("secret-key", "gemini-2.0-flash", srv.URL)
	text, err := c.Complete(context.Background(), "make a table", CompletionOptions{MaxTokens: 256, Temperature: 0.2})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if text != "| Test_ID | ..." {
		t.Errorf("parts not joined: %q", text)
	}
	if gotKey != "secret-key" {
		t.Errorf("api key %q sent", gotKey)
	}
	if gotReq.Contents[0].Parts[0].Text != "make a table" {
		t.Errorf("prompt not forwarded: %q", gotReq.Contents[0].Parts[0].Text)
	}
	if gotReq.GenerationConfig.MaxOutputTokens != 256 {
		t.Errorf("maxOutputTokens %d", gotReq.GenerationConfig.MaxOutputTokens)
	}
}

func TestGeminiCompleteEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(geminiResponse{})
	}))
	defer srv.Close()

	c := NewGeminiClientWithBaseURL("k", "m", srv.URL)
	_, err := c.Complete(context.Background(), "p", CompletionOptions{})
	if err == nil {
		t.Fatal("expected error for empty candidates")
	}
}

func TestGeminiCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "API key not valid"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewGeminiClientWithBaseURL("bad", "m", srv.URL)
	_, err := c.Complete(context.Background(), "p", CompletionOptions{})
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("a status error is not a timeout")
	}
}

func TestGeminiCompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection and cancels
		// r.Context() when the client disconnects; otherwise Close hangs.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewGeminiClientWithBaseURL("k", "m", srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Complete(ctx, "slow", CompletionOptions{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
