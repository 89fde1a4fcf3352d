package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAPIURL(t *testing.T) {
	tests := []struct {
		base string
		path string
		want string
	}{
		{"https://api.deepseek.com", "/chat/completions", "https://api.deepseek.com/v1/chat/completions"},
		{"https://dashscope.aliyuncs.com/compatible-mode/v1", "/embeddings", "https://dashscope.aliyuncs.com/compatible-mode/v1/embeddings"},
		{"http://localhost:11434/v1/", "/chat/completions", "http://localhost:11434/v1/chat/completions"},
	}
	for _, tt := range tests {
		if got := apiURL(tt.base, tt.path); got != tt.want {
			t.Errorf("apiURL(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}

func TestChatSendsSystemFirst(t *testing.T) {
	var gotMessages []Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Messages []Message `json:"messages"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		gotMessages = req.Messages
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{Model: "m", BaseURL: srv.URL})
	out, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "be brief", false)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "ok" {
		t.Errorf("content = %q", out)
	}
	if len(gotMessages) != 2 || gotMessages[0].Role != "system" || gotMessages[0].Content != "be brief" {
		t.Errorf("messages = %+v, want system prompt first", gotMessages)
	}
}

func TestChatJSONMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"response_format":{"type":"json_object"}`) {
			t.Errorf("request missing json_object response_format: %s", body)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{}"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{Model: "m", BaseURL: srv.URL})
	if _, err := c.Chat(context.Background(), nil, "", true); err != nil {
		t.Fatalf("Chat: %v", err)
	}
}

func TestChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(Config{Model: "m", BaseURL: srv.URL})
	var sb strings.Builder
	err := c.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, "", func(d string) error {
		sb.WriteString(d)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if sb.String() != "hello" {
		t.Errorf("streamed = %q, want %q", sb.String(), "hello")
	}
}

func TestUpdateConfigPartial(t *testing.T) {
	c := NewClient(Config{Model: "old-model", BaseURL: "https://old", APIKey: "k1"})
	c.UpdateConfig(ConfigUpdate{Model: "new-model"})
	cfg := c.snapshot()
	if cfg.Model != "new-model" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.BaseURL != "https://old" || cfg.APIKey != "k1" {
		t.Errorf("unchanged fields were overwritten: %+v", cfg)
	}
}

func TestEmbedBatchesAndOrders(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		var req embeddingRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request: %v", err)
		}
		resp := embeddingResponse{}
		// Answer out of order to exercise index-based placement.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(len(req.Input[i]))}, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	texts := make([]string, 12)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}

	c := NewClient(Config{Model: "emb", BaseURL: srv.URL})
	vecs, err := c.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 batches", calls)
	}
	for i, v := range vecs {
		if len(v) != 1 || v[0] != float32(i+1) {
			t.Errorf("vec %d = %v", i, v)
		}
	}
}

func TestDecodeLoose(t *testing.T) {
	type out struct {
		A int `json:"a"`
	}
	tests := []struct {
		name string
		in   string
		want int
		ok   bool
	}{
		{"strict", `{"a": 1}`, 1, true},
		{"fenced", "Here you go:\n```json\n{\"a\": 2}\n```\nDone.", 2, true},
		{"prose wrapped", `The answer is {"a": 3} as requested.`, 3, true},
		{"braces in strings", `noise {"a": 4, "s": "has } brace"} tail`, 4, true},
		{"nothing", "no json here", 0, false},
		{"empty", "", 0, false},
	}
	for _, tt := range tests {
		var v out
		err := DecodeLoose(tt.in, &v)
		if tt.ok && (err != nil || v.A != tt.want) {
			t.Errorf("%s: got a=%d err=%v, want a=%d", tt.name, v.A, err, tt.want)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestChatErrorStatusNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{Model: "m", BaseURL: srv.URL})
	if _, err := c.Chat(context.Background(), nil, "", false); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (401 is not retryable)", calls)
	}
}
