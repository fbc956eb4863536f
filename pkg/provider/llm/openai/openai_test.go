package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/fetchpilot/pkg/provider/llm"
)

// TestConvertMessage_System checks that system role is converted correctly.
func TestConvertMessage_System(t *testing.T) {
	msg := llm.Message{Role: "system", Content: "You are helpful."}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

// TestConvertMessage_User checks that user role is converted correctly.
func TestConvertMessage_User(t *testing.T) {
	msg := llm.Message{Role: "user", Content: "user message: get example.com"}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

// TestConvertMessage_AssistantWithToolCalls checks tool call conversion.
func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	msg := llm.Message{
		Role: "assistant",
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "fetch", Arguments: `{"url":"http://example.com","method":"GET"}`},
		},
	}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
	if len(param.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(param.OfAssistant.ToolCalls))
	}
	tc := param.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" {
		t.Errorf("expected ID call_1, got %s", tc.ID)
	}
	if tc.Function.Name != "fetch" {
		t.Errorf("expected function name fetch, got %s", tc.Function.Name)
	}
}

// TestConvertMessage_Tool checks tool response message conversion.
func TestConvertMessage_Tool(t *testing.T) {
	msg := llm.Message{Role: "tool", Content: "<html>", ToolCallID: "call_1", Name: "fetch"}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfTool == nil {
		t.Fatal("expected OfTool to be set")
	}
	if param.OfTool.ToolCallID != "call_1" {
		t.Errorf("expected ToolCallID call_1, got %s", param.OfTool.ToolCallID)
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles return an error.
func TestConvertMessage_UnknownRole(t *testing.T) {
	_, err := convertMessage(llm.Message{Role: "narrator", Content: "test"})
	if err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestNew_EmptyModel(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestStreamCompletion_NoCredential(t *testing.T) {
	p, err := New("", DefaultModel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error when no key and no credential")
	}
}

// streamServer replays the given chunk payloads as an SSE chat-completion stream
// and records the Authorization header of the last request.
func streamServer(t *testing.T, payloads []string, gotAuth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		*gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamCompletion_RelaysRawAndAssemblesToolCall(t *testing.T) {
	payloads := []string{
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Sure"},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"fetch","arguments":"{\"url\":"}}]},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"http://example.com\",\"method\":\"GET\"}"}}]},"finish_reason":null}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	var auth string
	srv := streamServer(t, payloads, &auth)

	p, err := New("", DefaultModel, WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages:   []llm.Message{{Role: "user", Content: "user message: get example.com"}},
		Credential: "ghu_turn_token",
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var chunks []llm.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}

	if auth != "Bearer ghu_turn_token" {
		t.Errorf("Authorization = %q, want bearer turn token", auth)
	}
	if len(chunks) != len(payloads) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(payloads))
	}
	for i, c := range chunks {
		if strings.TrimSpace(string(c.Raw)) != payloads[i] {
			t.Errorf("chunk %d raw = %s, want %s", i, c.Raw, payloads[i])
		}
	}
	if chunks[0].Text != "Sure" {
		t.Errorf("chunk 0 text = %q, want Sure", chunks[0].Text)
	}

	last := chunks[len(chunks)-1]
	if last.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q, want tool_calls", last.FinishReason)
	}
	if len(last.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(last.ToolCalls))
	}
	tc := last.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "fetch" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments != `{"url":"http://example.com","method":"GET"}` {
		t.Errorf("arguments = %q", tc.Arguments)
	}
}

func TestStreamCompletion_ToolCallWithoutFinishReason(t *testing.T) {
	payloads := []string{
		`{"id":"c2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"fetch","arguments":"{\"url\":\"http://example.com\","}}]},"finish_reason":null}]}`,
		`{"id":"c2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"method\":\"GET\"}"}}]},"finish_reason":null}]}`,
	}
	var auth string
	srv := streamServer(t, payloads, &auth)

	p, err := New("sk-test", DefaultModel, WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "get example.com"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var chunks []llm.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}

	if len(chunks) != len(payloads)+1 {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(payloads)+1)
	}
	for i, c := range chunks[:len(payloads)] {
		if len(c.ToolCalls) != 0 {
			t.Errorf("chunk %d carries tool calls before the stream ended", i)
		}
	}

	last := chunks[len(chunks)-1]
	if len(last.Raw) != 0 {
		t.Errorf("trailing chunk raw = %s, want empty", last.Raw)
	}
	if len(last.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(last.ToolCalls))
	}
	tc := last.ToolCalls[0]
	if tc.ID != "call_9" || tc.Name != "fetch" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments != `{"url":"http://example.com","method":"GET"}` {
		t.Errorf("arguments = %q", tc.Arguments)
	}
}

func TestStreamCompletion_TextOnlyStreamAddsNoChunk(t *testing.T) {
	payloads := []string{
		`{"id":"c3","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"hello"},"finish_reason":null}]}`,
	}
	var auth string
	srv := streamServer(t, payloads, &auth)

	p, err := New("sk-test", DefaultModel, WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	n := 0
	for c := range ch {
		n++
		if len(c.ToolCalls) != 0 {
			t.Errorf("unexpected tool calls %+v", c.ToolCalls)
		}
	}
	if n != 1 {
		t.Errorf("got %d chunks, want 1", n)
	}
}

func TestStreamCompletion_StaticKeyWins(t *testing.T) {
	payloads := []string{
		`{"id":"c2","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
	}
	var auth string
	srv := streamServer(t, payloads, &auth)

	p, err := New("sk-static", DefaultModel, WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages:   []llm.Message{{Role: "user", Content: "hi"}},
		Credential: "ghu_turn_token",
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	for range ch {
	}
	if auth != "Bearer sk-static" {
		t.Errorf("Authorization = %q, want static key", auth)
	}
}

func TestBuildParams_ForwardsToolsAndSystemPrompt(t *testing.T) {
	p, err := New("k", DefaultModel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are an HTTP request builder and executor.",
		Messages:     []llm.Message{{Role: "user", Content: "hi"}},
		Tools: []llm.ToolDefinition{{
			Name:        "fetch",
			Description: "Make an HTTP request",
			Parameters:  map[string]any{"type": "object"},
		}},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 (system + user)", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message should be the system prompt")
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "fetch" {
		t.Errorf("tools = %+v", params.Tools)
	}
}
