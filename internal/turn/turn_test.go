package turn

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/fetchpilot/internal/copilot"
	"github.com/MrWong99/fetchpilot/internal/tools"
	"github.com/MrWong99/fetchpilot/pkg/provider/llm"
)

// recordingTool is a tool whose handler records its arguments.
type recordingTool struct {
	calls  []string
	result string
	err    error
}

func (r *recordingTool) tool(name string) tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{Name: name, Description: "test tool"},
		Describe:   func(args string) (string, error) { return "run " + args + "?", nil },
		Handler: func(_ context.Context, args string) (string, error) {
			r.calls = append(r.calls, args)
			return r.result, r.err
		},
	}
}

func newProcessor(t *testing.T, rt *recordingTool, opts ...Option) *Processor {
	t.Helper()
	reg, err := tools.NewRegistry(rt.tool("fetch"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return NewProcessor(reg, opts...)
}

func decision(state copilot.ConfirmationState, fn, args string) copilot.Message {
	return copilot.Message{
		Role:    copilot.RoleUser,
		Content: "",
		Confirmations: []copilot.Confirmation{{
			State: state,
			Confirmation: copilot.ConfirmationData{
				Args:         json.RawMessage(args),
				FunctionName: fn,
				ID:           "call_1",
			},
		}},
	}
}

func TestPrepare_EmptyHistory(t *testing.T) {
	t.Parallel()
	rt := &recordingTool{}
	_, err := newProcessor(t, rt).Prepare(context.Background(), Turn{})

	var ce *copilot.Error
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *copilot.Error", err)
	}
	if ce.Message != "No history provided" || ce.Type != copilot.TypeAgent || ce.Code != copilot.CodeGitHub {
		t.Errorf("got %+v", ce)
	}
}

func TestPrepare_Utterance(t *testing.T) {
	t.Parallel()
	rt := &recordingTool{}
	p := newProcessor(t, rt)

	history := History{
		{Role: copilot.RoleUser, Content: "earlier"},
		{Role: copilot.RoleAssistant, Content: "ok"},
		{Role: copilot.RoleUser, Content: "get https://example.com"},
	}
	prep, err := p.Prepare(context.Background(), Turn{History: history, Credential: "tok", Temperature: 0.2, MaxTokens: 99})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if len(prep.History) != 3 {
		t.Fatalf("history len = %d, want 3", len(prep.History))
	}
	if got := prep.History[2].Content; got != "user message: get https://example.com" {
		t.Errorf("prompt = %q", got)
	}
	if history[2].Content != "get https://example.com" {
		t.Error("caller history was mutated")
	}
	if len(rt.calls) != 0 {
		t.Errorf("tool ran %d times on a plain utterance", len(rt.calls))
	}

	req := prep.Request
	if req.Credential != "tok" || req.Temperature != 0.2 || req.MaxTokens != 99 {
		t.Errorf("request params not forwarded: %+v", req)
	}
	if req.SystemPrompt != BasePrompt+HardenedRules {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "fetch" {
		t.Errorf("tools = %+v", req.Tools)
	}
	if len(req.Messages) != 3 || req.Messages[2].Role != llm.RoleUser {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestPrepare_UtteranceWithReferences(t *testing.T) {
	t.Parallel()
	p := newProcessor(t, &recordingTool{})

	msg := copilot.Message{
		Role:    copilot.RoleUser,
		Content: "call the API in this file",
		References: []copilot.Reference{{
			Type: "client.file",
			ID:   "main.go",
			Data: json.RawMessage(`{"content":"package main"}`),
		}},
	}
	prep, err := p.Prepare(context.Background(), Turn{History: History{msg}})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	got := prep.History[0].Content
	prefix := "user message: call the API in this file\n\ncontext: "
	if !strings.HasPrefix(got, prefix) {
		t.Fatalf("prompt = %q", got)
	}
	var refs []copilot.Reference
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got, prefix)), &refs); err != nil {
		t.Fatalf("context is not a JSON reference list: %v", err)
	}
	if len(refs) != 1 || refs[0].ID != "main.go" {
		t.Errorf("refs = %+v", refs)
	}
}

func TestPrepare_DismissedNeverRunsTool(t *testing.T) {
	t.Parallel()
	rt := &recordingTool{}
	p := newProcessor(t, rt)

	history := History{
		{Role: copilot.RoleUser, Content: "get example.com"},
		{Role: copilot.RoleAssistant},
		decision(copilot.StateDismissed, "fetch", `{"url":"http://example.com","method":"GET"}`),
	}
	_, err := p.Prepare(context.Background(), Turn{History: history})

	if copilot.KindOf(err) != copilot.KindAbortedByUser {
		t.Fatalf("err = %v, want aborted", err)
	}
	ce := copilot.Normalize(err)
	if ce.Type != copilot.TypeReference || ce.Code != copilot.CodeConfirmation || ce.Message != "Aborted request, try again" {
		t.Errorf("got %+v", ce)
	}
	if len(rt.calls) != 0 {
		t.Errorf("tool ran %d times, want 0", len(rt.calls))
	}
}

func TestPrepare_UnknownConfirmedFunction(t *testing.T) {
	t.Parallel()
	rt := &recordingTool{}
	p := newProcessor(t, rt)

	history := History{decision(copilot.StateAccepted, "delete_repo", `{}`)}
	_, err := p.Prepare(context.Background(), Turn{History: history})

	ce := copilot.Normalize(err)
	if ce.Kind != copilot.KindUnknownFunction || ce.Type != copilot.TypeAgent || ce.Code != copilot.CodeGitHub {
		t.Fatalf("got %+v", ce)
	}
	if ce.Identifier != "invalid function: delete_repo" || ce.Message != "Invalid function" {
		t.Errorf("got %+v", ce)
	}
	if len(rt.calls) != 0 {
		t.Errorf("tool ran %d times, want 0", len(rt.calls))
	}
}

func TestPrepare_AcceptedRunsToolAndSplicesHistory(t *testing.T) {
	t.Parallel()
	rt := &recordingTool{result: "<html>hi</html>"}
	p := newProcessor(t, rt)

	history := History{
		{Role: copilot.RoleUser, Content: "user message: get example.com"},
		{Role: copilot.RoleAssistant, Content: ""},
		decision(copilot.StateAccepted, "fetch", `{ "url": "http://example.com", "method": "GET" }`),
	}
	prep, err := p.Prepare(context.Background(), Turn{History: history})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if len(rt.calls) != 1 || rt.calls[0] != `{"url":"http://example.com","method":"GET"}` {
		t.Fatalf("tool calls = %q", rt.calls)
	}
	if prep.Executed != "fetch" {
		t.Errorf("Executed = %q", prep.Executed)
	}

	h := prep.History
	if len(h) != 4 {
		t.Fatalf("history len = %d, want 4: %+v", len(h), h)
	}
	if h[0].Content != "user message: get example.com" {
		t.Errorf("h[0] = %+v", h[0])
	}
	if len(h[1].Confirmations) != 1 || h[1].Role != copilot.RoleUser {
		t.Errorf("h[1] should be the decision message, got %+v", h[1])
	}
	if h[2].Role != copilot.RoleAssistant || len(h[2].ToolCalls) != 1 {
		t.Fatalf("h[2] = %+v", h[2])
	}
	tc := h[2].ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" || tc.Function.Name != "fetch" || tc.Function.Arguments != rt.calls[0] {
		t.Errorf("tool call = %+v", tc)
	}
	if h[3].Role != copilot.RoleTool || h[3].ToolCallID != "call_1" || h[3].Name != "fetch" || h[3].Content != "<html>hi</html>" {
		t.Errorf("h[3] = %+v", h[3])
	}

	if len(history) != 3 || history[1].Role != copilot.RoleAssistant {
		t.Error("caller history was mutated")
	}

	msgs := prep.Request.Messages
	if len(msgs) != 4 || msgs[2].ToolCalls[0].Name != "fetch" || msgs[3].ToolCallID != "call_1" {
		t.Errorf("request messages = %+v", msgs)
	}
}

func TestPrepare_AcceptedWithoutPlaceholder(t *testing.T) {
	t.Parallel()
	rt := &recordingTool{result: "ok"}
	p := newProcessor(t, rt)

	history := History{
		{Role: copilot.RoleUser, Content: "first"},
		decision(copilot.StateAccepted, "fetch", `{"url":"http://example.com","method":"GET"}`),
	}
	prep, err := p.Prepare(context.Background(), Turn{History: history})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(prep.History) != 4 || prep.History[0].Content != "first" {
		t.Errorf("user message before the decision must be kept: %+v", prep.History)
	}
}

func TestPrepare_ToolErrorPropagates(t *testing.T) {
	t.Parallel()
	rt := &recordingTool{err: copilot.PolicyViolation(errors.New("private"))}
	p := newProcessor(t, rt)

	history := History{decision(copilot.StateAccepted, "fetch", `{"url":"http://10.0.0.5","method":"GET"}`)}
	_, err := p.Prepare(context.Background(), Turn{History: history})
	if copilot.KindOf(err) != copilot.KindPolicyViolation {
		t.Errorf("err = %v, want policy violation", err)
	}
}

func TestPrepare_StringEncodedArgs(t *testing.T) {
	t.Parallel()
	rt := &recordingTool{}
	p := newProcessor(t, rt)

	history := History{decision(copilot.StateAccepted, "fetch", `"{\"url\":\"http://example.com\",\"method\":\"GET\"}"`)}
	if _, err := p.Prepare(context.Background(), Turn{History: history}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(rt.calls) != 1 || rt.calls[0] != `{"url":"http://example.com","method":"GET"}` {
		t.Errorf("tool calls = %q", rt.calls)
	}
}

func TestSystemPrompt(t *testing.T) {
	t.Parallel()
	reg, _ := tools.NewRegistry()
	if got := NewProcessor(reg, WithHardenedPrompt(false)).SystemPrompt(); got != BasePrompt {
		t.Errorf("plain prompt = %q", got)
	}
	if got := NewProcessor(reg).SystemPrompt(); !strings.Contains(got, "private network") {
		t.Errorf("hardened prompt = %q", got)
	}
}
