// Package goopenai provides an LLM provider backed by
// github.com/sashabaranov/go-openai. It targets OpenAI-compatible gateways
// (LiteLLM, vLLM, Azure-style proxies) that the official SDK's defaults do not
// fit.
package goopenai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/MrWong99/fetchpilot/pkg/provider/llm"
)

// Provider implements llm.Provider using go-openai.
type Provider struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client

	// static is reused when an api key is configured.
	static *openai.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL points the client at an OpenAI-compatible gateway.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.httpClient = hc }
}

// New constructs a Provider. An empty apiKey defers authentication to the
// per-turn credential.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("goopenai: model must not be empty")
	}
	p := &Provider{model: model, apiKey: apiKey}
	for _, o := range opts {
		o(p)
	}
	if apiKey != "" {
		p.static = p.newClient(apiKey)
	}
	return p, nil
}

func (p *Provider) newClient(key string) *openai.Client {
	cfg := openai.DefaultConfig(key)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	if p.httpClient != nil {
		cfg.HTTPClient = p.httpClient
	}
	return openai.NewClientWithConfig(cfg)
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	client := p.static
	if client == nil {
		if req.Credential == "" {
			return nil, fmt.Errorf("goopenai: no api key configured and no credential supplied")
		}
		client = p.newClient(req.Credential)
	}

	stream, err := client.CreateChatCompletionStream(ctx, p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("goopenai: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		var acc []llm.ToolCall

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case ch <- llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()}:
				case <-ctx.Done():
				}
				return
			}

			raw, err := json.Marshal(resp)
			if err != nil {
				select {
				case ch <- llm.Chunk{FinishReason: llm.FinishReasonError, Text: fmt.Sprintf("goopenai: encode chunk: %v", err)}:
				case <-ctx.Done():
				}
				return
			}

			out := llm.Chunk{Raw: raw}
			if len(resp.Choices) > 0 {
				choice := resp.Choices[0]
				out.Text = choice.Delta.Content
				out.FinishReason = string(choice.FinishReason)
				acc = accumulate(acc, choice.Delta.ToolCalls)
				if out.FinishReason != "" && len(acc) > 0 {
					out.ToolCalls = append([]llm.ToolCall(nil), acc...)
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return llm.CapabilitiesFor(p.model)
}

// accumulate merges streamed tool-call deltas into acc by index.
func accumulate(acc []llm.ToolCall, deltas []openai.ToolCall) []llm.ToolCall {
	for i, d := range deltas {
		idx := i
		if d.Index != nil {
			idx = *d.Index
		}
		for len(acc) <= idx {
			acc = append(acc, llm.ToolCall{})
		}
		if d.ID != "" {
			acc[idx].ID = d.ID
		}
		if d.Function.Name != "" {
			acc[idx].Name = d.Function.Name
		}
		acc[idx].Arguments += d.Function.Arguments
	}
	return acc
}

// buildRequest converts a CompletionRequest into a go-openai request.
func (p *Provider) buildRequest(req llm.CompletionRequest) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       p.model,
		Stream:      true,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}

	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, convertMessage(m))
	}

	for _, td := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return out
}

func convertMessage(m llm.Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

var _ llm.Provider = (*Provider)(nil)
