// Package llm defines the Provider interface for chat-completion backends.
//
// A provider wraps a remote model API (the GitHub Copilot chat endpoint, a
// plain OpenAI-compatible gateway, or any backend supported by any-llm-go) and
// exposes a single streaming call. The agent relays every chunk to the Copilot
// client verbatim, so chunks carry the provider's raw wire JSON alongside the
// decoded fields the server itself inspects.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// FinishReasonError marks a synthetic chunk that reports a mid-stream failure.
// Its Text field carries the error message.
const FinishReasonError = "error"

// CompletionRequest carries everything the model needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages must
// be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history, already rewritten for this
	// turn. The last message drives the response.
	Messages []Message

	// Tools is the set of function definitions offered to the model.
	Tools []ToolDefinition

	// SystemPrompt is injected before the conversation history as a
	// "system"-role message.
	SystemPrompt string

	// Credential is the bearer token supplied with the inbound turn. Providers
	// configured without a static API key authenticate with it.
	Credential string

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Raw is the provider's JSON encoding of this chunk in the OpenAI
	// chat.completion.chunk shape. It is relayed to the client unchanged.
	// Empty for synthetic chunks (errors).
	Raw []byte

	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk of a choice: "stop", "length",
	// "tool_calls", or [FinishReasonError] for a failed stream.
	FinishReason string

	// ToolCalls holds the fully assembled tool invocations. Providers attach
	// them to the chunk carrying the finish reason; partial fragments are never
	// exposed.
	ToolCalls []ToolCall
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values in arrival order. The channel is closed when
	// generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel (or cancel ctx) to avoid goroutine leaks.
	// Errors after the stream has started are surfaced as a Chunk with
	// FinishReason [FinishReasonError]; the error return is non-nil only for
	// failures that prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Capabilities returns static metadata describing the configured model.
	Capabilities() ModelCapabilities
}
