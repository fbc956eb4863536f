package llm

import "strings"

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in a model conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant, or RoleTool.
	Role string

	// Content is the text content of the message.
	Content string

	// Name is the function name on tool-result messages.
	Name string

	// ToolCalls contains any tool invocations recorded on an assistant message.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is RoleTool, identifying which call this answers.
	ToolCallID string
}

// ToolCall represents a function invocation proposed by the model.
type ToolCall struct {
	// ID is the provider-assigned invocation identifier.
	ID string

	// Name is the function name.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// ToolDefinition describes a function offered to the model.
type ToolDefinition struct {
	// Name is the function's unique identifier.
	Name string

	// Description explains what the function does.
	Description string

	// Parameters is the JSON Schema of the argument object.
	Parameters map[string]any
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens generated in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// CapabilitiesFor returns ModelCapabilities for well-known model names.
// Unknown models receive defaults that assume tool calling and streaming.
func CapabilitiesFor(model string) ModelCapabilities {
	caps := ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"), strings.HasPrefix(lower, "gpt-4.1"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4-turbo"):
		caps.MaxOutputTokens = 4_096
	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	case strings.HasPrefix(lower, "o1-mini"):
		caps.MaxOutputTokens = 65_536
		caps.SupportsToolCalling = false
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
	case strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "gemini"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192
	}
	return caps
}
