// Package copilot models the GitHub Copilot agent wire protocol: the inbound
// request and message shapes, the user-facing error taxonomy, and the
// server-sent event frames written back to the Copilot client.
package copilot

import "encoding/json"

// Message roles used on the Copilot wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Request is the body of an inbound agent turn. Only Messages is interpreted;
// Temperature and MaxTokens are forwarded to the model when non-zero.
type Request struct {
	ThreadID         string           `json:"copilot_thread_id"`
	Messages         []Message        `json:"messages"`
	Stop             *string          `json:"stop"`
	TopP             float64          `json:"top_p"`
	Temperature      float64          `json:"temperature"`
	MaxTokens        int              `json:"max_tokens"`
	PresencePenalty  float64          `json:"presence_penalty"`
	FrequencyPenalty float64          `json:"frequency_penalty"`
	Skills           []map[string]any `json:"copilot_skills"`
	Agent            string           `json:"agent"`
}

// Message is a single entry of the conversation history. Which fields are
// populated depends on Role.
type Message struct {
	Role          string         `json:"role"`
	Content       string         `json:"content,omitempty"`
	Name          string         `json:"name,omitempty"`
	ToolCalls     []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID    string         `json:"tool_call_id,omitempty"`
	Confirmations []Confirmation `json:"copilot_confirmations,omitempty"`
	References    []Reference    `json:"copilot_references,omitempty"`
}

// ToolCall is a tool invocation recorded on an assistant message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the invoked function and carries its JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ConfirmationState is the user's decision on a confirmation prompt.
type ConfirmationState string

const (
	StateAccepted  ConfirmationState = "accepted"
	StateDismissed ConfirmationState = "dismissed"
)

// Confirmation is a decision the client attaches to a user message after a
// copilot_confirmation prompt.
type Confirmation struct {
	Confirmation ConfirmationData  `json:"confirmation"`
	State        ConfirmationState `json:"state"`
}

// ConfirmationData identifies the tool invocation a confirmation refers to.
// Args is kept raw so it round-trips exactly as it was emitted.
type ConfirmationData struct {
	Args         json.RawMessage `json:"args"`
	FunctionName string          `json:"functionName"`
	ID           string          `json:"id"`
}

// Reference is a piece of UI context attached to a user message.
type Reference struct {
	Type       string            `json:"type"`
	Data       json.RawMessage   `json:"data,omitempty"`
	ID         string            `json:"id"`
	IsImplicit bool              `json:"is_implicit"`
	Metadata   ReferenceMetadata `json:"metadata"`
}

// ReferenceMetadata is display information for a [Reference].
type ReferenceMetadata struct {
	DisplayName string `json:"display_name"`
	DisplayIcon string `json:"display_icon"`
	DisplayURL  string `json:"display_url"`
}

// Input is the current input of a turn: either an [Utterance] or a [Decision].
type Input interface {
	isInput()
}

// Utterance is a plain user message.
type Utterance struct {
	Message Message
}

// Decision is a user message that carries a confirmation decision.
type Decision struct {
	Message      Message
	Confirmation Confirmation
}

func (Utterance) isInput() {}
func (Decision) isInput()  {}

// Classify returns the turn input represented by m. Only the first attached
// confirmation is considered.
func Classify(m Message) Input {
	if len(m.Confirmations) > 0 {
		return Decision{Message: m, Confirmation: m.Confirmations[0]}
	}
	return Utterance{Message: m}
}
