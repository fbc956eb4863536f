// Package turn interprets the tail of a Copilot conversation and builds the
// model request for the current turn.
//
// A turn is in one of two states. When the last message carries a
// confirmation decision, the confirmed tool call is run and its result is
// spliced into the history. Otherwise the last message is rewritten into the
// prompt shape the model expects. In both cases the result is a
// [Prepared] history and the [llm.CompletionRequest] derived from it.
//
// The processor never mutates the caller's history.
package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/fetchpilot/internal/copilot"
	"github.com/MrWong99/fetchpilot/internal/observe"
	"github.com/MrWong99/fetchpilot/internal/tools"
	"github.com/MrWong99/fetchpilot/pkg/provider/llm"
)

// BasePrompt is the system preamble sent with every turn.
const BasePrompt = "You are an HTTP request builder and executor. " +
	"Use the context passed by the user to build the correct request. " +
	"Ask the user for clarification if you need it. " +
	"Ask the user if you need any required parameters. " +
	"Show the response exactly as it is."

// HardenedRules is appended to [BasePrompt] when the hardened prompt is on.
const HardenedRules = " Never build requests to localhost, loopback, link-local " +
	"or private network addresses. " +
	"When a request has a body, set a Content-Type header that matches it."

// History is an ordered conversation. The last element is the current input.
type History []copilot.Message

// Turn is the input of a single agent turn.
type Turn struct {
	History History

	// Credential is the caller's token, forwarded to the model provider.
	Credential string

	// Temperature and MaxTokens are forwarded when non-zero.
	Temperature float64
	MaxTokens   int
}

// Prepared is the rewritten history and the model request built from it.
type Prepared struct {
	History History
	Request llm.CompletionRequest

	// Executed names the tool run on this turn, if any.
	Executed string
}

// Processor prepares turns. It is safe for concurrent use.
type Processor struct {
	tools    *tools.Registry
	hardened bool
}

// Option configures a [Processor].
type Option func(*Processor)

// WithHardenedPrompt toggles the hardened system preamble.
func WithHardenedPrompt(on bool) Option {
	return func(p *Processor) { p.hardened = on }
}

// NewProcessor returns a Processor offering the tools in reg. The hardened
// preamble is on by default.
func NewProcessor(reg *tools.Registry, opts ...Option) *Processor {
	p := &Processor{tools: reg, hardened: true}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SystemPrompt returns the preamble the processor sends.
func (p *Processor) SystemPrompt() string {
	if p.hardened {
		return BasePrompt + HardenedRules
	}
	return BasePrompt
}

// Prepare interprets t and returns the history and request for the model.
// Errors are [*copilot.Error] values, except for unclassified tool failures.
func (p *Processor) Prepare(ctx context.Context, t Turn) (prep Prepared, err error) {
	ctx, span := observe.StartSpan(ctx, "turn.prepare",
		trace.WithAttributes(attribute.Int("turn.history_len", len(t.History))),
	)
	defer func() { observe.EndSpan(span, err) }()

	if len(t.History) == 0 {
		return Prepared{}, copilot.NoHistory()
	}

	h := slices.Clone(t.History)
	current := h[len(h)-1]
	h = h[:len(h)-1]

	switch in := copilot.Classify(current).(type) {
	case copilot.Decision:
		h, err = p.decide(ctx, h, in)
		if err != nil {
			return Prepared{}, err
		}
		prep.Executed = in.Confirmation.Confirmation.FunctionName
	case copilot.Utterance:
		h = append(h, promptMessage(in.Message))
	}

	prep.History = h
	prep.Request = llm.CompletionRequest{
		Messages:     toLLM(h),
		Tools:        p.tools.Definitions(),
		SystemPrompt: p.SystemPrompt(),
		Credential:   t.Credential,
		Temperature:  t.Temperature,
		MaxTokens:    t.MaxTokens,
	}
	return prep, nil
}

// decide runs the confirmed tool call of d and splices its result into h.
func (p *Processor) decide(ctx context.Context, h History, d copilot.Decision) (History, error) {
	c := d.Confirmation
	if c.State != copilot.StateAccepted {
		return nil, copilot.Aborted()
	}

	name := c.Confirmation.FunctionName
	tool, ok := p.tools.Lookup(name)
	if !ok {
		return nil, copilot.UnknownConfirmedFunction(name)
	}

	// The client leaves an empty assistant message after the confirmation prompt.
	// Only an assistant element is dropped so a client that omits it keeps its
	// last user message.
	if n := len(h); n > 0 && h[n-1].Role == copilot.RoleAssistant {
		h = h[:n-1]
	}

	args := compactArgs(c.Confirmation.Args)
	observe.Logger(ctx).Info("running confirmed tool call", "tool", name, "id", c.Confirmation.ID)

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return nil, err
	}

	return append(h,
		d.Message,
		copilot.Message{
			Role: copilot.RoleAssistant,
			ToolCalls: []copilot.ToolCall{{
				ID:   c.Confirmation.ID,
				Type: "function",
				Function: copilot.FunctionCall{
					Name:      name,
					Arguments: args,
				},
			}},
		},
		copilot.Message{
			Role:       copilot.RoleTool,
			Name:       name,
			ToolCallID: c.Confirmation.ID,
			Content:    result,
		},
	), nil
}

// promptMessage rewrites a plain user message into the model prompt.
func promptMessage(m copilot.Message) copilot.Message {
	var b strings.Builder
	b.WriteString("user message: ")
	b.WriteString(m.Content)
	if len(m.References) > 0 {
		if refs, err := json.Marshal(m.References); err == nil {
			fmt.Fprintf(&b, "\n\ncontext: %s", refs)
		}
	}
	m.Content = b.String()
	return m
}

// compactArgs returns the JSON text of confirmation args. An args value that
// is itself a JSON string is unwrapped, since the model emits arguments as a
// string.
func compactArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func toLLM(h History) []llm.Message {
	out := make([]llm.Message, 0, len(h))
	for _, m := range h {
		lm := llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		out = append(out, lm)
	}
	return out
}
