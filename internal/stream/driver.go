// Package stream relays a model's streaming completion to the Copilot client
// and decides how the response ends.
//
// Every chunk is forwarded verbatim as a data frame. Once the model is done,
// a proposed tool call turns into a copilot_confirmation prompt; otherwise
// the stream is closed with [DONE]. Tool calls are never executed here.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/fetchpilot/internal/copilot"
	"github.com/MrWong99/fetchpilot/internal/observe"
	"github.com/MrWong99/fetchpilot/internal/tools"
	"github.com/MrWong99/fetchpilot/pkg/provider/llm"
)

// ConfirmationTitle is the title of every confirmation prompt.
const ConfirmationTitle = "Confirmation"

// Ending describes how a relayed response ended.
type Ending int

const (
	// EndedDone means the response was closed with [DONE].
	EndedDone Ending = iota
	// EndedConfirmation means a confirmation prompt was emitted.
	EndedConfirmation
)

func (e Ending) String() string {
	if e == EndedConfirmation {
		return "confirmation"
	}
	return "done"
}

// Outcome summarizes a successful [Driver.Run].
type Outcome struct {
	Ending Ending

	// Chunks is the number of data frames relayed.
	Chunks int

	// ToolCall is the call a confirmation was requested for.
	ToolCall *llm.ToolCall
}

// Driver relays model output. It is safe for concurrent use.
type Driver struct {
	tools *tools.Registry
}

// NewDriver returns a Driver that accepts proposals for the tools in reg.
func NewDriver(reg *tools.Registry) *Driver {
	return &Driver{tools: reg}
}

// Run relays chunks to w until the channel closes and then writes the
// ending frame. Errors are [*copilot.Error] values, write failures, or the
// context's error; the caller is responsible for reporting them.
func (d *Driver) Run(ctx context.Context, w *copilot.EventWriter, chunks <-chan llm.Chunk) (out Outcome, err error) {
	ctx, span := observe.StartSpan(ctx, "stream.relay")
	defer func() {
		span.SetAttributes(attribute.Int("stream.chunks", out.Chunks))
		observe.EndSpan(span, err)
	}()

	var last []llm.ToolCall
	for {
		var (
			c  llm.Chunk
			ok bool
		)
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case c, ok = <-chunks:
		}
		if !ok {
			break
		}

		if c.FinishReason == llm.FinishReasonError {
			return out, copilot.Unclassified(errors.New("model stream: " + c.Text))
		}
		if len(c.Raw) > 0 {
			if err := w.Data(c.Raw); err != nil {
				return out, err
			}
			out.Chunks++
		}
		if len(c.ToolCalls) > 0 {
			last = c.ToolCalls
		}
	}

	// Providers close the channel on cancellation too.
	if err := ctx.Err(); err != nil {
		return out, err
	}

	if len(last) == 0 {
		out.Ending = EndedDone
		return out, w.Done()
	}
	if len(last) > 1 {
		observe.Logger(ctx).Debug("ignoring extra tool calls", "count", len(last)-1)
	}

	call := last[0]
	prompt, err := d.confirmation(call)
	if err != nil {
		return out, err
	}
	span.SetAttributes(attribute.String("stream.tool", call.Name))

	if err := w.Confirmation(prompt); err != nil {
		return out, err
	}
	out.Ending = EndedConfirmation
	out.ToolCall = &call
	return out, nil
}

// confirmation validates call and builds the prompt asking the user to
// approve it.
func (d *Driver) confirmation(call llm.ToolCall) (copilot.ConfirmationPrompt, error) {
	tool, ok := d.tools.Lookup(call.Name)
	if !ok {
		return copilot.ConfirmationPrompt{}, copilot.UnknownProposedFunction(call.Name)
	}

	var args bytes.Buffer
	if err := json.Compact(&args, []byte(call.Arguments)); err != nil {
		return copilot.ConfirmationPrompt{}, copilot.UnparsableArguments(err)
	}

	msg, err := tool.Describe(call.Arguments)
	if err != nil {
		var ce *copilot.Error
		if errors.As(err, &ce) {
			return copilot.ConfirmationPrompt{}, err
		}
		return copilot.ConfirmationPrompt{}, copilot.MissingArguments(call.Arguments, err)
	}

	return copilot.ConfirmationPrompt{
		Title:   ConfirmationTitle,
		Message: msg,
		Confirmation: copilot.ConfirmationData{
			Args:         json.RawMessage(args.Bytes()),
			FunctionName: call.Name,
			ID:           call.ID,
		},
	}, nil
}
