package copilot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Event names understood by the Copilot client.
const (
	EventConfirmation = "copilot_confirmation"
	EventErrors       = "copilot_errors"
)

// ConfirmationPrompt is the payload of a copilot_confirmation event.
type ConfirmationPrompt struct {
	Type         string           `json:"type"`
	Title        string           `json:"title"`
	Message      string           `json:"message"`
	Confirmation ConfirmationData `json:"confirmation"`
}

type errorPayload struct {
	Type       ErrorType `json:"type"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Identifier string    `json:"identifier"`
}

// EventWriter writes server-sent event frames and flushes after each one so
// the client sees output as it is produced.
//
// EventWriter is not safe for concurrent use.
type EventWriter struct {
	w     io.Writer
	flush func() error
}

// NewEventWriter returns an EventWriter over w. When w is an
// http.ResponseWriter each frame is flushed to the connection.
func NewEventWriter(w io.Writer) *EventWriter {
	ew := &EventWriter{w: w, flush: func() error { return nil }}
	if rw, ok := w.(http.ResponseWriter); ok {
		rc := http.NewResponseController(rw)
		ew.flush = func() error {
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return err
			}
			return nil
		}
	}
	return ew
}

func (ew *EventWriter) write(s string) error {
	if _, err := io.WriteString(ew.w, s); err != nil {
		return fmt.Errorf("copilot: write frame: %w", err)
	}
	if err := ew.flush(); err != nil {
		return fmt.Errorf("copilot: flush frame: %w", err)
	}
	return nil
}

// Data writes a `data:` frame carrying raw verbatim.
func (ew *EventWriter) Data(raw []byte) error {
	return ew.write("data: " + string(raw) + "\n\n")
}

// Done writes the terminal `data: [DONE]` frame.
func (ew *EventWriter) Done() error {
	return ew.write("data: [DONE]\n\n")
}

// Confirmation writes a copilot_confirmation event framed by blank lines so
// the client separates it from preceding content.
func (ew *EventWriter) Confirmation(p ConfirmationPrompt) error {
	if p.Type == "" {
		p.Type = "action"
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("copilot: encode confirmation: %w", err)
	}
	if err := ew.write("\n\n"); err != nil {
		return err
	}
	if err := ew.write("event: " + EventConfirmation + "\ndata: " + string(payload) + "\n\n"); err != nil {
		return err
	}
	return ew.write("\n\n")
}

// Error writes a copilot_errors event for e.
func (ew *EventWriter) Error(e *Error) error {
	payload, err := json.Marshal([]errorPayload{{
		Type:       e.Type,
		Code:       e.Code,
		Message:    e.Message,
		Identifier: e.ID(),
	}})
	if err != nil {
		return fmt.Errorf("copilot: encode error: %w", err)
	}
	return ew.write("event: " + EventErrors + "\ndata: " + string(payload) + "\n\n")
}
