// Package agent serves the Copilot agent endpoint.
//
// [Handler] is the boundary of a turn: it authenticates the request, lets the
// [turn.Processor] interpret the conversation, starts the model stream, and
// hands the stream to the [stream.Driver]. Every failure below it ends up
// here, is classified into a [copilot.Error], logged once, and written to the
// client as a single copilot_errors frame.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/fetchpilot/internal/copilot"
	"github.com/MrWong99/fetchpilot/internal/observe"
	"github.com/MrWong99/fetchpilot/internal/stream"
	"github.com/MrWong99/fetchpilot/internal/turn"
	"github.com/MrWong99/fetchpilot/pkg/provider/llm"
)

// DefaultMaxRequestBytes caps the size of an inbound request body.
const DefaultMaxRequestBytes = 4 << 20

// Authenticator checks an inbound request and returns the caller's token.
// *auth.Verifier implements it.
type Authenticator interface {
	Verify(ctx context.Context, h http.Header, body []byte) (string, error)
}

// Handler serves POST /agent. It is safe for concurrent use.
type Handler struct {
	auth      Authenticator
	processor *turn.Processor
	provider  llm.Provider
	driver    *stream.Driver

	providerName    string
	maxRequestBytes int64
	metrics         *observe.Metrics
}

// Option configures a [Handler].
type Option func(*Handler)

// WithMetrics records turn metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithMaxRequestBytes caps the request body size. Values <= 0 keep the
// default.
func WithMaxRequestBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxRequestBytes = n
		}
	}
}

// WithProviderName labels provider metrics.
func WithProviderName(name string) Option {
	return func(h *Handler) { h.providerName = name }
}

// New returns a Handler wired to its collaborators.
func New(a Authenticator, p *turn.Processor, provider llm.Provider, d *stream.Driver, opts ...Option) *Handler {
	h := &Handler{
		auth:            a,
		processor:       p,
		provider:        provider,
		driver:          d,
		providerName:    "llm",
		maxRequestBytes: DefaultMaxRequestBytes,
		metrics:         observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the agent route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /agent", h)
}

// ServeHTTP runs one turn. The response is always a 200 event stream; turn
// failures are reported in-band.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := observe.StartSpan(r.Context(), "agent.turn",
		trace.WithSpanKind(trace.SpanKindServer),
	)

	h.metrics.ActiveTurns.Add(ctx, 1)
	defer h.metrics.ActiveTurns.Add(ctx, -1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	ew := copilot.NewEventWriter(w)

	outcome := "error"
	out, err := h.serve(ctx, w, r, ew)
	if err != nil {
		h.fail(ctx, ew, err)
	} else {
		outcome = out.Ending.String()
		span.SetAttributes(attribute.Int("agent.chunks", out.Chunks))
	}
	span.SetAttributes(attribute.String("agent.outcome", outcome))
	h.metrics.RecordTurn(ctx, outcome, time.Since(start).Seconds())
	observe.EndSpan(span, err)
}

func (h *Handler) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, ew *copilot.EventWriter) (stream.Outcome, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBytes))
	if err != nil {
		return stream.Outcome{}, fmt.Errorf("agent: read body: %w", err)
	}

	token, err := h.auth.Verify(ctx, r.Header, body)
	if err != nil {
		return stream.Outcome{}, err
	}

	var req copilot.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return stream.Outcome{}, fmt.Errorf("agent: decode request: %w", err)
	}
	if req.ThreadID != "" {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("copilot.thread_id", req.ThreadID))
	}

	prep, err := h.processor.Prepare(ctx, turn.Turn{
		History:     req.Messages,
		Credential:  token,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return stream.Outcome{}, err
	}

	// Cancelling stops the provider's goroutine when the driver returns early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	llmStart := time.Now()
	chunks, err := h.provider.StreamCompletion(ctx, prep.Request)
	if err != nil {
		h.metrics.RecordProviderRequest(ctx, h.providerName, "llm", "error")
		h.metrics.RecordProviderError(ctx, h.providerName, "llm")
		return stream.Outcome{}, fmt.Errorf("agent: start model stream: %w", err)
	}
	h.metrics.RecordProviderRequest(ctx, h.providerName, "llm", "ok")

	out, err := h.driver.Run(ctx, ew, chunks)
	h.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
	if err != nil {
		return out, err
	}

	observe.Logger(ctx).Debug("turn done",
		"outcome", out.Ending.String(),
		"chunks", out.Chunks,
		"executed", prep.Executed,
	)
	return out, nil
}

// fail is the single reporting point for turn errors.
func (h *Handler) fail(ctx context.Context, ew *copilot.EventWriter, err error) {
	log := observe.Logger(ctx)

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Info("turn cancelled by client", "err", err)
		h.metrics.RecordTurnError(ctx, "cancelled", "")
		return
	}

	ce := copilot.Normalize(err)
	log.Error("turn failed",
		"kind", ce.Kind.String(),
		"type", string(ce.Type),
		"code", ce.Code,
		"identifier", ce.ID(),
		"err", err,
	)
	h.metrics.RecordTurnError(ctx, ce.Kind.String(), ce.Code)

	if werr := ew.Error(ce); werr != nil {
		log.Debug("write error frame", "err", werr)
	}
}
