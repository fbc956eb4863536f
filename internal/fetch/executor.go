// Package fetch performs the outbound HTTP requests a user confirmed.
//
// Every request passes the destination through a [netguard.Guard] before it
// is sent, and again for every redirect hop. Requests are bounded by a
// timeout and the response text is capped at a character limit. A request is
// attempted exactly once.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/fetchpilot/internal/netguard"
	"github.com/MrWong99/fetchpilot/internal/observe"
)

// Defaults for [Policy] fields left zero.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultMaxChars     = 3750
	DefaultMaxBodyBytes = 1 << 20
	DefaultUserAgent    = "fetchpilot"
	maxRedirects        = 10
)

var (
	// ErrPolicyViolation is returned when the destination is refused.
	ErrPolicyViolation = errors.New("fetch: destination refused by policy")

	// ErrTimeout is returned when the request exceeded its deadline.
	ErrTimeout = errors.New("fetch: request timed out")
)

// Policy bounds a single outbound request. It can be swapped at runtime with
// [Executor.SetPolicy].
type Policy struct {
	// Timeout bounds the whole request including reading the body.
	Timeout time.Duration

	// MaxChars is the number of characters of response text returned.
	MaxChars int

	// MaxBodyBytes caps the bytes read from the response body.
	MaxBodyBytes int64

	// ResolveCheck re-checks the resolved address of every connection so DNS
	// names pointing at private ranges are refused too.
	ResolveCheck bool

	// BlockIPv6Private refuses IPv6 loopback, link-local and unique-local
	// literals.
	BlockIPv6Private bool

	// UserAgent is sent when the action does not set one.
	UserAgent string
}

func (p Policy) withDefaults() Policy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.MaxChars <= 0 {
		p.MaxChars = DefaultMaxChars
	}
	if p.MaxBodyBytes <= 0 {
		p.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if p.UserAgent == "" {
		p.UserAgent = DefaultUserAgent
	}
	return p
}

func (p Policy) guard() netguard.Guard {
	return netguard.Guard{BlockIPv6Private: p.BlockIPv6Private}
}

// Result is the guarded response of an executed action.
type Result struct {
	// StatusCode is the HTTP status of the final response.
	StatusCode int

	// Text is the response body, truncated to the policy's character bound.
	Text string

	// Truncated reports whether Text was cut.
	Truncated bool
}

// Executor performs guarded outbound requests. It is safe for concurrent use.
type Executor struct {
	client  *http.Client
	policy  atomic.Pointer[Policy]
	metrics *observe.Metrics
}

// Option configures an [Executor].
type Option func(*Executor)

// WithMetrics records fetch metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTransport replaces the transport used for requests. The executor's
// dial-time check only applies to its own transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Executor) { e.client.Transport = rt }
}

// NewExecutor returns an Executor applying p.
func NewExecutor(p Policy, opts ...Option) *Executor {
	e := &Executor{metrics: observe.DefaultMetrics()}
	e.SetPolicy(p)

	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: e.controlConn,
	}
	e.client = &http.Client{
		Transport: &http.Transport{
			// No proxy: the guard must see the real destination.
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		CheckRedirect: e.checkRedirect,
	}

	for _, o := range opts {
		o(e)
	}
	return e
}

// Policy returns the policy currently applied.
func (e *Executor) Policy() Policy {
	return *e.policy.Load()
}

// SetPolicy replaces the policy for subsequent requests.
func (e *Executor) SetPolicy(p Policy) {
	p = p.withDefaults()
	e.policy.Store(&p)
}

// Execute performs a. It returns an error wrapping [ErrPolicyViolation] when
// the URL is unparsable or the destination is refused, and one wrapping
// [ErrTimeout] when the deadline elapsed.
func (e *Executor) Execute(ctx context.Context, a Action) (Result, error) {
	p := e.Policy()
	start := time.Now()

	ctx, span := observe.StartSpan(ctx, "fetch.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.request.method", a.Method)),
	)

	res, err := e.execute(ctx, p, a)

	outcome := "ok"
	switch {
	case errors.Is(err, ErrPolicyViolation):
		outcome = "blocked"
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	default:
		span.SetAttributes(
			attribute.Int("http.response.status_code", res.StatusCode),
			attribute.Bool("fetch.truncated", res.Truncated),
		)
	}
	e.metrics.RecordFetch(ctx, outcome, time.Since(start).Seconds())
	observe.EndSpan(span, err)

	if err != nil {
		observe.Logger(ctx).Info("fetch failed", "method", a.Method, "outcome", outcome, "err", err)
	} else {
		observe.Logger(ctx).Debug("fetch done", "method", a.Method, "status", res.StatusCode, "truncated", res.Truncated)
	}
	return res, err
}

func (e *Executor) execute(ctx context.Context, p Policy, a Action) (Result, error) {
	u, err := url.Parse(a.URL)
	if err != nil {
		return Result{}, fmt.Errorf("%w: parse url: %w", ErrPolicyViolation, err)
	}
	if err := checkURL(p.guard(), u); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	var body io.Reader
	if a.Body != "" {
		body = strings.NewReader(a.Body)
	}
	req, err := http.NewRequestWithContext(ctx, a.Method, u.String(), body)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: build request: %w", err)
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.MaxBodyBytes))
	if err != nil {
		return Result{}, classify(ctx, fmt.Errorf("read body: %w", err))
	}

	raw := string(data)
	text := Truncate(raw, p.MaxChars)
	return Result{
		StatusCode: resp.StatusCode,
		Text:       text,
		Truncated:  text != raw,
	}, nil
}

// checkURL enforces scheme and destination policy on u.
func checkURL(g netguard.Guard, u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrPolicyViolation, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrPolicyViolation)
	}
	if err := g.CheckHost(host); err != nil {
		return fmt.Errorf("%w: %w", ErrPolicyViolation, err)
	}
	return nil
}

func (e *Executor) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("fetch: stopped after %d redirects", maxRedirects)
	}
	return checkURL(e.Policy().guard(), req.URL)
}

// controlConn runs after DNS resolution, right before connect.
func (e *Executor) controlConn(network, address string, _ syscall.RawConn) error {
	p := e.Policy()
	if !p.ResolveCheck {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPolicyViolation, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPolicyViolation, err)
	}
	if err := p.guard().CheckAddr(addr); err != nil {
		return fmt.Errorf("%w: %w", ErrPolicyViolation, err)
	}
	return nil
}

// classify maps a transport error onto the package's sentinel errors. ctx is
// the request's own timeout context.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, ErrPolicyViolation) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("fetch: %w", err)
}
