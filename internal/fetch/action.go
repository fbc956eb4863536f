package fetch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Methods lists the HTTP methods a proposed action may use.
var Methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS", "TRACE", "CONNECT"}

var (
	// ErrUnparsableArgs is returned when tool-call arguments are not a JSON object.
	ErrUnparsableArgs = errors.New("fetch: arguments are not valid JSON")

	// ErrMissingArgs is returned when url or method is absent or invalid.
	ErrMissingArgs = errors.New("fetch: url and method are required")
)

// Action is a proposed HTTP request.
type Action struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// rawAction is the loosely typed shape models actually produce: header values
// and bodies are not always strings.
type rawAction struct {
	URL     string                     `json:"url"`
	Method  string                     `json:"method"`
	Headers map[string]json.RawMessage `json:"headers"`
	Body    json.RawMessage            `json:"body"`
}

// ParseAction decodes and validates tool-call arguments. Method is
// normalized to upper case. Non-string header values and non-string bodies
// are re-encoded as JSON text.
func ParseAction(args string) (Action, error) {
	var raw rawAction
	if err := json.Unmarshal([]byte(args), &raw); err != nil {
		return Action{}, fmt.Errorf("%w: %w", ErrUnparsableArgs, err)
	}

	a := Action{
		URL:    strings.TrimSpace(raw.URL),
		Method: strings.ToUpper(strings.TrimSpace(raw.Method)),
	}
	if a.URL == "" || a.Method == "" {
		return Action{}, ErrMissingArgs
	}
	if !slices.Contains(Methods, a.Method) {
		return Action{}, fmt.Errorf("%w: unsupported method %q", ErrMissingArgs, raw.Method)
	}

	if len(raw.Headers) > 0 {
		a.Headers = make(map[string]string, len(raw.Headers))
		for k, v := range raw.Headers {
			a.Headers[k] = jsonText(v)
		}
	}
	a.Body = jsonText(raw.Body)
	return a, nil
}

// jsonText returns the string value of a JSON string, the compact encoding
// of any other JSON value, and "" for null or absent values.
func jsonText(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

// Describe renders the confirmation prompt for a.
func Describe(a Action) string {
	var b strings.Builder
	b.WriteString("Do you want to make this request?")
	fmt.Fprintf(&b, "\nmethod: %s\nurl: %s", a.Method, a.URL)
	if a.Body != "" {
		fmt.Fprintf(&b, "\nbody: %s", prettyJSON(a.Body))
	}
	if len(a.Headers) > 0 {
		fmt.Fprintf(&b, "\nheaders: %s", prettyJSON(a.Headers))
	}
	return b.String()
}

func prettyJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
