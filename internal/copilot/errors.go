package copilot

import (
	"errors"
	"fmt"
)

// Kind classifies why a turn failed.
type Kind int

const (
	KindUnclassified Kind = iota
	KindAbortedByUser
	KindUnknownFunction
	KindInvalidToolCall
	KindPolicyViolation
	KindTimeout
	KindUpstreamAuthFailure
)

// String returns the kind name used in logs and metric attributes.
func (k Kind) String() string {
	switch k {
	case KindAbortedByUser:
		return "aborted_by_user"
	case KindUnknownFunction:
		return "unknown_function"
	case KindInvalidToolCall:
		return "invalid_tool_call"
	case KindPolicyViolation:
		return "policy_violation"
	case KindTimeout:
		return "timeout"
	case KindUpstreamAuthFailure:
		return "upstream_auth_failure"
	default:
		return "unclassified"
	}
}

// ErrorType is the Copilot client's error category.
type ErrorType string

const (
	TypeAgent     ErrorType = "agent"
	TypeFunction  ErrorType = "function"
	TypeReference ErrorType = "reference"
)

// Error codes reported to the Copilot client.
const (
	CodeGitHub       = "100"
	CodeProcessing   = "101"
	CodeConfirmation = "102"
	CodePolicy       = "103"
	CodeTimeout      = "104"
)

// DefaultIdentifier is used when an error carries no specific identifier.
const DefaultIdentifier = "error"

// Error is a classified turn failure. It is rendered to the client as a single
// copilot_errors frame.
type Error struct {
	Kind       Kind
	Type       ErrorType
	Code       string
	Message    string
	Identifier string
	Cause      error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("copilot %s (%s/%s): %s: %v", e.Kind, e.Type, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("copilot %s (%s/%s): %s", e.Kind, e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// ID returns the identifier, defaulting to [DefaultIdentifier].
func (e *Error) ID() string {
	if e.Identifier == "" {
		return DefaultIdentifier
	}
	return e.Identifier
}

// Normalize returns err as a *Error. Errors that are not already classified
// anywhere in their chain are wrapped as [KindUnclassified].
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return Unclassified(err)
}

// KindOf reports the kind of err, or KindUnclassified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnclassified
}

// Unclassified wraps an unexpected failure.
func Unclassified(cause error) *Error {
	return &Error{
		Kind:    KindUnclassified,
		Type:    TypeAgent,
		Code:    CodeProcessing,
		Message: "Issue processing request",
		Cause:   cause,
	}
}

// NoHistory is returned for a turn with an empty message list.
func NoHistory() *Error {
	return &Error{
		Kind:    KindUnclassified,
		Type:    TypeAgent,
		Code:    CodeGitHub,
		Message: "No history provided",
	}
}

// Aborted is returned when the user dismissed a confirmation.
func Aborted() *Error {
	return &Error{
		Kind:    KindAbortedByUser,
		Type:    TypeReference,
		Code:    CodeConfirmation,
		Message: "Aborted request, try again",
	}
}

// UnknownConfirmedFunction is returned when the client confirms a function
// that is not registered.
func UnknownConfirmedFunction(name string) *Error {
	return &Error{
		Kind:       KindUnknownFunction,
		Type:       TypeAgent,
		Code:       CodeGitHub,
		Message:    "Invalid function",
		Identifier: "invalid function: " + name,
	}
}

// UnknownProposedFunction is returned when the model proposes a function that
// is not registered.
func UnknownProposedFunction(name string) *Error {
	return &Error{
		Kind:       KindUnknownFunction,
		Type:       TypeFunction,
		Code:       CodeProcessing,
		Message:    "Issue processing request, try stating the request again",
		Identifier: "invalid function: " + name,
	}
}

// UnparsableArguments is returned when tool-call arguments are not valid JSON.
func UnparsableArguments(cause error) *Error {
	return &Error{
		Kind:    KindInvalidToolCall,
		Type:    TypeAgent,
		Code:    CodeProcessing,
		Message: "Issue processing request, try stating the request again",
		Cause:   cause,
	}
}

// MissingArguments is returned when required tool-call arguments are absent.
func MissingArguments(raw string, cause error) *Error {
	return &Error{
		Kind:       KindInvalidToolCall,
		Type:       TypeFunction,
		Code:       CodeProcessing,
		Message:    "Issue processing request, try stating the request again",
		Identifier: "function missing args: " + raw,
		Cause:      cause,
	}
}

// PolicyViolation is returned when an outbound destination is refused.
func PolicyViolation(cause error) *Error {
	return &Error{
		Kind:       KindPolicyViolation,
		Type:       TypeFunction,
		Code:       CodePolicy,
		Message:    "Request blocked: destination is not allowed",
		Identifier: "ssrf_rejected",
		Cause:      cause,
	}
}

// Timeout is returned when the outbound request exceeded its deadline.
func Timeout(cause error) *Error {
	return &Error{
		Kind:       KindTimeout,
		Type:       TypeFunction,
		Code:       CodeTimeout,
		Message:    "Request timed out, try again",
		Identifier: "timeout",
		Cause:      cause,
	}
}

// Unauthorized is returned when the request is missing its credential or
// signature headers.
func Unauthorized() *Error {
	return &Error{
		Kind:       KindUpstreamAuthFailure,
		Type:       TypeAgent,
		Code:       CodeProcessing,
		Message:    "Not authorized with github",
		Identifier: "agent",
	}
}

// VerificationFailed is returned when the request signature cannot be verified.
func VerificationFailed(message string, cause error) *Error {
	return &Error{
		Kind:    KindUpstreamAuthFailure,
		Type:    TypeAgent,
		Code:    CodeGitHub,
		Message: message,
		Cause:   cause,
	}
}
