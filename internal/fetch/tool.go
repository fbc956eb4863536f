package fetch

import (
	"context"
	"errors"

	"github.com/MrWong99/fetchpilot/internal/copilot"
	"github.com/MrWong99/fetchpilot/internal/tools"
	"github.com/MrWong99/fetchpilot/pkg/provider/llm"
)

// ToolName is the function name the model uses to propose a request.
const ToolName = "fetch"

// Doer executes a confirmed action. *Executor implements it.
type Doer interface {
	Execute(ctx context.Context, a Action) (Result, error)
}

// Definition returns the model-facing schema of the fetch tool.
func Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        ToolName,
		Description: "Make an HTTP request",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to make the request to",
				},
				"method": map[string]any{
					"type":        "string",
					"enum":        Methods,
					"description": "The HTTP method to use",
				},
				"headers": map[string]any{
					"type":        "object",
					"description": "Headers to include in the request",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "The body of the request (for POST, PUT, PATCH)",
				},
			},
			"required": []string{"url", "method"},
		},
	}
}

// Tool returns the fetch tool backed by d.
func Tool(d Doer) tools.Tool {
	return tools.Tool{
		Definition: Definition(),
		Describe: func(args string) (string, error) {
			a, err := parseForTool(args)
			if err != nil {
				return "", err
			}
			return Describe(a), nil
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			a, err := parseForTool(args)
			if err != nil {
				return "", err
			}
			res, err := d.Execute(ctx, a)
			switch {
			case err == nil:
				return res.Text, nil
			case errors.Is(err, ErrPolicyViolation):
				return "", copilot.PolicyViolation(err)
			case errors.Is(err, ErrTimeout):
				return "", copilot.Timeout(err)
			default:
				return "", err
			}
		},
	}
}

func parseForTool(args string) (Action, error) {
	a, err := ParseAction(args)
	switch {
	case errors.Is(err, ErrUnparsableArgs):
		return Action{}, copilot.UnparsableArguments(err)
	case err != nil:
		return Action{}, copilot.MissingArguments(args, err)
	}
	return a, nil
}
