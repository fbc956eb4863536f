package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/fetchpilot/internal/app"
	"github.com/MrWong99/fetchpilot/internal/config"
	"github.com/MrWong99/fetchpilot/internal/resilience"
	"github.com/MrWong99/fetchpilot/pkg/provider/llm"
	"github.com/MrWong99/fetchpilot/pkg/provider/llm/anyllm"
	"github.com/MrWong99/fetchpilot/pkg/provider/llm/goopenai"
	"github.com/MrWong99/fetchpilot/pkg/provider/llm/openai"
)

// ── Provider registration ─────────────────────────────────────────────────────

// registerBuiltinProviders wires every provider shipped with fetchpilot into
// reg.
func registerBuiltinProviders(reg *config.Registry) {
	// The Copilot endpoint speaks the OpenAI chat API and authenticates with
	// the caller's GitHub token.
	reg.RegisterLLM("copilot", func(entry config.ProviderEntry) (llm.Provider, error) {
		model := entry.Model
		if model == "" {
			model = openai.DefaultModel
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, model, opts...)
	})

	reg.RegisterLLM("openai-compatible", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []goopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, goopenai.WithBaseURL(entry.BaseURL))
		}
		return goopenai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyllm.Backends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			// Local backends need no key, so one backend serves every turn.
			static := entry.APIKey != "" || isLocalBackend(providerName)
			return anyllm.New(providerName, entry.Model, static, opts...)
		})
	}
}

func isLocalBackend(name string) bool {
	switch name {
	case "ollama", "llamacpp", "llamafile":
		return true
	}
	return false
}

// buildProviders instantiates the primary model backend and its fallbacks
// and wraps them in a circuit-breaking [resilience.LLMFallback].
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	primary := cfg.Providers.LLM
	p, err := reg.CreateLLM(primary)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", primary.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", primary.Name, "model", primary.Model)

	group := resilience.NewLLMFallback(p, primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("llm circuit breaker state change", "provider", name, "from", from, "to", to)
			},
		},
		OnAttempt: func(name string, err error) {
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("llm backend attempt failed", "provider", name, "err", err)
			}
		},
	})

	for i, fb := range cfg.Providers.Fallbacks {
		fp, err := reg.CreateLLM(fb)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not registered; skipping", "index", i, "name", fb.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create fallback provider %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, fp)
		slog.Info("provider created", "kind", "llm-fallback", "name", fb.Name, "model", fb.Model)
	}

	return &app.Providers{LLM: group, Name: primary.Name}, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optDuration parses a duration string option such as "30s". Invalid or
// missing values yield 0.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
