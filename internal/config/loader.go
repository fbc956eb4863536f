package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the LLM provider names that ship with fetchpilot.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"copilot", "openai-compatible",
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("providers.llm", cfg.Providers.LLM.Name)
	errs = append(errs, validateBaseURL("providers.llm", cfg.Providers.LLM.BaseURL)...)
	for i, fb := range cfg.Providers.Fallbacks {
		prefix := fmt.Sprintf("providers.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(prefix, fb.Name)
		errs = append(errs, validateBaseURL(prefix, fb.BaseURL)...)
	}

	// Fetch
	if cfg.Fetch.Timeout < 0 {
		errs = append(errs, fmt.Errorf("fetch.timeout %s must not be negative", cfg.Fetch.Timeout))
	}
	if cfg.Fetch.MaxResponseChars < 0 {
		errs = append(errs, fmt.Errorf("fetch.max_response_chars %d must not be negative", cfg.Fetch.MaxResponseChars))
	}
	if cfg.Fetch.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("fetch.max_body_bytes %d must not be negative", cfg.Fetch.MaxBodyBytes))
	}
	if !cfg.Fetch.ResolveCheck {
		slog.Debug("fetch.resolve_check is off; hostnames are not resolved before the destination check")
	}

	// Auth
	if cfg.Auth.KeysURL != "" {
		if u, err := url.Parse(cfg.Auth.KeysURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("auth.keys_url %q is not an absolute URL", cfg.Auth.KeysURL))
		}
	}
	if cfg.Auth.DisableVerification {
		slog.Warn("auth.disable_verification is set; request signatures will not be checked")
	}

	// Agent
	if cfg.Agent.MaxRequestBytes < 0 {
		errs = append(errs, fmt.Errorf("agent.max_request_bytes %d must not be negative", cfg.Agent.MaxRequestBytes))
	}

	return errors.Join(errs...)
}

func validateBaseURL(prefix, raw string) []error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return []error{fmt.Errorf("%s.base_url %q is not an absolute URL", prefix, raw)}
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
