// Package config provides the configuration schema, loader, and provider registry
// for the fetchpilot agent server.
package config

import "time"

// LogLevel controls log verbosity for the fetchpilot server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for fetchpilot.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Auth      AuthConfig      `yaml:"auth"`
	Agent     AgentConfig     `yaml:"agent"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the fetchpilot server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":9121").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares the model backend and its fallbacks. Each entry
// selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// Fallbacks are tried in order when the primary cannot start a stream.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the configuration block of a single model backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "copilot", "ollama").
	Name string `yaml:"name"`

	// APIKey is a static key for the backend. When empty, the token of the
	// inbound turn is used.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// FetchConfig bounds the outbound requests made by the fetch tool. All
// fields can be changed without a restart.
type FetchConfig struct {
	// Timeout bounds a single request. Default: 5s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxResponseChars is the number of response characters handed to the
	// model. Default: 3750.
	MaxResponseChars int `yaml:"max_response_chars"`

	// MaxBodyBytes caps the bytes read from a response. Default: 1 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// ResolveCheck refuses connections whose resolved address is private.
	ResolveCheck bool `yaml:"resolve_check"`

	// BlockIPv6Private refuses IPv6 loopback, link-local and unique-local
	// literals.
	BlockIPv6Private bool `yaml:"block_ipv6_private"`

	// UserAgent is sent when a request sets none.
	UserAgent string `yaml:"user_agent"`
}

// AuthConfig controls request signature verification.
type AuthConfig struct {
	// KeysURL overrides the GitHub public key endpoint.
	KeysURL string `yaml:"keys_url"`

	// DisableVerification skips signature checks. Local development only.
	DisableVerification bool `yaml:"disable_verification"`
}

// AgentConfig tunes turn handling.
type AgentConfig struct {
	// HardenedPrompt adds destination and header rules to the system
	// preamble. Default: true.
	HardenedPrompt *bool `yaml:"hardened_prompt"`

	// MaxRequestBytes caps the size of an inbound turn. Default: 4 MiB.
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
}

// Hardened reports whether the hardened preamble is enabled.
func (a AgentConfig) Hardened() bool {
	return a.HardenedPrompt == nil || *a.HardenedPrompt
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	// ServiceName is reported as service.name. Default: "fetchpilot".
	ServiceName string `yaml:"service_name"`

	// InstanceID is reported as service.instance.id. Default: the hostname.
	InstanceID string `yaml:"instance_id"`
}
