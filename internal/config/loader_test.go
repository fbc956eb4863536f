package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/fetchpilot/internal/config"
	"github.com/MrWong99/fetchpilot/pkg/provider/llm"
	"github.com/MrWong99/fetchpilot/pkg/provider/llm/mock"
)

const fullYAML = `
server:
  listen_addr: ":9121"
  log_level: debug
providers:
  llm:
    name: copilot
    model: gpt-4o
  fallbacks:
    - name: ollama
      base_url: http://localhost:11434
      model: llama3.1
fetch:
  timeout: 3s
  max_response_chars: 2000
  max_body_bytes: 65536
  resolve_check: true
  user_agent: fetchpilot-test
auth:
  keys_url: https://keys.example.com/copilot
agent:
  hardened_prompt: false
  max_request_bytes: 1048576
telemetry:
  service_name: fetchpilot-dev
  instance_id: replica-a
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9121" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.LLM.Name != "copilot" || cfg.Providers.LLM.Model != "gpt-4o" {
		t.Errorf("llm = %+v", cfg.Providers.LLM)
	}
	if len(cfg.Providers.Fallbacks) != 1 || cfg.Providers.Fallbacks[0].Name != "ollama" {
		t.Errorf("fallbacks = %+v", cfg.Providers.Fallbacks)
	}
	want := config.FetchConfig{
		Timeout:          3 * time.Second,
		MaxResponseChars: 2000,
		MaxBodyBytes:     65536,
		ResolveCheck:     true,
		UserAgent:        "fetchpilot-test",
	}
	if cfg.Fetch != want {
		t.Errorf("fetch = %+v, want %+v", cfg.Fetch, want)
	}
	if cfg.Auth.KeysURL != "https://keys.example.com/copilot" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Agent.Hardened() {
		t.Error("hardened_prompt: false was ignored")
	}
	if cfg.Agent.MaxRequestBytes != 1<<20 {
		t.Errorf("max_request_bytes = %d", cfg.Agent.MaxRequestBytes)
	}
	if cfg.Telemetry.ServiceName != "fetchpilot-dev" || cfg.Telemetry.InstanceID != "replica-a" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestAgentConfig_HardenedDefaultsOn(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  llm:\n    name: copilot\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Agent.Hardened() {
		t.Error("hardened prompt should default to on")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: copilot
fetch:
  timeuot: 5s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "timeuot") {
		t.Errorf("expected unknown field error, got %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "missing llm",
			yaml: "server:\n  log_level: info\n",
			want: []string{"providers.llm.name is required"},
		},
		{
			name: "bad log level",
			yaml: "server:\n  log_level: loud\nproviders:\n  llm:\n    name: copilot\n",
			want: []string{"server.log_level"},
		},
		{
			name: "negative fetch bounds",
			yaml: "providers:\n  llm:\n    name: copilot\nfetch:\n  timeout: -1s\n  max_response_chars: -5\n  max_body_bytes: -1\n",
			want: []string{"fetch.timeout", "fetch.max_response_chars", "fetch.max_body_bytes"},
		},
		{
			name: "relative urls",
			yaml: "providers:\n  llm:\n    name: copilot\n    base_url: api/v1\n  fallbacks:\n    - name: ''\nauth:\n  keys_url: /keys\n",
			want: []string{"providers.llm.base_url", "providers.fallbacks[0].name", "auth.keys_url"},
		},
		{
			name: "half tls",
			yaml: "server:\n  tls:\n    cert_file: a.pem\nproviders:\n  llm:\n    name: copilot\n",
			want: []string{"server.tls"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestLoad_FileErrors(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist in chain", err)
	}
}

func TestRegistry_CreateLLM(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		got = e
		return &mock.Provider{}, nil
	})
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("no credentials")
	})

	p, err := reg.CreateLLM(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil || p == nil {
		t.Fatalf("CreateLLM = %v, %v", p, err)
	}
	if got.Model != "m1" {
		t.Errorf("factory received %+v", got)
	}

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"}); err == nil {
		t.Error("factory error was swallowed")
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}

	names := reg.LLMNames()
	if len(names) != 2 || names[0] != "broken" || names[1] != "stub" {
		t.Errorf("names = %v", names)
	}
}
