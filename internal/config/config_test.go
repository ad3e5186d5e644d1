package config

import (
	"os"
	"testing"
)

const sampleConfig = `
llm:
  provider: openai
  base_url: https://api.example.com/v1
  api_key: dummy
  model: glm-4.7-flash
  system_prompt: custom prompt
  max_tokens: 2048
server:
  host: 0.0.0.0
  port: "9090"
storage:
  path: /tmp/deepchat-test.db
log:
  level: debug
`

func writeConfig(t *testing.T, contents string) {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(contents); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()
	t.Setenv("CONFIG_PATH", tmp.Name())
}

// TestLoad verifies that Load unmarshals the full configuration.
func TestLoad(t *testing.T) {
	writeConfig(t, sampleConfig)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LLM.BaseURL != "https://api.example.com/v1" {
		t.Fatalf("unexpected base_url: %s", cfg.LLM.BaseURL)
	}
	if cfg.LLM.APIKey != "dummy" {
		t.Fatalf("unexpected api_key: %s", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "glm-4.7-flash" {
		t.Fatalf("unexpected model: %s", cfg.LLM.Model)
	}
	if cfg.LLM.SystemPrompt != "custom prompt" {
		t.Fatalf("unexpected system_prompt: %s", cfg.LLM.SystemPrompt)
	}
	if cfg.LLM.MaxTokens != 2048 {
		t.Fatalf("unexpected max_tokens: %d", cfg.LLM.MaxTokens)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != "9090" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.Path != "/tmp/deepchat-test.db" {
		t.Fatalf("unexpected storage path: %s", cfg.Storage.Path)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level: %s", cfg.Log.Level)
	}
}

// TestLoad_Defaults verifies that omitted keys fall back to defaults.
func TestLoad_Defaults(t *testing.T) {
	writeConfig(t, "llm:\n  api_key: dummy\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LLM.Model != "glm-4.7-flash" {
		t.Fatalf("expected default model, got %s", cfg.LLM.Model)
	}
	if cfg.LLM.MaxTokens != 4096 {
		t.Fatalf("expected default max_tokens, got %d", cfg.LLM.MaxTokens)
	}
	if cfg.Storage.Path != "deepchat.db" {
		t.Fatalf("expected default storage path, got %s", cfg.Storage.Path)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != "8080" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
}
