package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "caseflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")

	path := writeConfig(t, `
prompts:
  system_instructions_ref: "docs/system.md"
  report_prompt_ref: "docs/prompt.md"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Inference.Model != "gemini-2.5-flash" {
		t.Errorf("Expected default model, got %s", cfg.Inference.Model)
	}
	if cfg.Inference.APIKey != "test-key" {
		t.Errorf("Env override not applied: %s", cfg.Inference.APIKey)
	}
	ttl, err := cfg.CacheTTL()
	if err != nil {
		t.Fatalf("CacheTTL failed: %v", err)
	}
	if ttl != 12*time.Hour {
		t.Errorf("Expected 12h default TTL, got %v", ttl)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	path := writeConfig(t, `
name: caseflow
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected validation error for missing settings")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("Expected *ConfigurationError, got %T", err)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("CASEFLOW_MODEL", "gemini-2.0-flash-001")

	path := writeConfig(t, `
inference:
  api_key: "file-key"
  model: "gemini-2.5-flash"
prompts:
  system_instructions_ref: "docs/system.md"
  report_prompt_ref: "docs/prompt.md"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Inference.APIKey != "env-key" {
		t.Errorf("Expected env key to win, got %s", cfg.Inference.APIKey)
	}
	if cfg.Inference.Model != "gemini-2.0-flash-001" {
		t.Errorf("Expected env model to win, got %s", cfg.Inference.Model)
	}
}

func TestRequeueAfter(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")

	path := writeConfig(t, `
prompts:
  system_instructions_ref: "a"
  report_prompt_ref: "b"
run:
  requeue_processing_after: "24h"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	d, err := cfg.RequeueAfter()
	if err != nil {
		t.Fatalf("RequeueAfter failed: %v", err)
	}
	if d != 24*time.Hour {
		t.Errorf("Expected 24h, got %v", d)
	}

	cfg.Run.RequeueProcessingAfter = ""
	d, err = cfg.RequeueAfter()
	if err != nil || d != 0 {
		t.Errorf("Expected disabled requeue, got %v err=%v", d, err)
	}
}

func TestLoad_BadTTL(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")

	path := writeConfig(t, `
prompts:
  system_instructions_ref: "a"
  report_prompt_ref: "b"
cache:
  ttl: "not-a-duration"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for invalid TTL")
	}
}
