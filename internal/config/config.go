package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all caseflow configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Inference provider configuration
	Inference InferenceConfig `yaml:"inference"`

	// Context cache (shared fundamentals documents)
	Cache CacheConfig `yaml:"cache"`

	// Prompt sources
	Prompts PromptsConfig `yaml:"prompts"`

	// Work queue storage
	Queue QueueConfig `yaml:"queue"`

	// Report output
	Output OutputConfig `yaml:"output"`

	// Run behavior
	Run RunConfig `yaml:"run"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// InferenceConfig configures the Gemini client.
type InferenceConfig struct {
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	Model           string  `yaml:"model"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature"`
}

// CacheConfig configures the shared context cache bundle.
type CacheConfig struct {
	// ReferenceDir holds the shared grounding PDFs uploaded once per run.
	ReferenceDir string `yaml:"reference_dir"`
	// TTL for the provider-side cache, e.g. "12h".
	TTL string `yaml:"ttl"`
}

// PromptsConfig points at the externally maintained prompt documents.
type PromptsConfig struct {
	// SystemInstructionsRef is fetched per case and set as the system instruction.
	SystemInstructionsRef string `yaml:"system_instructions_ref"`
	// ReportPromptRef is the single instructional prompt sent with the case documents.
	ReportPromptRef string `yaml:"report_prompt_ref"`
}

// QueueConfig configures the work queue backend.
type QueueConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// OutputConfig configures permanent report storage.
type OutputConfig struct {
	// Dir receives one dated subdirectory per day of generated reports.
	Dir string `yaml:"dir"`
	// UploadDir, when set, is where the artifact store publishes reports.
	UploadDir string `yaml:"upload_dir"`
}

// RunConfig configures coordinator behavior.
type RunConfig struct {
	// RequeueProcessingAfter resets PROCESSING rows older than this duration
	// back to PENDING at run start, e.g. "24h". Empty or "0" leaves stale
	// rows for manual intervention.
	RequeueProcessingAfter string `yaml:"requeue_processing_after"`
}

// LoggingConfig controls debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// ConfigurationError indicates invalid or missing startup configuration.
// It is fatal: the run never starts.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// Default returns a Config with sensible defaults applied.
func Default() *Config {
	return &Config{
		Name:    "caseflow",
		Version: "1.1",
		Inference: InferenceConfig{
			BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
			Model:           "gemini-2.5-flash",
			MaxOutputTokens: 65536,
			Temperature:     1.0,
		},
		Cache: CacheConfig{
			ReferenceDir: "fundamentals",
			TTL:          "12h",
		},
		Queue: QueueConfig{
			DatabasePath: filepath.Join(".caseflow", "queue.db"),
		},
		Output: OutputConfig{
			Dir: filepath.Join("output", "reports"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from the given YAML file, applies env overrides and
// validates. A missing file is not an error: defaults plus env are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("reading %s: %v", path, err)}
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("parsing %s: %v", path, err)}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment win over file values.
// GEMINI_API_KEY is the usual way to supply the key.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Inference.APIKey = v
	}
	if v := os.Getenv("CASEFLOW_MODEL"); v != "" {
		c.Inference.Model = v
	}
	if v := os.Getenv("CASEFLOW_BASE_URL"); v != "" {
		c.Inference.BaseURL = v
	}
	if v := os.Getenv("CASEFLOW_QUEUE_DB"); v != "" {
		c.Queue.DatabasePath = v
	}
	if v := os.Getenv("CASEFLOW_OUTPUT_DIR"); v != "" {
		c.Output.Dir = v
	}
}

// Validate ensures the variables critical to a run exist before starting.
func (c *Config) Validate() error {
	var missing []string
	if c.Inference.APIKey == "" {
		missing = append(missing, "inference.api_key (or GEMINI_API_KEY)")
	}
	if c.Prompts.SystemInstructionsRef == "" {
		missing = append(missing, "prompts.system_instructions_ref")
	}
	if c.Prompts.ReportPromptRef == "" {
		missing = append(missing, "prompts.report_prompt_ref")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("missing required settings: %v", missing)}
	}

	if _, err := c.CacheTTL(); err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("cache.ttl: %v", err)}
	}
	if _, err := c.RequeueAfter(); err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("run.requeue_processing_after: %v", err)}
	}
	return nil
}

// CacheTTL parses the configured cache TTL.
func (c *Config) CacheTTL() (time.Duration, error) {
	if c.Cache.TTL == "" {
		return 12 * time.Hour, nil
	}
	return time.ParseDuration(c.Cache.TTL)
}

// RequeueAfter parses the stale-row requeue threshold. Zero disables requeue.
func (c *Config) RequeueAfter() (time.Duration, error) {
	if c.Run.RequeueProcessingAfter == "" || c.Run.RequeueProcessingAfter == "0" {
		return 0, nil
	}
	return time.ParseDuration(c.Run.RequeueProcessingAfter)
}
