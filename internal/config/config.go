// Package config loads the handlebar server configuration from YAML with
// environment-variable overrides. Secrets (PAT, Anthropic key) are never
// written back to disk and prefer the environment over the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// ADO scope. Organization and Project are required.
	Organization string `yaml:"organization"`
	Project      string `yaml:"project"`
	// BaseURL overrides https://dev.azure.com (sovereign clouds, tests).
	BaseURL string `yaml:"base_url,omitempty"`

	Auth AuthConfig `yaml:"auth,omitempty"`

	// HandleTTLMinutes is the query-handle lifetime. 0 means 60.
	HandleTTLMinutes int `yaml:"handle_ttl_minutes,omitempty"`

	// StalenessFanOut bounds concurrent revision fetches during query
	// enrichment. 0 means 16.
	StalenessFanOut int `yaml:"staleness_fan_out,omitempty"`
	// PerItemConcurrency bounds parallel items within one bulk action.
	// 0 means 8.
	PerItemConcurrency int `yaml:"per_item_concurrency,omitempty"`
	// MaxPreviewItems bounds dry-run and query previews. 0 means 10.
	MaxPreviewItems int `yaml:"max_preview_items,omitempty"`

	// AutomationPatterns are substring matches (case-insensitive) against
	// revision authors treated as automation in staleness analysis.
	AutomationPatterns []string `yaml:"automation_patterns,omitempty"`
	// ExtraSubstantiveFields extends the substantive field set.
	ExtraSubstantiveFields []string `yaml:"extra_substantive_fields,omitempty"`
	// NonSubstantiveFields removes fields from the substantive set.
	NonSubstantiveFields []string `yaml:"non_substantive_fields,omitempty"`

	AI AIConfig `yaml:"ai,omitempty"`

	// GetTimeoutSeconds and MutateTimeoutSeconds override the ADO client
	// per-request timeouts. 0 means the client defaults (30s / 60s).
	GetTimeoutSeconds    int `yaml:"get_timeout_seconds,omitempty"`
	MutateTimeoutSeconds int `yaml:"mutate_timeout_seconds,omitempty"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level,omitempty"`
}

// AuthConfig selects how ADO tokens are acquired.
type AuthConfig struct {
	// Method is "pat" or "azure-cli". Empty picks pat when a token is
	// available and azure-cli otherwise.
	Method string `yaml:"method,omitempty"`
	// PAT is the personal access token. Prefer HB_ADO_PAT over the file.
	PAT string `yaml:"pat,omitempty"`
}

// AIConfig configures the LLM sampling channel.
type AIConfig struct {
	// Enabled gates AI-assisted actions; when false they fail AI_UNAVAILABLE.
	Enabled bool `yaml:"enabled,omitempty"`
	// Model overrides the default Anthropic model.
	Model string `yaml:"model,omitempty"`
	// APIKey is the Anthropic key. ANTHROPIC_API_KEY takes precedence.
	APIKey string `yaml:"api_key,omitempty"`
	// MinConfidence gates AI-assisted mutations. 0 means 0.7.
	MinConfidence float64 `yaml:"min_confidence,omitempty"`
}

// DefaultConfig returns a config with every tunable at its default.
func DefaultConfig() *Config {
	return &Config{
		HandleTTLMinutes:   60,
		StalenessFanOut:    16,
		PerItemConcurrency: 8,
		MaxPreviewItems:    10,
		LogLevel:           "info",
	}
}

// Load reads path (when non-empty), overlays environment overrides, and
// validates. A missing file with a complete environment is fine.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays HB_-prefixed environment variables. Env always wins
// over the file for secrets, and fills gaps for everything else.
func (c *Config) applyEnv() {
	if v := os.Getenv("HB_ADO_ORG"); v != "" {
		c.Organization = v
	}
	if v := os.Getenv("HB_ADO_PROJECT"); v != "" {
		c.Project = v
	}
	if v := os.Getenv("HB_ADO_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("HB_ADO_PAT"); v != "" {
		c.Auth.PAT = v
	}
	if v := os.Getenv("HB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.AI.APIKey = v
		c.AI.Enabled = true
	}
}

// Validate checks required fields and bounds.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Organization) == "" {
		return fmt.Errorf("organization is required (config or HB_ADO_ORG)")
	}
	if strings.TrimSpace(c.Project) == "" {
		return fmt.Errorf("project is required (config or HB_ADO_PROJECT)")
	}
	switch c.AuthMethod() {
	case "pat":
		if c.Auth.PAT == "" {
			return fmt.Errorf("auth method pat requires a token (config or HB_ADO_PAT)")
		}
	case "azure-cli":
	default:
		return fmt.Errorf("unknown auth method %q (want pat or azure-cli)", c.Auth.Method)
	}
	if c.HandleTTLMinutes < 0 {
		return fmt.Errorf("handle_ttl_minutes must be non-negative")
	}
	if c.AI.MinConfidence < 0 || c.AI.MinConfidence > 1 {
		return fmt.Errorf("ai.min_confidence must be within [0,1]")
	}
	return nil
}

// AuthMethod resolves the effective auth method.
func (c *Config) AuthMethod() string {
	if c.Auth.Method != "" {
		return c.Auth.Method
	}
	if c.Auth.PAT != "" {
		return "pat"
	}
	return "azure-cli"
}

// HandleTTL returns the handle lifetime as a duration.
func (c *Config) HandleTTL() time.Duration {
	if c.HandleTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.HandleTTLMinutes) * time.Minute
}

// GetTimeout returns the ADO read timeout, zero meaning client default.
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.GetTimeoutSeconds) * time.Second
}

// MutateTimeout returns the ADO write timeout, zero meaning client default.
func (c *Config) MutateTimeout() time.Duration {
	return time.Duration(c.MutateTimeoutSeconds) * time.Second
}
