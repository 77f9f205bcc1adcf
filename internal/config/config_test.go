package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "handlebar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
organization: contoso
project: Widgets
auth:
  method: pat
  pat: secret-pat
handle_ttl_minutes: 30
automation_patterns:
  - Build Service
  - Migration Bot
ai:
  enabled: true
  min_confidence: 0.8
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "contoso", cfg.Organization)
	assert.Equal(t, "Widgets", cfg.Project)
	assert.Equal(t, "pat", cfg.AuthMethod())
	assert.Equal(t, 30*time.Minute, cfg.HandleTTL())
	assert.Equal(t, []string{"Build Service", "Migration Bot"}, cfg.AutomationPatterns)
	assert.True(t, cfg.AI.Enabled)
	assert.Equal(t, 0.8, cfg.AI.MinConfidence)
	assert.Equal(t, "debug", cfg.LogLevel)

	// File values overlay defaults, not replace them.
	assert.Equal(t, 16, cfg.StalenessFanOut)
	assert.Equal(t, 8, cfg.PerItemConcurrency)
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	t.Setenv("HB_ADO_ORG", "contoso")
	t.Setenv("HB_ADO_PROJECT", "Widgets")
	t.Setenv("HB_ADO_PAT", "env-pat")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "contoso", cfg.Organization)
	assert.Equal(t, "env-pat", cfg.Auth.PAT)
	assert.Equal(t, "pat", cfg.AuthMethod())
	assert.Equal(t, time.Hour, cfg.HandleTTL())
}

func TestEnvironmentWinsOverFileForSecrets(t *testing.T) {
	path := writeConfig(t, `
organization: contoso
project: Widgets
auth:
  pat: file-pat
`)
	t.Setenv("HB_ADO_PAT", "env-pat")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-pat", cfg.Auth.PAT)
}

func TestAnthropicKeyEnablesAI(t *testing.T) {
	t.Setenv("HB_ADO_ORG", "contoso")
	t.Setenv("HB_ADO_PROJECT", "Widgets")
	t.Setenv("HB_ADO_PAT", "pat")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.AI.Enabled)
	assert.Equal(t, "sk-test", cfg.AI.APIKey)
}

func TestValidation(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Organization = "contoso"
		cfg.Project = "Widgets"
		cfg.Auth = AuthConfig{Method: "azure-cli"}
		return cfg
	}

	cfg := base()
	cfg.Organization = ""
	assert.ErrorContains(t, cfg.Validate(), "organization")

	cfg = base()
	cfg.Project = "  "
	assert.ErrorContains(t, cfg.Validate(), "project")

	cfg = base()
	cfg.Auth = AuthConfig{Method: "pat"}
	assert.ErrorContains(t, cfg.Validate(), "requires a token")

	cfg = base()
	cfg.Auth.Method = "kerberos"
	assert.ErrorContains(t, cfg.Validate(), "unknown auth method")

	cfg = base()
	cfg.AI.MinConfidence = 1.5
	assert.ErrorContains(t, cfg.Validate(), "min_confidence")

	assert.NoError(t, base().Validate())
}

func TestAuthMethodResolution(t *testing.T) {
	assert.Equal(t, "azure-cli", (&Config{}).AuthMethod(), "no PAT falls back to azure-cli")
	assert.Equal(t, "pat", (&Config{Auth: AuthConfig{PAT: "x"}}).AuthMethod())
	assert.Equal(t, "azure-cli", (&Config{Auth: AuthConfig{Method: "azure-cli", PAT: "x"}}).AuthMethod(),
		"explicit method wins over PAT presence")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestTimeoutHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Zero(t, cfg.GetTimeout(), "zero delegates to the client default")
	cfg.GetTimeoutSeconds = 10
	cfg.MutateTimeoutSeconds = 90
	assert.Equal(t, 10*time.Second, cfg.GetTimeout())
	assert.Equal(t, 90*time.Second, cfg.MutateTimeout())
}
