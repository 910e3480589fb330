package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/teachmefinance/tmf"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	suite.tempDir = suite.T().TempDir()
	require.NoError(suite.T(), os.Chdir(suite.tempDir))

	// Keep the host environment out of the assertions
	for _, key := range []string{"OLLAMA_URL", "TMF_ENDPOINT", "TMF_MODEL", "TMF_MAX_TURNS", "TMF_RETRY_MAX_ATTEMPTS"} {
		suite.T().Setenv(key, "")
		os.Unsetenv(key)
	}
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		os.Chdir(suite.origDir)
	}
}

func (suite *ConfigTestSuite) writeConfig(name, content string) string {
	path := filepath.Join(suite.tempDir, name)
	require.NoError(suite.T(), os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("", nil)
	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), tmf.DefaultModel, cfg.Model)
	assert.Equal(suite.T(), tmf.DefaultEndpoint, cfg.Endpoint)
	assert.Equal(suite.T(), 20, cfg.MaxTurns)
	assert.Equal(suite.T(), 60*time.Second, cfg.Timeout())
	assert.InDelta(suite.T(), 0.4, cfg.Temperature, 1e-9)
	assert.Equal(suite.T(), 512, cfg.MaxTokens)
	assert.True(suite.T(), cfg.Stream)
	assert.True(suite.T(), cfg.Probe)
	assert.Equal(suite.T(), 1, cfg.Retry.MaxAttempts)
	assert.Equal(suite.T(), 250*time.Millisecond, cfg.Retry.Backoff)
	assert.Equal(suite.T(), "warn", cfg.Log.Level)
	assert.Equal(suite.T(), "auto", cfg.Log.Format)
	assert.Equal(suite.T(), []string{"exit", "quit"}, cfg.Chat.ExitTokens)
}

func (suite *ConfigTestSuite) TestDefaultGuardRules() {
	cfg, err := LoadConfig("", nil)
	require.NoError(suite.T(), err)

	names := make([]string, 0, len(cfg.Guard.Rules))
	for _, rule := range cfg.Guard.Rules {
		names = append(names, rule.Name)
		assert.NotEmpty(suite.T(), rule.Reason)
		assert.NotEmpty(suite.T(), rule.Patterns)
	}
	assert.Equal(suite.T(), []string{"personalized-trading", "personalized-allocation", "guaranteed-returns"}, names)
	assert.Contains(suite.T(), cfg.Guard.SystemPrompt, "TeachMeFinance")
	assert.Contains(suite.T(), cfg.Guard.Refusal, "%s")
	assert.NotEmpty(suite.T(), cfg.Guard.DisclaimerTriggers)
	assert.Equal(suite.T(), 2000, cfg.Guard.MaxInputLength)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	path := suite.writeConfig("config.yaml", `
model: "llama3.1:8b"
endpoint: "http://127.0.0.1:9999/"
max_turns: 6
timeout_seconds: 15
retry:
  max_attempts: 3
  backoff: "1s"
guard:
  max_input_length: 100
  rules:
    - name: no-lottery
      reason: "lottery tips"
      patterns: ["(?i)lottery"]
`)

	cfg, err := LoadConfig(path, nil)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "llama3.1:8b", cfg.Model)
	assert.Equal(suite.T(), "http://127.0.0.1:9999", cfg.Endpoint, "trailing slash is trimmed")
	assert.Equal(suite.T(), 6, cfg.MaxTurns)
	assert.Equal(suite.T(), 15*time.Second, cfg.Timeout())
	assert.Equal(suite.T(), 3, cfg.Retry.MaxAttempts)
	assert.Equal(suite.T(), time.Second, cfg.Retry.Backoff)
	assert.Equal(suite.T(), 100, cfg.Guard.MaxInputLength)
	require.Len(suite.T(), cfg.Guard.Rules, 1)
	assert.Equal(suite.T(), "no-lottery", cfg.Guard.Rules[0].Name)
	// untouched keys keep their defaults
	assert.True(suite.T(), cfg.Stream)
}

func (suite *ConfigTestSuite) TestLoadConfigFromWorkingDirectory() {
	suite.writeConfig("config.yaml", "model: from-cwd\n")

	cfg, err := LoadConfig("", nil)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "from-cwd", cfg.Model)
}

func (suite *ConfigTestSuite) TestEnvironmentOverrides() {
	suite.T().Setenv("TMF_MODEL", "env-model")
	suite.T().Setenv("TMF_RETRY_MAX_ATTEMPTS", "2")
	suite.T().Setenv("OLLAMA_URL", "http://ollama.internal:11434")

	cfg, err := LoadConfig("", nil)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "env-model", cfg.Model)
	assert.Equal(suite.T(), 2, cfg.Retry.MaxAttempts)
	assert.Equal(suite.T(), "http://ollama.internal:11434", cfg.Endpoint)
}

func (suite *ConfigTestSuite) TestFlagsOverrideFileAndEnv() {
	path := suite.writeConfig("config.yaml", "model: file-model\nmax_tokens: 128\n")
	suite.T().Setenv("TMF_MODEL", "env-model")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("model", "", "")
	flags.Int("max-tokens", 0, "")
	flags.Float64("temperature", 0, "")
	flags.String("log-level", "", "")
	require.NoError(suite.T(), flags.Parse([]string{"--model", "flag-model", "--log-level", "debug"}))

	cfg, err := LoadConfig(path, flags)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "flag-model", cfg.Model)
	assert.Equal(suite.T(), "debug", cfg.Log.Level)
	assert.Equal(suite.T(), 128, cfg.MaxTokens, "unset flag must not shadow the file")
	assert.InDelta(suite.T(), 0.4, cfg.Temperature, 1e-9, "unset flag must not shadow the default")
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml", nil)
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	path := suite.writeConfig("malformed.yaml", `
model: "x"
invalid_yaml: [unclosed bracket
`)

	cfg, err := LoadConfig(path, nil)
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigRejectsInvalidValues() {
	tests := map[string]string{
		"bad endpoint":     "endpoint: \"localhost:11434\"\n",
		"zero timeout":     "timeout_seconds: 0\n",
		"hot temperature":  "temperature: 3.5\n",
		"no tokens":        "max_tokens: 0\n",
		"bad log format":   "log:\n  format: xml\n",
		"incomplete rule":  "guard:\n  rules:\n    - name: x\n",
		"empty model":      "model: \"  \"\n",
		"no input allowed": "guard:\n  max_input_length: 0\n",
	}
	for name, content := range tests {
		suite.Run(name, func() {
			path := suite.writeConfig("invalid.yaml", content)
			cfg, err := LoadConfig(path, nil)
			assert.ErrorIs(suite.T(), err, ErrInvalidConfig)
			assert.Nil(suite.T(), cfg)
		})
	}
}

func (suite *ConfigTestSuite) TestLoadConfigClampsFloors() {
	path := suite.writeConfig("config.yaml", "max_turns: 0\nretry:\n  max_attempts: -4\n")

	cfg, err := LoadConfig(path, nil)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 2, cfg.MaxTurns)
	assert.Equal(suite.T(), 0, cfg.Retry.MaxAttempts)
}

// BenchmarkLoadConfig benchmarks config loading performance
func BenchmarkLoadConfig(b *testing.B) {
	for b.Loop() {
		if _, err := LoadConfig("", nil); err != nil {
			b.Fatal(err)
		}
	}
}
