// Package config loads runtime configuration from the environment (with
// .env support) plus an optional YAML rules file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jirabot/jirabot/internal/hygiene"
	"github.com/jirabot/jirabot/internal/rules"
)

// JiraConfig holds tracker connection values. Cloud instances use
// Email+APIToken; Server/DC instances use BearerToken.
type JiraConfig struct {
	BaseURL     string
	Email       string
	APIToken    string
	BearerToken string
}

// LLMConfig selects and configures the model backend. An empty Backend
// disables LLM tasks; hygiene-only runs still work.
type LLMConfig struct {
	Backend        string // "ollama", "anthropic", or ""
	OllamaURL      string
	OllamaModel    string
	AnthropicKey   string
	AnthropicModel string
	MaxConcurrent  int
	TimeoutSeconds int
	PromptDir      string // optional template overrides
}

// ServerConfig configures the webhook listener.
type ServerConfig struct {
	Addr          string
	WebhookSecret string
}

// RunConfig bounds orchestration runs.
type RunConfig struct {
	SweepJQL          string
	MaxConcurrent     int
	LLMMaxConcurrent  int
	RunTimeoutMinutes int
}

// Config aggregates runtime configuration for the bot.
type Config struct {
	Jira       JiraConfig
	LLM        LLMConfig
	Server     ServerConfig
	Run        RunConfig
	Rules      rules.Config
	Duplicates hygiene.DuplicateConfig
	LogLevel   string
}

// Default returns the configuration defaults applied before environment
// overrides.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Backend:        "ollama",
			OllamaURL:      "http://localhost:11434",
			OllamaModel:    "qwen3:14b",
			MaxConcurrent:  2,
			TimeoutSeconds: 60,
		},
		Server: ServerConfig{Addr: ":8000"},
		Run: RunConfig{
			SweepJQL:          "statusCategory != Done ORDER BY updated ASC",
			MaxConcurrent:     4,
			LLMMaxConcurrent:  2,
			RunTimeoutMinutes: 10,
		},
		Rules:      rules.DefaultConfig(),
		Duplicates: hygiene.DefaultDuplicateConfig(),
		LogLevel:   "info",
	}
}

// Load reads configuration: .env file if present, then environment
// variables, then the YAML rules file named by JIRABOT_RULES_FILE.
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := Default()

	parseEnvString("JIRA_BASE_URL", &cfg.Jira.BaseURL)
	parseEnvString("JIRA_EMAIL", &cfg.Jira.Email)
	parseEnvString("JIRA_API_TOKEN", &cfg.Jira.APIToken)
	parseEnvString("JIRA_BEARER_TOKEN", &cfg.Jira.BearerToken)

	parseEnvString("JIRABOT_LLM_BACKEND", &cfg.LLM.Backend)
	parseEnvString("OLLAMA_URL", &cfg.LLM.OllamaURL)
	parseEnvString("OLLAMA_MODEL", &cfg.LLM.OllamaModel)
	parseEnvString("ANTHROPIC_API_KEY", &cfg.LLM.AnthropicKey)
	parseEnvString("ANTHROPIC_MODEL", &cfg.LLM.AnthropicModel)
	parseEnvString("JIRABOT_PROMPT_DIR", &cfg.LLM.PromptDir)

	parseEnvString("JIRABOT_LISTEN_ADDR", &cfg.Server.Addr)
	parseEnvString("JIRABOT_WEBHOOK_SECRET", &cfg.Server.WebhookSecret)

	parseEnvString("JIRABOT_SWEEP_JQL", &cfg.Run.SweepJQL)
	parseEnvString("JIRABOT_LOG_LEVEL", &cfg.LogLevel)

	if err := parseEnvInt("JIRABOT_LLM_MAX_CONCURRENT", &cfg.LLM.MaxConcurrent); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("JIRABOT_LLM_TIMEOUT_SECONDS", &cfg.LLM.TimeoutSeconds); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("JIRABOT_MAX_CONCURRENT", &cfg.Run.MaxConcurrent); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("JIRABOT_RUN_TIMEOUT_MINUTES", &cfg.Run.RunTimeoutMinutes); err != nil {
		return cfg, err
	}
	if err := parseEnvBool("JIRABOT_DUPLICATE_CHECK", &cfg.Duplicates.Enabled); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("JIRABOT_DUPLICATE_MIN_OVERLAP", &cfg.Duplicates.MinOverlap); err != nil {
		return cfg, err
	}

	if rulesFile := os.Getenv("JIRABOT_RULES_FILE"); rulesFile != "" {
		if err := loadRulesFile(rulesFile, &cfg.Rules); err != nil {
			return cfg, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency. Jira credentials are only
// required once a command actually talks to the tracker, so they are not
// enforced here.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LLM.Backend) {
	case "", "ollama", "anthropic":
	default:
		return fmt.Errorf("unknown LLM backend %q (want ollama or anthropic)", c.LLM.Backend)
	}
	if c.LLM.TimeoutSeconds < 0 {
		return fmt.Errorf("LLM timeout cannot be negative")
	}
	if c.Run.RunTimeoutMinutes < 0 {
		return fmt.Errorf("run timeout cannot be negative")
	}
	return nil
}

// RequireJira checks that tracker credentials are present. Called by
// commands that hit the Jira API.
func (c *Config) RequireJira() error {
	if c.Jira.BaseURL == "" {
		return fmt.Errorf("JIRA_BASE_URL is not set")
	}
	hasBasic := c.Jira.Email != "" && c.Jira.APIToken != ""
	if !hasBasic && c.Jira.BearerToken == "" {
		return fmt.Errorf("set JIRA_EMAIL + JIRA_API_TOKEN or JIRA_BEARER_TOKEN")
	}
	return nil
}

func loadRulesFile(path string, dest *rules.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("parsing rules file %s: %w", path, err)
	}
	return nil
}

// parseEnvString overrides dest when the variable is set and non-empty
func parseEnvString(key string, dest *string) {
	if value := os.Getenv(key); value != "" {
		*dest = value
	}
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}
