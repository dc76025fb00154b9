package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jirabot/jirabot/internal/config"
	"github.com/jirabot/jirabot/internal/dispatch"
	"github.com/jirabot/jirabot/internal/hygiene"
	"github.com/jirabot/jirabot/internal/llm"
	"github.com/jirabot/jirabot/internal/orchestrator"
	"github.com/jirabot/jirabot/internal/rules"
	"github.com/jirabot/jirabot/internal/tracker"
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ollamaGenerateURL completes a bare server URL into the generate endpoint.
func ollamaGenerateURL(base string) string {
	if strings.Contains(base, "/api/") {
		return base
	}
	return strings.TrimRight(base, "/") + "/api/generate"
}

// buildProvider constructs the configured LLM backend, or nil when LLM
// tasks are disabled.
func buildProvider(cfg *config.Config, log *slog.Logger) (llm.Provider, error) {
	switch strings.ToLower(cfg.LLM.Backend) {
	case "":
		return nil, nil
	case "ollama":
		return llm.NewOllamaProvider(ollamaGenerateURL(cfg.LLM.OllamaURL), cfg.LLM.OllamaModel, log), nil
	case "anthropic":
		if cfg.LLM.AnthropicKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		return llm.NewAnthropicProvider(cfg.LLM.AnthropicKey, cfg.LLM.AnthropicModel, cfg.LLM.MaxConcurrent, log), nil
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.LLM.Backend)
	}
}

// buildRunner wires the task runner with the prompt store (builtin
// templates plus overrides from the prompt dir).
func buildRunner(cfg *config.Config, provider llm.Provider, log *slog.Logger) (*llm.TaskRunner, error) {
	if provider == nil {
		return nil, nil
	}
	store := llm.DefaultTemplateStore()
	if cfg.LLM.PromptDir != "" {
		if err := store.LoadDir(cfg.LLM.PromptDir); err != nil {
			return nil, fmt.Errorf("loading prompt templates: %w", err)
		}
	}
	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	return llm.NewTaskRunner(provider, store, timeout, log), nil
}

// buildOrchestrator assembles the full stack from configuration.
func buildOrchestrator(cfg *config.Config, log *slog.Logger) (*orchestrator.Orchestrator, *tracker.JiraClient, error) {
	if err := cfg.RequireJira(); err != nil {
		return nil, nil, err
	}
	jc := tracker.NewJiraClient(cfg.Jira.BaseURL, cfg.Jira.Email, cfg.Jira.APIToken, cfg.Jira.BearerToken, log)

	provider, err := buildProvider(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	runner, err := buildRunner(cfg, provider, log)
	if err != nil {
		return nil, nil, err
	}

	engine := hygiene.NewEngine(rules.Build(cfg.Rules), log)
	dispatcher := dispatch.New(jc, dispatch.DefaultConfig(), log)
	orch := orchestrator.New(jc, engine, runner, dispatcher, orchestrator.Config{
		MaxConcurrent:    cfg.Run.MaxConcurrent,
		LLMMaxConcurrent: cfg.Run.LLMMaxConcurrent,
		RunTimeout:       time.Duration(cfg.Run.RunTimeoutMinutes) * time.Minute,
		DuplicateCheck:   cfg.Duplicates,
	}, log)
	return orch, jc, nil
}
