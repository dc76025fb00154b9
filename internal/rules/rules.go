// Package rules implements the deterministic hygiene rules evaluated
// against tickets. Rules are pure functions of (ticket, config, now): no
// network calls, no mutation, and never a panic for malformed input. A rule
// that cannot evaluate a ticket returns an info-severity result describing
// why instead of failing.
//
// The rule set is closed: StaleTicket, MissingFields, WorkflowValidator.
// New rules are added by extending this package and the configuration
// table, not by open-ended subclassing.
package rules

import (
	"time"

	"github.com/jirabot/jirabot/internal/types"
)

// Rule evaluates a single ticket against one hygiene policy.
type Rule interface {
	// ID returns the stable identifier used in RuleResults.
	ID() string

	// Evaluate scores the ticket. It must be pure and must not panic;
	// malformed field values are treated as absent.
	Evaluate(ticket *types.Ticket, now time.Time) types.RuleResult
}

// Config is the rule configuration table. Zero-valued sections fall back
// to their defaults; disabled rules are omitted from the built set.
type Config struct {
	EnableStale         bool                `yaml:"enable_stale"`
	EnableMissingFields bool                `yaml:"enable_missing_fields"`
	EnableWorkflow      bool                `yaml:"enable_workflow"`
	Stale               StaleConfig         `yaml:"stale"`
	MissingFields       MissingFieldsConfig `yaml:"missing_fields"`
	Workflow            WorkflowConfig      `yaml:"workflow"`
}

// DefaultConfig returns the rule table with every rule enabled and
// defaults matching the scheduled-sweep policy.
func DefaultConfig() Config {
	return Config{
		EnableStale:         true,
		EnableMissingFields: true,
		EnableWorkflow:      true,
		Stale:               DefaultStaleConfig(),
		MissingFields:       DefaultMissingFieldsConfig(),
		Workflow:            DefaultWorkflowConfig(),
	}
}

// Build constructs the enabled rule set from the configuration table.
// The returned order is stable: stale, missing-fields, workflow.
func Build(cfg Config) []Rule {
	var out []Rule
	if cfg.EnableStale {
		out = append(out, NewStaleTicket(cfg.Stale))
	}
	if cfg.EnableMissingFields {
		out = append(out, NewMissingFields(cfg.MissingFields))
	}
	if cfg.EnableWorkflow {
		out = append(out, NewWorkflowValidator(cfg.Workflow))
	}
	return out
}
