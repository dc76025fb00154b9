// Package types defines the core data model shared by the hygiene engine,
// the LLM task runner, the action dispatcher, and the orchestrator.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Ticket is a normalized issue-tracker item. It is immutable for the
// duration of an orchestration run: mutation intents are expressed as
// separate ActionRequest values, never by editing a Ticket in place.
type Ticket struct {
	Key          string         `json:"key"`
	ID           int64          `json:"id"`
	Summary      string         `json:"summary,omitempty"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status"`
	Assignee     string         `json:"assignee,omitempty"`
	Labels       []string       `json:"labels,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	// Raw retains the source payload for audit. Never interpreted by rules.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Field returns the value of a custom field by id or name.
func (t *Ticket) Field(id string) (any, bool) {
	if t.CustomFields == nil {
		return nil, false
	}
	v, ok := t.CustomFields[id]
	return v, ok
}

// FieldEmpty reports whether a field is absent or holds an empty value.
// nil, empty strings (after trimming), empty slices and empty maps all
// count as empty; rules treat malformed values as absent rather than erroring.
func (t *Ticket) FieldEmpty(id string) bool {
	v, ok := t.Field(id)
	if !ok || v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

// HasLabel reports whether the ticket carries the given label (exact match).
func (t *Ticket) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Validate checks that a ticket is well-formed enough to enter a run.
func (t *Ticket) Validate() error {
	if t.Key == "" {
		return fmt.Errorf("ticket key is required")
	}
	return nil
}

// Severity classifies how serious a rule violation is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity value is valid.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// RuleResult is the outcome of evaluating one rule against one ticket.
// Exactly one RuleResult exists per (rule, ticket) pair per run.
type RuleResult struct {
	RuleID          string         `json:"rule_id"`
	TicketKey       string         `json:"ticket_key"`
	Violated        bool           `json:"violated"`
	Severity        Severity       `json:"severity"`
	Message         string         `json:"message"`
	SuggestedAction *ActionRequest `json:"suggested_action,omitempty"`
}

// TaskKind selects which LLM task to run for a ticket.
type TaskKind string

const (
	TaskTriage        TaskKind = "triage"
	TaskFieldValidate TaskKind = "field-validate"
)

// IsValid checks if the task kind value is valid.
func (k TaskKind) IsValid() bool {
	switch k {
	case TaskTriage, TaskFieldValidate:
		return true
	}
	return false
}

// TriageSteps is the parsed shape of a triage response: an ordered list of
// troubleshooting steps plus an optional pattern note when the model spots
// a wider incident.
type TriageSteps struct {
	Steps       []string `json:"steps"`
	PatternNote string   `json:"pattern_note,omitempty"`
}

// FieldDecision is the parsed shape of a field-validate response.
type FieldDecision struct {
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason"`
	AutoCreate bool   `json:"auto_create"`
}

// LLMResult is the outcome of one LLM task for one ticket. A non-empty
// RawText with ParseError set means the model answered but the answer was
// uninterpretable; that is distinct from a transport failure, which is
// recorded with an empty RawText and a transport marker in ParseError.
type LLMResult struct {
	TicketKey  string         `json:"ticket_key"`
	Kind       TaskKind       `json:"kind"`
	RawText    string         `json:"raw_text,omitempty"`
	Triage     *TriageSteps   `json:"triage,omitempty"`
	Decision   *FieldDecision `json:"decision,omitempty"`
	ParseError string         `json:"parse_error,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
}

// Parsed reports whether the result carries an interpretable payload.
func (r *LLMResult) Parsed() bool {
	return r.ParseError == "" && (r.Triage != nil || r.Decision != nil)
}

// FieldDescriptor describes one field known to the tracker. Used by the
// dispatcher's create_field pre-check.
type FieldDescriptor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Custom bool   `json:"custom"`
	Type   string `json:"type,omitempty"`
}
