package types

import (
	"fmt"
	"time"
)

// Mode selects which evaluation stages an orchestration run executes.
type Mode string

const (
	ModeHygiene  Mode = "hygiene"
	ModeLLM      Mode = "llm"
	ModeCombined Mode = "combined"
)

// IsValid checks if the mode value is valid.
func (m Mode) IsValid() bool {
	switch m {
	case ModeHygiene, ModeLLM, ModeCombined:
		return true
	}
	return false
}

// IncludesHygiene reports whether the mode runs the hygiene engine.
func (m Mode) IncludesHygiene() bool { return m == ModeHygiene || m == ModeCombined }

// IncludesLLM reports whether the mode runs the LLM task runner.
func (m Mode) IncludesLLM() bool { return m == ModeLLM || m == ModeCombined }

// RunStatus is the lifecycle state of an orchestration run.
type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunPartialFailure RunStatus = "partial_failure"
	RunFailed         RunStatus = "failed"
)

// IsValid checks if the run status value is valid.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunPending, RunRunning, RunCompleted, RunPartialFailure, RunFailed:
		return true
	}
	return false
}

// Terminal reports whether the status is a terminal run state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunPartialFailure || s == RunFailed
}

// TicketStatus is the per-ticket terminal state within a run.
type TicketStatus string

const (
	TicketPending       TicketStatus = "pending"
	TicketEvaluated     TicketStatus = "evaluated"
	TicketActionApplied TicketStatus = "action_applied"
	TicketError         TicketStatus = "error"
)

// IsValid checks if the ticket status value is valid.
func (s TicketStatus) IsValid() bool {
	switch s {
	case TicketPending, TicketEvaluated, TicketActionApplied, TicketError:
		return true
	}
	return false
}

// OrchestrationRun aggregates everything one end-to-end run produced. It is
// created at run start, owned and mutated exclusively by the orchestrator,
// and immutable once returned to the caller.
type OrchestrationRun struct {
	ID              string                  `json:"id"`
	Mode            Mode                    `json:"mode"`
	DryRun          bool                    `json:"dry_run"`
	StartedAt       time.Time               `json:"started_at"`
	FinishedAt      time.Time               `json:"finished_at,omitempty"`
	PerTicketStatus map[string]TicketStatus `json:"per_ticket_status"`
	TicketErrors    map[string]string       `json:"ticket_errors,omitempty"`
	RuleResults     []RuleResult            `json:"rule_results,omitempty"`
	LLMResults      []LLMResult             `json:"llm_results,omitempty"`
	ActionsTaken    []AppliedAction         `json:"actions_taken,omitempty"`
	OverallStatus   RunStatus               `json:"overall_status"`
}

// Validate checks the run's terminal invariants: every ticket has a valid
// terminal status, error tickets carry a recorded cause, and action_applied
// tickets have at least one applied non-dry-run action.
func (r *OrchestrationRun) Validate() error {
	if !r.Mode.IsValid() {
		return fmt.Errorf("invalid mode: %s", r.Mode)
	}
	if !r.OverallStatus.IsValid() {
		return fmt.Errorf("invalid overall status: %s", r.OverallStatus)
	}
	for key, status := range r.PerTicketStatus {
		if !status.IsValid() {
			return fmt.Errorf("ticket %s: invalid status %s", key, status)
		}
		if r.OverallStatus.Terminal() && status == TicketPending {
			return fmt.Errorf("ticket %s: non-terminal status in finished run", key)
		}
		if status == TicketError {
			if _, ok := r.TicketErrors[key]; !ok {
				return fmt.Errorf("ticket %s: error status without recorded cause", key)
			}
		}
		if status == TicketActionApplied && !r.hasAppliedAction(key) {
			return fmt.Errorf("ticket %s: action_applied without a dispatched action", key)
		}
	}
	return nil
}

func (r *OrchestrationRun) hasAppliedAction(ticketKey string) bool {
	for _, a := range r.ActionsTaken {
		if a.Request.TicketKey == ticketKey && a.Outcome == OutcomeApplied && !a.Request.DryRun {
			return true
		}
	}
	return false
}
