package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/jirabot/jirabot/internal/types"
)

// WorkflowState is one allowed (status, assignee-presence, label-set)
// combination. A ticket matches when its status equals Status, its
// assignee presence equals RequireAssignee, and it carries every label in
// RequiredLabels.
type WorkflowState struct {
	Status          string   `yaml:"status"`
	RequireAssignee bool     `yaml:"require_assignee"`
	RequiredLabels  []string `yaml:"required_labels"`
}

// WorkflowConfig configures the workflow validator. The allowed table is a
// lookup, not free-form logic: combinations not listed are violations by
// default (fail closed).
type WorkflowConfig struct {
	Allowed []WorkflowState `yaml:"allowed"`
}

// DefaultWorkflowConfig encodes the usual team workflow: backlog states
// may be unassigned, anything in flight must have an owner.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		Allowed: []WorkflowState{
			{Status: "Open", RequireAssignee: false},
			{Status: "Open", RequireAssignee: true},
			{Status: "To Do", RequireAssignee: false},
			{Status: "To Do", RequireAssignee: true},
			{Status: "In Progress", RequireAssignee: true},
			{Status: "Ready for Dev", RequireAssignee: true},
			{Status: "Done", RequireAssignee: true},
		},
	}
}

// WorkflowValidator checks tickets against the allowed workflow-state
// table.
type WorkflowValidator struct {
	cfg WorkflowConfig
}

func NewWorkflowValidator(cfg WorkflowConfig) *WorkflowValidator {
	return &WorkflowValidator{cfg: cfg}
}

func (r *WorkflowValidator) ID() string { return "workflow-validator" }

func (r *WorkflowValidator) Evaluate(ticket *types.Ticket, now time.Time) types.RuleResult {
	result := types.RuleResult{
		RuleID:    r.ID(),
		TicketKey: ticket.Key,
		Severity:  types.SeverityInfo,
	}

	if len(r.cfg.Allowed) == 0 {
		result.Message = "no workflow table configured; cannot validate"
		return result
	}
	if strings.TrimSpace(ticket.Status) == "" {
		result.Message = "ticket has no status; cannot validate workflow state"
		return result
	}

	hasAssignee := strings.TrimSpace(ticket.Assignee) != ""
	for _, state := range r.cfg.Allowed {
		if state.Status != ticket.Status {
			continue
		}
		if state.RequireAssignee != hasAssignee {
			continue
		}
		if !hasAllLabels(ticket, state.RequiredLabels) {
			continue
		}
		result.Message = fmt.Sprintf("state (%s, assignee=%v) is allowed", ticket.Status, hasAssignee)
		return result
	}

	result.Violated = true
	result.Severity = types.SeverityWarning
	result.Message = fmt.Sprintf("workflow state (status=%q, assignee=%v, labels=%v) not in allowed table",
		ticket.Status, hasAssignee, ticket.Labels)

	action := types.NewActionRequest(types.ActionAddComment, ticket.Key,
		types.ActionPayload{
			CommentBody: fmt.Sprintf("Workflow check: status %q with assignee=%v is not an allowed state. Please assign this issue or move it to a valid status.", ticket.Status, hasAssignee),
		}, "rule:"+r.ID())
	result.SuggestedAction = &action
	return result
}

func hasAllLabels(ticket *types.Ticket, labels []string) bool {
	for _, l := range labels {
		if !ticket.HasLabel(l) {
			return false
		}
	}
	return true
}
