package rules

import (
	"fmt"
	"time"

	"github.com/jirabot/jirabot/internal/types"
)

// StaleConfig configures the stale-ticket rule.
type StaleConfig struct {
	// ThresholdDays is the age past which an active ticket is stale.
	ThresholdDays int `yaml:"threshold_days"`

	// CriticalThresholdDays escalates severity from warning to critical.
	// Zero disables escalation.
	CriticalThresholdDays int `yaml:"critical_threshold_days"`

	// ActiveStatuses restricts the rule to tickets whose status is in this
	// set. Resolved and closed work is never stale.
	ActiveStatuses []string `yaml:"active_statuses"`

	// StaleLabel, when set, is suggested as an add_label action for
	// violations. Otherwise a comment is suggested.
	StaleLabel string `yaml:"stale_label"`
}

// DefaultStaleConfig mirrors the scheduled-sweep defaults: 30 days to
// warning, 60 to critical.
func DefaultStaleConfig() StaleConfig {
	return StaleConfig{
		ThresholdDays:         30,
		CriticalThresholdDays: 60,
		ActiveStatuses:        []string{"Open", "To Do", "In Progress", "Ready for Dev"},
		StaleLabel:            "stale",
	}
}

// StaleTicket flags active tickets that have not been updated within the
// configured threshold.
type StaleTicket struct {
	cfg StaleConfig
}

// NewStaleTicket builds the rule, normalizing nonsense thresholds.
func NewStaleTicket(cfg StaleConfig) *StaleTicket {
	if cfg.ThresholdDays <= 0 {
		cfg.ThresholdDays = DefaultStaleConfig().ThresholdDays
	}
	if cfg.CriticalThresholdDays != 0 && cfg.CriticalThresholdDays < cfg.ThresholdDays {
		cfg.CriticalThresholdDays = cfg.ThresholdDays
	}
	return &StaleTicket{cfg: cfg}
}

func (r *StaleTicket) ID() string { return "stale-ticket" }

func (r *StaleTicket) Evaluate(ticket *types.Ticket, now time.Time) types.RuleResult {
	result := types.RuleResult{
		RuleID:    r.ID(),
		TicketKey: ticket.Key,
		Severity:  types.SeverityInfo,
	}

	if ticket.UpdatedAt.IsZero() {
		result.Message = "no updated timestamp on ticket; cannot assess staleness"
		return result
	}
	if !r.isActive(ticket.Status) {
		result.Message = fmt.Sprintf("status %q is not active; staleness not assessed", ticket.Status)
		return result
	}

	age := now.Sub(ticket.UpdatedAt)
	ageDays := int(age.Hours() / 24)
	// Strictly past the threshold: a ticket updated exactly threshold days
	// ago is not yet stale.
	if age <= daysToDuration(r.cfg.ThresholdDays) {
		result.Message = fmt.Sprintf("updated %d days ago, within %d-day threshold", ageDays, r.cfg.ThresholdDays)
		return result
	}

	result.Violated = true
	result.Severity = types.SeverityWarning
	if r.cfg.CriticalThresholdDays > 0 && age > daysToDuration(r.cfg.CriticalThresholdDays) {
		result.Severity = types.SeverityCritical
	}
	result.Message = fmt.Sprintf("no updates in %d days (threshold %d)", ageDays, r.cfg.ThresholdDays)

	if r.cfg.StaleLabel != "" && !ticket.HasLabel(r.cfg.StaleLabel) {
		action := types.NewActionRequest(types.ActionAddLabel, ticket.Key,
			types.ActionPayload{Label: r.cfg.StaleLabel}, "rule:"+r.ID())
		result.SuggestedAction = &action
	} else if r.cfg.StaleLabel == "" {
		action := types.NewActionRequest(types.ActionAddComment, ticket.Key,
			types.ActionPayload{
				CommentBody: fmt.Sprintf("No updates in %d days. Please update or close.", ageDays),
			}, "rule:"+r.ID())
		result.SuggestedAction = &action
	}
	return result
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

func (r *StaleTicket) isActive(status string) bool {
	for _, s := range r.cfg.ActiveStatuses {
		if s == status {
			return true
		}
	}
	return false
}
