package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/jirabot/jirabot/internal/types"
)

// MissingFieldsConfig configures the required-field rule.
type MissingFieldsConfig struct {
	// Required lists field ids that must be present and non-empty.
	// "assignee" and "labels" address the ticket's built-in fields; any
	// other id is looked up in the custom field bag.
	Required []string `yaml:"required"`

	// Statuses, when non-empty, restricts the check to tickets in these
	// statuses. Empty means all tickets are checked.
	Statuses []string `yaml:"statuses"`
}

// DefaultMissingFieldsConfig requires an assignee, matching the original
// sweep configuration.
func DefaultMissingFieldsConfig() MissingFieldsConfig {
	return MissingFieldsConfig{Required: []string{"assignee"}}
}

// MissingFields flags tickets missing any configured required field. The
// violation message names every missing field id.
type MissingFields struct {
	cfg MissingFieldsConfig
}

func NewMissingFields(cfg MissingFieldsConfig) *MissingFields {
	return &MissingFields{cfg: cfg}
}

func (r *MissingFields) ID() string { return "missing-fields" }

func (r *MissingFields) Evaluate(ticket *types.Ticket, now time.Time) types.RuleResult {
	result := types.RuleResult{
		RuleID:    r.ID(),
		TicketKey: ticket.Key,
		Severity:  types.SeverityInfo,
	}

	if len(r.cfg.Required) == 0 {
		result.Message = "no required fields configured"
		return result
	}
	if len(r.cfg.Statuses) > 0 && !contains(r.cfg.Statuses, ticket.Status) {
		result.Message = fmt.Sprintf("status %q not in scope for required-field check", ticket.Status)
		return result
	}

	var missing []string
	for _, field := range r.cfg.Required {
		if r.fieldMissing(ticket, field) {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		result.Message = "all required fields present"
		return result
	}

	result.Violated = true
	result.Severity = types.SeverityWarning
	result.Message = fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", "))

	action := types.NewActionRequest(types.ActionAddComment, ticket.Key,
		types.ActionPayload{
			CommentBody: fmt.Sprintf("This issue is missing required fields: %s", strings.Join(missing, ", ")),
		}, "rule:"+r.ID())
	result.SuggestedAction = &action
	return result
}

func (r *MissingFields) fieldMissing(ticket *types.Ticket, field string) bool {
	switch strings.ToLower(field) {
	case "assignee":
		return strings.TrimSpace(ticket.Assignee) == ""
	case "labels":
		return len(ticket.Labels) == 0
	case "summary":
		return strings.TrimSpace(ticket.Summary) == ""
	case "description":
		return strings.TrimSpace(ticket.Description) == ""
	}
	return ticket.FieldEmpty(field)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
