// Package hygiene runs the deterministic rule set over a ticket batch.
// The engine only classifies: it performs no I/O side effects, and the
// orchestrator decides whether to act on its findings.
package hygiene

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jirabot/jirabot/internal/rules"
	"github.com/jirabot/jirabot/internal/types"
)

// EvaluationErrorRuleID is the synthetic rule id recorded when evaluating
// a (rule, ticket) pair fails unexpectedly.
const EvaluationErrorRuleID = "evaluation-error"

// Report is the outcome of one hygiene pass. Results are ordered
// rule-major then ticket-order, so identical input yields an identical
// report.
type Report struct {
	GeneratedAt time.Time          `json:"generated_at"`
	DryRun      bool               `json:"dry_run"`
	Results     []types.RuleResult `json:"results"`
	Violations  int                `json:"violations"`
	Errors      int                `json:"errors"`
}

// ViolationsFor returns the violated results for one ticket, in rule order.
func (r *Report) ViolationsFor(ticketKey string) []types.RuleResult {
	var out []types.RuleResult
	for _, res := range r.Results {
		if res.TicketKey == ticketKey && res.Violated {
			out = append(out, res)
		}
	}
	return out
}

// ErrorFor returns the first evaluation-error result for a ticket, if any.
func (r *Report) ErrorFor(ticketKey string) (types.RuleResult, bool) {
	for _, res := range r.Results {
		if res.TicketKey == ticketKey && res.RuleID == EvaluationErrorRuleID {
			return res, true
		}
	}
	return types.RuleResult{}, false
}

// Engine evaluates a rule set over ticket batches.
type Engine struct {
	rules []rules.Rule
	log   *slog.Logger
}

// NewEngine builds an engine over the given rules. A nil logger falls back
// to slog's default.
func NewEngine(rs []rules.Rule, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{rules: rs, log: log}
}

// Rules returns the configured rule set (stable order).
func (e *Engine) Rules() []rules.Rule { return e.rules }

// Run evaluates the full cross product of rules × tickets and returns
// exactly len(rules) × len(tickets) results. A failure evaluating one pair
// is recorded as a critical synthetic result and evaluation continues.
func (e *Engine) Run(tickets []types.Ticket, now time.Time, dryRun bool) Report {
	report := Report{
		GeneratedAt: now,
		DryRun:      dryRun,
		Results:     make([]types.RuleResult, 0, len(e.rules)*len(tickets)),
	}

	for _, rule := range e.rules {
		for i := range tickets {
			result := e.evaluateSafe(rule, &tickets[i], now)
			if result.RuleID == EvaluationErrorRuleID {
				report.Errors++
			}
			if result.Violated {
				report.Violations++
			}
			report.Results = append(report.Results, result)
		}
	}

	e.log.Info("hygiene pass complete",
		"tickets", len(tickets),
		"rules", len(e.rules),
		"violations", report.Violations,
		"errors", report.Errors,
		"dry_run", dryRun)
	return report
}

// evaluateSafe isolates a single (rule, ticket) evaluation so one
// malformed ticket cannot abort the batch.
func (e *Engine) evaluateSafe(rule rules.Rule, ticket *types.Ticket, now time.Time) (result types.RuleResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("rule evaluation panicked",
				"rule", rule.ID(), "ticket", ticket.Key, "panic", r)
			result = types.RuleResult{
				RuleID:    EvaluationErrorRuleID,
				TicketKey: ticket.Key,
				Violated:  true,
				Severity:  types.SeverityCritical,
				Message:   fmt.Sprintf("rule %s failed to evaluate: %v", rule.ID(), r),
			}
		}
	}()
	return rule.Evaluate(ticket, now)
}
