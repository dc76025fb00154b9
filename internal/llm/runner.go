package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jirabot/jirabot/internal/types"
)

// Transport-failure markers recorded in LLMResult.ParseError. They let the
// caller distinguish "model unreachable" from "model answered garbage"
// without an error type crossing the result boundary.
const (
	MarkerTransportTimeout = "transport timeout"
	MarkerTransportFailure = "transport failure"
)

// DefaultTimeout bounds a single completion call. Sized for a 5-30B local
// model: tens of seconds, not single digits.
const DefaultTimeout = 60 * time.Second

// TaskRunner renders prompts, invokes the provider, and parses structured
// results. All failure modes land on the LLMResult; Run never returns an
// error and never panics.
type TaskRunner struct {
	provider Provider
	store    *TemplateStore
	timeout  time.Duration
	log      *slog.Logger
}

// NewTaskRunner builds a runner. Zero timeout uses DefaultTimeout.
func NewTaskRunner(provider Provider, store *TemplateStore, timeout time.Duration, log *slog.Logger) *TaskRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if store == nil {
		store = DefaultTemplateStore()
	}
	if log == nil {
		log = slog.Default()
	}
	return &TaskRunner{provider: provider, store: store, timeout: timeout, log: log}
}

// ValidateTemplates checks that the store can serve every given task
// kind. Templates are static for the life of a run, so a missing one is a
// precondition failure the caller should surface before processing any
// ticket, unlike the per-ticket variable failures Run records on results.
func (r *TaskRunner) ValidateTemplates(kinds ...types.TaskKind) error {
	for _, kind := range kinds {
		if !r.store.Has(string(kind)) {
			return &TemplateError{TemplateID: string(kind), Reason: "not found"}
		}
	}
	return nil
}

// TaskInput carries per-task variables beyond the ticket itself.
type TaskInput struct {
	// RecentContext is an optional block of related-ticket context for
	// triage prompts.
	RecentContext string

	// Field describes the requested field for field-validate tasks.
	Field *types.FieldSpec

	// DuplicatesFound / SimilarFound are the tracker-side duplicate check
	// counts fed to the field-validate prompt.
	DuplicatesFound int
	SimilarFound    int
}

// Run executes one LLM task for one ticket. Timeout and transport failures
// set a transport marker in ParseError; unparseable answers keep RawText
// for audit and set ParseError. Parse failures are not retried here:
// non-deterministic output makes blind retry unsafe without a caller-level
// backoff policy.
func (r *TaskRunner) Run(ctx context.Context, ticket *types.Ticket, kind types.TaskKind, input TaskInput) types.LLMResult {
	result := types.LLMResult{TicketKey: ticket.Key, Kind: kind}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	if !kind.IsValid() {
		result.ParseError = fmt.Sprintf("unknown task kind %q", kind)
		return result
	}

	prompt, err := r.render(ticket, kind, input)
	if err != nil {
		// A template that cannot render is a run-wide precondition failure
		// surfaced as such; record it so the ticket still terminates.
		result.ParseError = err.Error()
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.provider.Complete(callCtx, prompt)
	if err != nil {
		result.ParseError = transportMarker(err)
		r.log.Warn("llm transport failure",
			"ticket", ticket.Key, "kind", kind, "backend", r.provider.Name(), "error", err)
		return result
	}
	result.RawText = raw

	switch kind {
	case types.TaskTriage:
		parsed, err := ParseJSON[types.TriageSteps](raw)
		if err != nil || len(parsed.Steps) == 0 {
			result.ParseError = parseFailure(err)
			return result
		}
		result.Triage = &parsed
	case types.TaskFieldValidate:
		parsed, err := ParseJSON[types.FieldDecision](raw)
		if err != nil {
			result.ParseError = parseFailure(err)
			return result
		}
		result.Decision = &parsed
	}
	return result
}

func (r *TaskRunner) render(ticket *types.Ticket, kind types.TaskKind, input TaskInput) (Prompt, error) {
	vars := map[string]any{
		"ticket": map[string]any{
			"key":         ticket.Key,
			"summary":     ticket.Summary,
			"description": ticket.Description,
			"status":      ticket.Status,
			"assignee":    ticket.Assignee,
			"labels":      ticket.Labels,
		},
		"recent_context":   input.RecentContext,
		"duplicates_found": input.DuplicatesFound,
		"similar_found":    input.SimilarFound,
	}
	if input.Field != nil {
		vars["field"] = map[string]any{
			"name":    input.Field.Name,
			"type":    input.Field.Type,
			"options": input.Field.Options,
		}
	}
	return r.store.Render(string(kind), vars)
}

func transportMarker(err error) string {
	var te *TransportError
	if errors.As(err, &te) && te.Timeout() {
		return MarkerTransportTimeout
	}
	return fmt.Sprintf("%s: %v", MarkerTransportFailure, err)
}

func parseFailure(err error) string {
	if err == nil {
		return "parse failure: response missing expected fields"
	}
	return fmt.Sprintf("parse failure: %v", err)
}

// BuildRecentContext assembles a related-ticket context block for triage
// prompts from the loaded batch, using simple keyword overlap. Returns ""
// when nothing is similar enough to mention.
func BuildRecentContext(target *types.Ticket, batch []types.Ticket, limit int) string {
	if limit <= 0 {
		limit = 5
	}
	targetWords := keywordSet(target.Summary + " " + target.Description)

	var lines []string
	for i := range batch {
		other := &batch[i]
		if other.Key == target.Key {
			continue
		}
		if keywordOverlap(targetWords, keywordSet(other.Summary)) >= 2 {
			lines = append(lines, fmt.Sprintf("- %s: %s", other.Key, other.Summary))
			if len(lines) >= limit {
				break
			}
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Recent similar tickets for context:\n" + strings.Join(lines, "\n")
}

func keywordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if len(w) > 2 {
			set[w] = struct{}{}
		}
	}
	return set
}

func keywordOverlap(a, b map[string]struct{}) int {
	n := 0
	for w := range b {
		if _, ok := a[w]; ok {
			n++
		}
	}
	return n
}
