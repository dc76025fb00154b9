// Package orchestrator drives end-to-end runs: load tickets, evaluate
// hygiene rules, run LLM tasks, dispatch actions, and aggregate everything
// into an OrchestrationRun. One ticket failing never aborts the batch; the
// only run-level failure is being unable to load tickets at all.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jirabot/jirabot/internal/dispatch"
	"github.com/jirabot/jirabot/internal/hygiene"
	"github.com/jirabot/jirabot/internal/llm"
	"github.com/jirabot/jirabot/internal/tracker"
	"github.com/jirabot/jirabot/internal/types"
)

// CollaboratorLoadError is the only error class that fails a whole run:
// the ticket batch could not be loaded, so there is nothing to evaluate.
type CollaboratorLoadError struct {
	Op  string
	Err error
}

func (e *CollaboratorLoadError) Error() string {
	return fmt.Sprintf("loading tickets (%s): %v", e.Op, e.Err)
}
func (e *CollaboratorLoadError) Unwrap() error { return e.Err }

// Config bounds a run.
type Config struct {
	// MaxConcurrent caps per-ticket workers. Defaults to 4; LLM-bearing
	// modes are clamped to LLMMaxConcurrent.
	MaxConcurrent int

	// LLMMaxConcurrent is the worker cap when the run calls the model.
	// Local backends serialize poorly past a couple of streams. Default 2.
	LLMMaxConcurrent int

	// RunTimeout bounds the whole run. Expired runs keep their partial
	// results and finish as partial_failure. Default 10 minutes.
	RunTimeout time.Duration

	// DuplicateCheck configures the batch-level duplicate scan that runs
	// beside the per-ticket rules in hygiene-bearing modes.
	DuplicateCheck hygiene.DuplicateConfig
}

// DefaultConfig returns the default run bounds.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    4,
		LLMMaxConcurrent: 2,
		RunTimeout:       10 * time.Minute,
		DuplicateCheck:   hygiene.DefaultDuplicateConfig(),
	}
}

// Orchestrator wires the collaborators together. The runner may be nil
// when no LLM backend is configured; LLM-bearing modes then degrade to
// hygiene only with a warning.
type Orchestrator struct {
	tracker    tracker.Client
	engine     *hygiene.Engine
	runner     *llm.TaskRunner
	dispatcher *dispatch.Dispatcher
	cfg        Config
	log        *slog.Logger
}

// New builds an orchestrator.
func New(tc tracker.Client, engine *hygiene.Engine, runner *llm.TaskRunner, dispatcher *dispatch.Dispatcher, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.LLMMaxConcurrent <= 0 {
		cfg.LLMMaxConcurrent = DefaultConfig().LLMMaxConcurrent
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultConfig().RunTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		tracker:    tc,
		engine:     engine,
		runner:     runner,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
	}
}

// RunHygiene is the rules-only convenience entry point.
func (o *Orchestrator) RunHygiene(ctx context.Context, dryRun bool, q tracker.Query) (*types.OrchestrationRun, error) {
	return o.Run(ctx, types.ModeHygiene, dryRun, q)
}

// Run executes one orchestration run over the tickets matching q.
func (o *Orchestrator) Run(ctx context.Context, mode types.Mode, dryRun bool, q tracker.Query) (*types.OrchestrationRun, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("invalid mode: %s", mode)
	}
	run := &types.OrchestrationRun{
		ID:              uuid.New().String(),
		Mode:            mode,
		DryRun:          dryRun,
		StartedAt:       time.Now().UTC(),
		PerTicketStatus: make(map[string]types.TicketStatus),
		TicketErrors:    make(map[string]string),
		OverallStatus:   types.RunPending,
	}
	o.log.Info("run starting", "run_id", run.ID, "mode", mode, "dry_run", dryRun, "jql", q.JQL)

	tickets, err := o.tracker.SearchTickets(ctx, q)
	if err != nil {
		run.OverallStatus = types.RunFailed
		run.FinishedAt = time.Now().UTC()
		return run, &CollaboratorLoadError{Op: "search", Err: err}
	}
	run.OverallStatus = types.RunRunning
	for i := range tickets {
		run.PerTicketStatus[tickets[i].Key] = types.TicketPending
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	useLLM := mode.IncludesLLM() && o.runner != nil
	if mode.IncludesLLM() && o.runner == nil {
		o.log.Warn("no LLM backend configured, running hygiene only", "run_id", run.ID)
	}
	if useLLM {
		// Templates are a run-wide precondition: if the triage prompt
		// cannot be served, no ticket can be processed.
		if err := o.runner.ValidateTemplates(types.TaskTriage); err != nil {
			run.OverallStatus = types.RunFailed
			run.FinishedAt = time.Now().UTC()
			return run, fmt.Errorf("prompt templates: %w", err)
		}
	}

	var report hygiene.Report
	if mode.IncludesHygiene() {
		report = o.engine.Run(tickets, run.StartedAt, dryRun)
		// The duplicate scan needs the whole batch, so it runs here rather
		// than inside the engine's per-ticket cross product. Its results
		// are appended after the cross product and dispatched the same way.
		if o.cfg.DuplicateCheck.Enabled {
			dupes := hygiene.ScanDuplicates(tickets, o.cfg.DuplicateCheck)
			report.Results = append(report.Results, dupes...)
			report.Violations += len(dupes)
		}
		run.RuleResults = report.Results
	}

	o.processTickets(runCtx, run, tickets, &report, mode.IncludesHygiene(), useLLM)

	// Anything still pending was cut off by the run deadline.
	for key, status := range run.PerTicketStatus {
		if status == types.TicketPending {
			run.PerTicketStatus[key] = types.TicketError
			run.TicketErrors[key] = "run timeout exceeded before evaluation"
		}
	}

	run.OverallStatus = overallStatus(run)
	run.FinishedAt = time.Now().UTC()
	o.log.Info("run finished",
		"run_id", run.ID,
		"status", run.OverallStatus,
		"tickets", len(tickets),
		"errors", len(run.TicketErrors),
		"actions", len(run.ActionsTaken),
		"elapsed", run.FinishedAt.Sub(run.StartedAt))
	return run, nil
}

// processTickets fans the batch out over a bounded worker pool and merges
// each ticket's outputs into the run under a single mutex.
func (o *Orchestrator) processTickets(ctx context.Context, run *types.OrchestrationRun, tickets []types.Ticket, report *hygiene.Report, withHygiene, withLLM bool) {
	workers := o.cfg.MaxConcurrent
	if withLLM && workers > o.cfg.LLMMaxConcurrent {
		workers = o.cfg.LLMMaxConcurrent
	}
	sem := semaphore.NewWeighted(int64(workers))

	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := range tickets {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Deadline hit while queuing; remaining tickets stay pending
			// and are marked by the caller.
			break
		}
		wg.Add(1)
		go func(ticket *types.Ticket) {
			defer wg.Done()
			defer sem.Release(1)
			out := o.processOne(ctx, run, ticket, tickets, report, withHygiene, withLLM)

			mu.Lock()
			defer mu.Unlock()
			run.PerTicketStatus[ticket.Key] = out.status
			if out.errCause != "" {
				run.TicketErrors[ticket.Key] = out.errCause
			}
			if out.llmResult != nil {
				run.LLMResults = append(run.LLMResults, *out.llmResult)
			}
			run.ActionsTaken = append(run.ActionsTaken, out.actions...)
		}(&tickets[i])
	}
	wg.Wait()
}

type ticketOutcome struct {
	status    types.TicketStatus
	errCause  string
	llmResult *types.LLMResult
	actions   []types.AppliedAction
}

// processOne handles a single ticket end to end. Panics are contained
// here so one malformed ticket cannot take down the run.
func (o *Orchestrator) processOne(ctx context.Context, run *types.OrchestrationRun, ticket *types.Ticket, batch []types.Ticket, report *hygiene.Report, withHygiene, withLLM bool) (out ticketOutcome) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("ticket processing panicked",
				"run_id", run.ID, "ticket", ticket.Key, "panic", r)
			out.status = types.TicketError
			out.errCause = fmt.Sprintf("processing panic: %v", r)
		}
	}()
	out.status = types.TicketEvaluated

	// Rule-derived actions go first; they also establish precedence over
	// whatever the model proposes for the same action kind.
	ruleKinds := make(map[types.ActionKind]bool)
	if withHygiene {
		if errResult, ok := report.ErrorFor(ticket.Key); ok {
			out.status = types.TicketError
			out.errCause = errResult.Message
			return out
		}
		for _, violation := range report.ViolationsFor(ticket.Key) {
			if violation.SuggestedAction == nil {
				continue
			}
			req := *violation.SuggestedAction
			req.DryRun = run.DryRun
			rec := o.dispatcher.Apply(ctx, req, ticket)
			out.actions = append(out.actions, rec)
			if rec.Outcome != types.OutcomeFailed {
				ruleKinds[req.Kind] = true
			}
		}
	}

	if withLLM {
		input := llm.TaskInput{RecentContext: llm.BuildRecentContext(ticket, batch, 5)}
		result := o.runner.Run(ctx, ticket, types.TaskTriage, input)
		out.llmResult = &result

		if result.Parsed() && result.Triage != nil {
			req := types.NewActionRequest(types.ActionAddComment, ticket.Key,
				types.ActionPayload{CommentBody: triageComment(result.Triage)},
				"llm:"+string(types.TaskTriage))
			req.DryRun = run.DryRun
			if ruleKinds[req.Kind] {
				// A rule already commented on this ticket in this run; the
				// model's suggestion yields to it.
				o.log.Debug("llm action superseded by rule action",
					"ticket", ticket.Key, "kind", req.Kind)
			} else {
				out.actions = append(out.actions, o.dispatcher.Apply(ctx, req, ticket))
			}
		}
	}

	for _, rec := range out.actions {
		if rec.Outcome == types.OutcomeApplied && !rec.Request.DryRun {
			out.status = types.TicketActionApplied
			break
		}
	}
	return out
}

// TriageTicket runs the triage task for a single ticket, outside a sweep.
// Used by the webhook path when the tracker pushes one new issue. A parsed
// plan is posted back as a comment.
func (o *Orchestrator) TriageTicket(ctx context.Context, ticket *types.Ticket, dryRun bool) (types.LLMResult, *types.AppliedAction, error) {
	if o.runner == nil {
		return types.LLMResult{}, nil, fmt.Errorf("no LLM backend configured")
	}
	if err := ticket.Validate(); err != nil {
		return types.LLMResult{}, nil, err
	}

	result := o.runner.Run(ctx, ticket, types.TaskTriage, llm.TaskInput{})
	if !result.Parsed() || result.Triage == nil {
		return result, nil, nil
	}

	req := types.NewActionRequest(types.ActionAddComment, ticket.Key,
		types.ActionPayload{CommentBody: triageComment(result.Triage)},
		"llm:"+string(types.TaskTriage))
	req.DryRun = dryRun
	rec := o.dispatcher.Apply(ctx, req, ticket)
	return result, &rec, nil
}

// ValidateFieldRequest runs the field-governance flow for one requested
// custom field: count duplicates among existing tracker fields, ask the
// model for a decision, and auto-create the field when approved. Used by
// the admin-validator webhook.
func (o *Orchestrator) ValidateFieldRequest(ctx context.Context, ticket *types.Ticket, spec types.FieldSpec, dryRun bool) (types.LLMResult, *types.AppliedAction, error) {
	if o.runner == nil {
		return types.LLMResult{}, nil, fmt.Errorf("no LLM backend configured")
	}
	if err := o.runner.ValidateTemplates(types.TaskFieldValidate); err != nil {
		return types.LLMResult{}, nil, fmt.Errorf("prompt templates: %w", err)
	}

	dupes, similar, err := o.countFieldMatches(ctx, spec.Name)
	if err != nil {
		return types.LLMResult{}, nil, &CollaboratorLoadError{Op: "fields", Err: err}
	}

	result := o.runner.Run(ctx, ticket, types.TaskFieldValidate, llm.TaskInput{
		Field:           &spec,
		DuplicatesFound: dupes,
		SimilarFound:    similar,
	})
	if !result.Parsed() || result.Decision == nil {
		return result, nil, nil
	}

	o.log.Info("field validation decision",
		"field", spec.Name,
		"approved", result.Decision.Approved,
		"auto_create", result.Decision.AutoCreate,
		"duplicates", dupes, "similar", similar)
	if !result.Decision.Approved || !result.Decision.AutoCreate {
		return result, nil, nil
	}

	req := types.NewActionRequest(types.ActionCreateField, "",
		types.ActionPayload{Field: &spec}, "llm:"+string(types.TaskFieldValidate))
	req.DryRun = dryRun
	rec := o.dispatcher.Apply(ctx, req, nil)
	return result, &rec, nil
}

// countFieldMatches compares the requested name against existing fields:
// an exact match (case and whitespace folded) is a duplicate, a shared
// word is similar.
func (o *Orchestrator) countFieldMatches(ctx context.Context, name string) (dupes, similar int, err error) {
	fields, err := o.tracker.AllFields(ctx)
	if err != nil {
		return 0, 0, err
	}
	want := strings.ToLower(strings.Join(strings.Fields(name), " "))
	wantWords := strings.Fields(want)
	for _, f := range fields {
		have := strings.ToLower(strings.Join(strings.Fields(f.Name), " "))
		if have == want {
			dupes++
			continue
		}
		for _, w := range wantWords {
			if len(w) > 2 && strings.Contains(have, w) {
				similar++
				break
			}
		}
	}
	return dupes, similar, nil
}

func triageComment(steps *types.TriageSteps) string {
	var sb strings.Builder
	sb.WriteString("Suggested triage steps:\n")
	for i, step := range steps.Steps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
	}
	if steps.PatternNote != "" {
		sb.WriteString("\nPattern note: " + steps.PatternNote + "\n")
	}
	return sb.String()
}

// overallStatus folds per-ticket outcomes into the run's terminal state.
// Per-ticket errors degrade the run to partial_failure, never failed:
// failed is reserved for collaborator load failures, where there was
// nothing to evaluate at all.
func overallStatus(run *types.OrchestrationRun) types.RunStatus {
	for _, status := range run.PerTicketStatus {
		if status == types.TicketError {
			return types.RunPartialFailure
		}
	}
	return types.RunCompleted
}
