package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jirabot/jirabot/internal/dispatch"
	"github.com/jirabot/jirabot/internal/hygiene"
	"github.com/jirabot/jirabot/internal/llm"
	"github.com/jirabot/jirabot/internal/rules"
	"github.com/jirabot/jirabot/internal/tracker"
	"github.com/jirabot/jirabot/internal/types"
)

// fakeTracker serves a canned batch and records mutations.
type fakeTracker struct {
	mu        sync.Mutex
	tickets   []types.Ticket
	fields    []types.FieldDescriptor
	searchErr error
	applied   []types.ActionRequest
}

func (f *fakeTracker) SearchTickets(ctx context.Context, q tracker.Query) ([]types.Ticket, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.tickets, nil
}

func (f *fakeTracker) AllFields(ctx context.Context) ([]types.FieldDescriptor, error) {
	return f.fields, nil
}

func (f *fakeTracker) Apply(ctx context.Context, req types.ActionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, req)
	return nil
}

func (f *fakeTracker) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// fakeProvider returns a fixed completion after an optional delay. With
// block set it sleeps through context expiry, like a hung local backend.
type fakeProvider struct {
	response string
	delay    time.Duration
	block    bool
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(ctx context.Context, prompt llm.Prompt) (string, error) {
	if p.delay > 0 {
		if p.block {
			time.Sleep(p.delay)
			return p.response, nil
		}
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", &llm.TransportError{Backend: p.Name(), Op: "complete", Err: ctx.Err()}
		}
	}
	return p.response, nil
}

// panicOnRule blows up for one ticket key to exercise failure isolation.
type panicOnRule struct{ key string }

func (r panicOnRule) ID() string { return "panicky" }

func (r panicOnRule) Evaluate(ticket *types.Ticket, now time.Time) types.RuleResult {
	if ticket.Key == r.key {
		panic("corrupt custom field")
	}
	return types.RuleResult{RuleID: r.ID(), TicketKey: ticket.Key, Severity: types.SeverityInfo, Message: "ok"}
}

func staleTicket(key string, age time.Duration) types.Ticket {
	return types.Ticket{
		Key:       key,
		Summary:   "VPN connection drops hourly",
		Status:    "Open",
		Assignee:  "Dana Ortiz",
		UpdatedAt: time.Now().Add(-age),
	}
}

func freshTicket(key string) types.Ticket {
	return staleTicket(key, time.Hour)
}

func newOrchestrator(ft *fakeTracker, rs []rules.Rule, provider llm.Provider, cfg Config) *Orchestrator {
	engine := hygiene.NewEngine(rs, nil)
	dcfg := dispatch.DefaultConfig()
	dcfg.InitialBackoff = time.Millisecond
	dcfg.WritesPerSecond = 0
	dispatcher := dispatch.New(ft, dcfg, nil)
	var runner *llm.TaskRunner
	if provider != nil {
		runner = llm.NewTaskRunner(provider, nil, 0, nil)
	}
	return New(ft, engine, runner, dispatcher, cfg, nil)
}

func TestRunHygieneDryRun(t *testing.T) {
	ft := &fakeTracker{tickets: []types.Ticket{
		staleTicket("OPS-1", 45*24*time.Hour),
		freshTicket("OPS-2"),
	}}
	o := newOrchestrator(ft, rules.Build(rules.DefaultConfig()), nil, Config{})

	run, err := o.RunHygiene(context.Background(), true, tracker.Query{JQL: "project = OPS"})
	require.NoError(t, err)

	assert.Equal(t, types.RunCompleted, run.OverallStatus)
	assert.True(t, run.DryRun)
	assert.NotEmpty(t, run.ID)
	assert.Len(t, run.RuleResults, 3*2)

	// Dry run: nothing reaches the tracker, actions are recorded as
	// would_apply, and no ticket claims action_applied.
	assert.Equal(t, 0, ft.appliedCount())
	require.NotEmpty(t, run.ActionsTaken)
	for _, a := range run.ActionsTaken {
		assert.Equal(t, types.OutcomeWouldApply, a.Outcome)
	}
	assert.Equal(t, types.TicketEvaluated, run.PerTicketStatus["OPS-1"])
	assert.Equal(t, types.TicketEvaluated, run.PerTicketStatus["OPS-2"])

	require.NoError(t, run.Validate())
}

func TestRunAppliesRuleActions(t *testing.T) {
	ft := &fakeTracker{tickets: []types.Ticket{
		staleTicket("OPS-1", 45*24*time.Hour),
		freshTicket("OPS-2"),
	}}
	cfg := rules.DefaultConfig()
	cfg.EnableMissingFields = false
	cfg.EnableWorkflow = false
	o := newOrchestrator(ft, rules.Build(cfg), nil, Config{})

	run, err := o.RunHygiene(context.Background(), false, tracker.Query{})
	require.NoError(t, err)

	assert.Equal(t, types.RunCompleted, run.OverallStatus)
	assert.Equal(t, types.TicketActionApplied, run.PerTicketStatus["OPS-1"])
	assert.Equal(t, types.TicketEvaluated, run.PerTicketStatus["OPS-2"])
	require.Equal(t, 1, ft.appliedCount())
	assert.Equal(t, types.ActionAddLabel, ft.applied[0].Kind)
	assert.Equal(t, "rule:stale-ticket", ft.applied[0].Source)

	require.NoError(t, run.Validate())
}

func TestTicketFailureIsolation(t *testing.T) {
	ft := &fakeTracker{tickets: []types.Ticket{
		freshTicket("OPS-1"), freshTicket("OPS-2"), freshTicket("OPS-3"),
	}}
	o := newOrchestrator(ft, []rules.Rule{panicOnRule{key: "OPS-2"}}, nil, Config{})

	run, err := o.RunHygiene(context.Background(), false, tracker.Query{})
	require.NoError(t, err)

	assert.Equal(t, types.RunPartialFailure, run.OverallStatus)
	assert.Equal(t, types.TicketEvaluated, run.PerTicketStatus["OPS-1"])
	assert.Equal(t, types.TicketError, run.PerTicketStatus["OPS-2"])
	assert.Equal(t, types.TicketEvaluated, run.PerTicketStatus["OPS-3"])
	assert.Contains(t, run.TicketErrors["OPS-2"], "failed to evaluate")

	// The erroring ticket still has its cross-product rows.
	assert.Len(t, run.RuleResults, 3)
	require.NoError(t, run.Validate())
}

func TestCombinedRunDispatchesTriageComment(t *testing.T) {
	ft := &fakeTracker{tickets: []types.Ticket{freshTicket("OPS-1")}}
	provider := &fakeProvider{response: `{"steps": ["check VPN gateway logs", "confirm DHCP lease renewal"], "pattern_note": ""}`}
	cfg := rules.DefaultConfig()
	cfg.EnableMissingFields = false
	cfg.EnableWorkflow = false
	o := newOrchestrator(ft, rules.Build(cfg), provider, Config{})

	run, err := o.Run(context.Background(), types.ModeCombined, false, tracker.Query{})
	require.NoError(t, err)

	assert.Equal(t, types.RunCompleted, run.OverallStatus)
	require.Len(t, run.LLMResults, 1)
	assert.True(t, run.LLMResults[0].Parsed())

	require.Equal(t, 1, ft.appliedCount())
	assert.Equal(t, types.ActionAddComment, ft.applied[0].Kind)
	assert.Equal(t, "llm:triage", ft.applied[0].Source)
	assert.Contains(t, ft.applied[0].Payload.CommentBody, "1. check VPN gateway logs")
	assert.Equal(t, types.TicketActionApplied, run.PerTicketStatus["OPS-1"])
	require.NoError(t, run.Validate())
}

func TestRuleCommentTakesPrecedenceOverLLM(t *testing.T) {
	ticket := freshTicket("OPS-1")
	ticket.Assignee = "" // trips missing-fields, which suggests a comment
	ft := &fakeTracker{tickets: []types.Ticket{ticket}}
	provider := &fakeProvider{response: `{"steps": ["do something"], "pattern_note": ""}`}
	cfg := rules.DefaultConfig()
	cfg.EnableStale = false
	cfg.EnableWorkflow = false
	o := newOrchestrator(ft, rules.Build(cfg), provider, Config{})

	run, err := o.Run(context.Background(), types.ModeCombined, false, tracker.Query{})
	require.NoError(t, err)

	require.Equal(t, 1, ft.appliedCount())
	assert.Equal(t, "rule:missing-fields", ft.applied[0].Source)
	require.Len(t, run.LLMResults, 1)
	assert.True(t, run.LLMResults[0].Parsed())
}

func TestDuplicateScanDispatchesComments(t *testing.T) {
	// Same summary: the batch scan should flag each ticket as a likely
	// duplicate of the other and comment on both.
	ft := &fakeTracker{tickets: []types.Ticket{freshTicket("OPS-1"), freshTicket("OPS-2")}}
	o := newOrchestrator(ft, nil, nil, Config{DuplicateCheck: hygiene.DefaultDuplicateConfig()})

	run, err := o.RunHygiene(context.Background(), false, tracker.Query{})
	require.NoError(t, err)

	require.Len(t, run.RuleResults, 2)
	assert.Equal(t, hygiene.DuplicateRuleID, run.RuleResults[0].RuleID)
	assert.Contains(t, run.RuleResults[0].Message, "OPS-2")

	require.Equal(t, 2, ft.appliedCount())
	for _, req := range ft.applied {
		assert.Equal(t, types.ActionAddComment, req.Kind)
		assert.Equal(t, "rule:"+hygiene.DuplicateRuleID, req.Source)
	}
	assert.Equal(t, types.TicketActionApplied, run.PerTicketStatus["OPS-1"])
	assert.Equal(t, types.TicketActionApplied, run.PerTicketStatus["OPS-2"])
	require.NoError(t, run.Validate())
}

func TestDuplicateScanRespectsDryRun(t *testing.T) {
	ft := &fakeTracker{tickets: []types.Ticket{freshTicket("OPS-1"), freshTicket("OPS-2")}}
	o := newOrchestrator(ft, nil, nil, Config{DuplicateCheck: hygiene.DefaultDuplicateConfig()})

	run, err := o.RunHygiene(context.Background(), true, tracker.Query{})
	require.NoError(t, err)

	assert.Equal(t, 0, ft.appliedCount())
	require.Len(t, run.ActionsTaken, 2)
	for _, a := range run.ActionsTaken {
		assert.Equal(t, types.OutcomeWouldApply, a.Outcome)
	}
}

func TestLLMTransportFailureDoesNotErrorTicket(t *testing.T) {
	ft := &fakeTracker{tickets: []types.Ticket{freshTicket("OPS-1")}}
	provider := &fakeProvider{delay: time.Second}
	o := newOrchestrator(ft, nil, provider, Config{})
	// Shrink the per-call timeout well under the provider delay.
	o.runner = llm.NewTaskRunner(provider, nil, 10*time.Millisecond, nil)

	run, err := o.Run(context.Background(), types.ModeLLM, false, tracker.Query{})
	require.NoError(t, err)

	assert.Equal(t, types.RunCompleted, run.OverallStatus)
	assert.Equal(t, types.TicketEvaluated, run.PerTicketStatus["OPS-1"])
	require.Len(t, run.LLMResults, 1)
	assert.Equal(t, llm.MarkerTransportTimeout, run.LLMResults[0].ParseError)
}

func TestMissingTriageTemplateFailsRun(t *testing.T) {
	ft := &fakeTracker{tickets: []types.Ticket{freshTicket("OPS-1")}}
	provider := &fakeProvider{response: `{"steps": ["x"]}`}
	o := newOrchestrator(ft, nil, provider, Config{})
	// An empty template store means the triage prompt can never render:
	// a run-wide precondition failure, not a per-ticket one.
	o.runner = llm.NewTaskRunner(provider, llm.NewTemplateStore(), 0, nil)

	run, err := o.Run(context.Background(), types.ModeLLM, false, tracker.Query{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, types.RunFailed, run.OverallStatus)
	assert.Equal(t, 0, ft.appliedCount())
}

func TestSearchFailureFailsRun(t *testing.T) {
	ft := &fakeTracker{searchErr: &tracker.TransientError{Op: "search", Err: errors.New("HTTP 503")}}
	o := newOrchestrator(ft, rules.Build(rules.DefaultConfig()), nil, Config{})

	run, err := o.RunHygiene(context.Background(), false, tracker.Query{})
	require.Error(t, err)
	var loadErr *CollaboratorLoadError
	assert.ErrorAs(t, err, &loadErr)
	assert.Equal(t, types.RunFailed, run.OverallStatus)
	assert.False(t, run.FinishedAt.IsZero())
}

func TestRunTimeoutMarksRemainingTickets(t *testing.T) {
	ft := &fakeTracker{tickets: []types.Ticket{freshTicket("OPS-1"), freshTicket("OPS-2")}}
	provider := &fakeProvider{delay: 200 * time.Millisecond, block: true, response: `{"steps": ["x"]}`}
	o := newOrchestrator(ft, nil, provider, Config{
		MaxConcurrent:    1,
		LLMMaxConcurrent: 1,
		RunTimeout:       20 * time.Millisecond,
	})

	run, err := o.Run(context.Background(), types.ModeLLM, false, tracker.Query{})
	require.NoError(t, err)

	assert.Equal(t, types.RunPartialFailure, run.OverallStatus)
	errored := 0
	for key, status := range run.PerTicketStatus {
		if status == types.TicketError {
			errored++
			assert.Contains(t, run.TicketErrors[key], "timeout")
		}
	}
	assert.GreaterOrEqual(t, errored, 1)
	require.NoError(t, run.Validate())
}

func TestValidateFieldRequestApprovedAutoCreate(t *testing.T) {
	ft := &fakeTracker{fields: []types.FieldDescriptor{{ID: "customfield_1", Name: "Root Cause"}}}
	provider := &fakeProvider{response: `{"approved": true, "reason": "clear operational need", "auto_create": true}`}
	o := newOrchestrator(ft, nil, provider, Config{})

	ticket := freshTicket("OPS-9")
	result, action, err := o.ValidateFieldRequest(context.Background(), &ticket,
		types.FieldSpec{Name: "Affected Region", Type: "select", Options: []string{"us", "eu"}}, false)
	require.NoError(t, err)
	require.NotNil(t, result.Decision)
	assert.True(t, result.Decision.Approved)

	require.NotNil(t, action)
	assert.Equal(t, types.OutcomeApplied, action.Outcome)
	require.Equal(t, 1, ft.appliedCount())
	assert.Equal(t, types.ActionCreateField, ft.applied[0].Kind)
}

func TestValidateFieldRequestRejected(t *testing.T) {
	ft := &fakeTracker{}
	provider := &fakeProvider{response: `{"approved": false, "reason": "duplicate of Root Cause", "auto_create": false}`}
	o := newOrchestrator(ft, nil, provider, Config{})

	ticket := freshTicket("OPS-9")
	result, action, err := o.ValidateFieldRequest(context.Background(), &ticket,
		types.FieldSpec{Name: "root  cause", Type: "text"}, false)
	require.NoError(t, err)
	require.NotNil(t, result.Decision)
	assert.False(t, result.Decision.Approved)
	assert.Nil(t, action)
	assert.Equal(t, 0, ft.appliedCount())
}

func TestAllTicketsErroredIsStillPartialFailure(t *testing.T) {
	ft := &fakeTracker{tickets: []types.Ticket{freshTicket("OPS-1")}}
	o := newOrchestrator(ft, []rules.Rule{panicOnRule{key: "OPS-1"}}, nil, Config{})

	run, err := o.RunHygiene(context.Background(), false, tracker.Query{})
	require.NoError(t, err)
	// failed is reserved for collaborator load failures; every ticket
	// erroring still leaves a run with recorded results.
	assert.Equal(t, types.RunPartialFailure, run.OverallStatus)
}

func TestTimeoutBeforeAnyTicketIsPartialFailure(t *testing.T) {
	ft := &fakeTracker{tickets: []types.Ticket{freshTicket("OPS-1"), freshTicket("OPS-2")}}
	provider := &fakeProvider{delay: 100 * time.Millisecond, block: true, response: `{"steps": ["x"]}`}
	o := newOrchestrator(ft, nil, provider, Config{
		MaxConcurrent:    1,
		LLMMaxConcurrent: 1,
		RunTimeout:       time.Nanosecond,
	})

	run, err := o.Run(context.Background(), types.ModeLLM, false, tracker.Query{})
	require.NoError(t, err)
	assert.Equal(t, types.RunPartialFailure, run.OverallStatus)
	for key, status := range run.PerTicketStatus {
		if status == types.TicketError {
			assert.Contains(t, run.TicketErrors[key], "timeout")
		}
	}
	require.NoError(t, run.Validate())
}
