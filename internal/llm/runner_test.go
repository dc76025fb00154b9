package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jirabot/jirabot/internal/types"
)

// fakeProvider returns canned output or a canned error.
type fakeProvider struct {
	text  string
	err   error
	delay time.Duration
	calls int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, _ Prompt) (string, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", &TransportError{Backend: f.Name(), Op: "generate", Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func triageTicket() *types.Ticket {
	return &types.Ticket{
		Key:         "OPS-1",
		Summary:     "VPN drops every hour",
		Description: "User reports hourly disconnects",
		Status:      "Open",
	}
}

func TestRunTriageSuccess(t *testing.T) {
	provider := &fakeProvider{text: `{"steps": ["check VPN logs", "rotate certificate"], "pattern_note": ""}`}
	runner := NewTaskRunner(provider, nil, 0, nil)

	result := runner.Run(context.Background(), triageTicket(), types.TaskTriage, TaskInput{})
	require.True(t, result.Parsed())
	require.NotNil(t, result.Triage)
	assert.Equal(t, []string{"check VPN logs", "rotate certificate"}, result.Triage.Steps)
	assert.Empty(t, result.ParseError)
	assert.Equal(t, "OPS-1", result.TicketKey)
}

func TestRunFieldValidateSuccess(t *testing.T) {
	provider := &fakeProvider{text: `{"approved": false, "reason": "duplicate exists", "auto_create": false}`}
	runner := NewTaskRunner(provider, nil, 0, nil)

	result := runner.Run(context.Background(), triageTicket(), types.TaskFieldValidate, TaskInput{
		Field:           &types.FieldSpec{Name: "Region", Type: "select"},
		DuplicatesFound: 1,
	})
	require.NotNil(t, result.Decision)
	assert.False(t, result.Decision.Approved)
	assert.Equal(t, "duplicate exists", result.Decision.Reason)
}

func TestRunUnparseableKeepsRawText(t *testing.T) {
	provider := &fakeProvider{text: "Sorry, I can only answer in prose today."}
	runner := NewTaskRunner(provider, nil, 0, nil)

	result := runner.Run(context.Background(), triageTicket(), types.TaskTriage, TaskInput{})
	assert.False(t, result.Parsed())
	assert.Contains(t, result.ParseError, "parse failure")
	assert.Equal(t, "Sorry, I can only answer in prose today.", result.RawText)

	// No automatic retry of parse failures.
	assert.Equal(t, 1, provider.calls)
}

func TestRunTimeoutSetsTransportMarker(t *testing.T) {
	provider := &fakeProvider{text: `{"steps": ["late"]}`, delay: 200 * time.Millisecond}
	runner := NewTaskRunner(provider, nil, 20*time.Millisecond, nil)

	result := runner.Run(context.Background(), triageTicket(), types.TaskTriage, TaskInput{})
	assert.Equal(t, MarkerTransportTimeout, result.ParseError)
	assert.Empty(t, result.RawText)
}

func TestRunTransportFailureMarker(t *testing.T) {
	provider := &fakeProvider{err: &TransportError{Backend: "fake", Op: "generate", Err: assertErr("connection refused")}}
	runner := NewTaskRunner(provider, nil, 0, nil)

	result := runner.Run(context.Background(), triageTicket(), types.TaskTriage, TaskInput{})
	assert.Contains(t, result.ParseError, MarkerTransportFailure)
	assert.Contains(t, result.ParseError, "connection refused")
}

func TestRunMissingTemplateVariable(t *testing.T) {
	provider := &fakeProvider{text: `{"approved": true}`}
	runner := NewTaskRunner(provider, nil, 0, nil)

	// field-validate without a field spec cannot render.
	result := runner.Run(context.Background(), triageTicket(), types.TaskFieldValidate, TaskInput{})
	assert.Contains(t, result.ParseError, "field.name")
	assert.Zero(t, provider.calls)
}

func TestBuildRecentContext(t *testing.T) {
	target := triageTicket()
	batch := []types.Ticket{
		*target,
		{Key: "OPS-2", Summary: "VPN drops for another user every hour"},
		{Key: "OPS-3", Summary: "printer out of toner"},
	}

	ctx := BuildRecentContext(target, batch, 5)
	assert.Contains(t, ctx, "OPS-2")
	assert.NotContains(t, ctx, "OPS-3")

	// Nothing similar: empty context, not a header with no entries.
	lonely := &types.Ticket{Key: "OPS-9", Summary: "quantum flux capacitor"}
	assert.Empty(t, BuildRecentContext(lonely, batch, 5))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestValidateTemplates(t *testing.T) {
	runner := NewTaskRunner(&fakeProvider{}, nil, 0, nil)
	assert.NoError(t, runner.ValidateTemplates(types.TaskTriage, types.TaskFieldValidate))

	bare := NewTaskRunner(&fakeProvider{}, NewTemplateStore(), 0, nil)
	err := bare.ValidateTemplates(types.TaskTriage)
	var tmplErr *TemplateError
	require.ErrorAs(t, err, &tmplErr)
	assert.Equal(t, string(types.TaskTriage), tmplErr.TemplateID)
}
