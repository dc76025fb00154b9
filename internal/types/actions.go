package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ActionKind identifies the tracker mutation an ActionRequest performs.
type ActionKind string

const (
	ActionAddComment  ActionKind = "add_comment"
	ActionAddLabel    ActionKind = "add_label"
	ActionTransition  ActionKind = "transition"
	ActionCreateField ActionKind = "create_field"
)

// IsValid checks if the action kind value is valid.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionAddComment, ActionAddLabel, ActionTransition, ActionCreateField:
		return true
	}
	return false
}

// FieldSpec describes a custom field to create for create_field actions.
type FieldSpec struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// ActionPayload carries the kind-specific content of an action. Only the
// fields relevant to the request's kind are set.
type ActionPayload struct {
	CommentBody string     `json:"comment_body,omitempty"`
	Label       string     `json:"label,omitempty"`
	Transition  string     `json:"transition,omitempty"`
	Field       *FieldSpec `json:"field,omitempty"`
}

// ActionRequest is a single intended tracker mutation. Requests are value
// objects: building one never touches the tracker.
type ActionRequest struct {
	Kind           ActionKind    `json:"kind"`
	TicketKey      string        `json:"ticket_key"`
	Payload        ActionPayload `json:"payload"`
	DryRun         bool          `json:"dry_run"`
	IdempotencyKey string        `json:"idempotency_key"`

	// Source records which subsystem proposed the action ("rule:<id>" or
	// "llm:<kind>"). Used by the orchestrator's precedence policy.
	Source string `json:"source,omitempty"`
}

// NewActionRequest builds a request and derives its idempotency key from
// (kind, ticket, content hash of payload).
func NewActionRequest(kind ActionKind, ticketKey string, payload ActionPayload, source string) ActionRequest {
	return ActionRequest{
		Kind:           kind,
		TicketKey:      ticketKey,
		Payload:        payload,
		Source:         source,
		IdempotencyKey: deriveIdempotencyKey(kind, ticketKey, payload),
	}
}

// Validate checks that the request is dispatchable.
func (a *ActionRequest) Validate() error {
	if !a.Kind.IsValid() {
		return fmt.Errorf("invalid action kind: %s", a.Kind)
	}
	if a.Kind != ActionCreateField && a.TicketKey == "" {
		return fmt.Errorf("%s action requires a ticket key", a.Kind)
	}
	switch a.Kind {
	case ActionAddComment:
		if strings.TrimSpace(a.Payload.CommentBody) == "" {
			return fmt.Errorf("add_comment requires a non-empty body")
		}
	case ActionAddLabel:
		if strings.TrimSpace(a.Payload.Label) == "" {
			return fmt.Errorf("add_label requires a label")
		}
	case ActionTransition:
		if strings.TrimSpace(a.Payload.Transition) == "" {
			return fmt.Errorf("transition requires a target state")
		}
	case ActionCreateField:
		if a.Payload.Field == nil || strings.TrimSpace(a.Payload.Field.Name) == "" {
			return fmt.Errorf("create_field requires a field name")
		}
	}
	return nil
}

// deriveIdempotencyKey hashes the logical content of an action so the same
// intent always maps to the same key within a run. The payload is
// canonicalized (sorted keys via encoding/json struct order, trimmed
// strings) before hashing.
func deriveIdempotencyKey(kind ActionKind, ticketKey string, payload ActionPayload) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(ticketKey))
	h.Write([]byte{0})

	canon := payload
	canon.CommentBody = strings.TrimSpace(canon.CommentBody)
	canon.Label = strings.TrimSpace(canon.Label)
	canon.Transition = strings.TrimSpace(canon.Transition)
	if canon.Field != nil {
		f := *canon.Field
		f.Name = strings.TrimSpace(f.Name)
		opts := append([]string(nil), f.Options...)
		sort.Strings(opts)
		f.Options = opts
		canon.Field = &f
	}
	data, err := json.Marshal(canon)
	if err != nil {
		// Marshal of ActionPayload cannot fail; fall back to a stable string.
		data = []byte(fmt.Sprintf("%v", canon))
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ActionOutcome classifies what the dispatcher did with a request.
type ActionOutcome string

const (
	OutcomeApplied    ActionOutcome = "applied"
	OutcomeWouldApply ActionOutcome = "would_apply"
	OutcomeNoop       ActionOutcome = "noop"
	OutcomeFailed     ActionOutcome = "failed"
)

// IsValid checks if the outcome value is valid.
func (o ActionOutcome) IsValid() bool {
	switch o {
	case OutcomeApplied, OutcomeWouldApply, OutcomeNoop, OutcomeFailed:
		return true
	}
	return false
}

// AppliedAction records the dispatcher's handling of one ActionRequest.
type AppliedAction struct {
	Request   ActionRequest `json:"request"`
	Outcome   ActionOutcome `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Permanent bool          `json:"permanent,omitempty"` // failure class, set when Outcome is failed
	At        time.Time     `json:"at"`
}
