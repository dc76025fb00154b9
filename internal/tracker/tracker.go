// Package tracker is the boundary to the issue tracker. The dispatcher and
// orchestrator only see the Client interface plus the transient/permanent
// error classification; the Jira REST implementation lives behind it.
package tracker

import (
	"context"

	"github.com/jirabot/jirabot/internal/types"
)

// Query selects tickets for a sweep.
type Query struct {
	// JQL is the raw tracker query, e.g. `updated < -30d AND statusCategory != Done`.
	JQL string

	// MaxResults bounds the total tickets fetched across pages. Zero means
	// the default cap.
	MaxResults int
}

// Client is the tracker collaborator contract consumed by the core.
// Implementations must classify failures as *TransientError (timeouts,
// 5xx, rate limits) or *PermanentError (validation, conflicts) so the
// dispatcher can decide what to retry.
type Client interface {
	// SearchTickets fetches the tickets matching the query, paginating as
	// needed, and returns them normalized.
	SearchTickets(ctx context.Context, q Query) ([]types.Ticket, error)

	// AllFields returns every field descriptor the tracker knows. Used by
	// the dispatcher's create_field duplicate pre-check.
	AllFields(ctx context.Context) ([]types.FieldDescriptor, error)

	// Apply executes one mutation. It must never be called for dry-run
	// requests; the dispatcher enforces that upstream.
	Apply(ctx context.Context, req types.ActionRequest) error
}
