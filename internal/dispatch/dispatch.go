// Package dispatch executes ActionRequests against the tracker. It owns
// the safety rails around mutations: the dry-run guard, in-run idempotency,
// duplicate suppression against observed ticket state, retry with backoff
// for transient tracker failures, a circuit breaker, and write pacing.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jirabot/jirabot/internal/tracker"
	"github.com/jirabot/jirabot/internal/types"
)

// Config holds retry and pacing configuration for tracker writes.
type Config struct {
	MaxRetries        int           // Maximum number of retries (default: 3)
	InitialBackoff    time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 30s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)

	// Circuit breaker settings
	CircuitBreakerEnabled bool          // Enable circuit breaker (default: true)
	FailureThreshold      int           // Failures before opening circuit (default: 5)
	SuccessThreshold      int           // Successes in half-open before closing (default: 2)
	OpenTimeout           time.Duration // How long to keep circuit open (default: 30s)

	// Write pacing. Zero disables the limiter.
	WritesPerSecond float64
	WriteBurst      int
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:            3,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            30 * time.Second,
		BackoffMultiplier:     2.0,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		WritesPerSecond:       5,
		WriteBurst:            5,
	}
}

// Dispatcher applies action requests. Safe for concurrent use; the
// idempotency set and circuit breaker are shared across goroutines so a
// run-wide sweep sees consistent dedup.
type Dispatcher struct {
	client  tracker.Client
	cfg     Config
	breaker *CircuitBreaker
	limiter *rate.Limiter
	log     *slog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// New builds a dispatcher around the tracker client.
func New(client tracker.Client, cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		client: client,
		cfg:    cfg,
		log:    log,
		seen:   make(map[string]bool),
	}
	if cfg.CircuitBreakerEnabled {
		d.breaker = NewCircuitBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout, log)
	}
	if cfg.WritesPerSecond > 0 {
		burst := cfg.WriteBurst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), burst)
	}
	return d
}

// Apply handles one request end to end and always returns a record; it
// never returns an error. Failures land on the record with their
// transient/permanent class.
//
// ticket is the observed state of the target ticket when the caller has
// it; nil skips state-based duplicate suppression.
func (d *Dispatcher) Apply(ctx context.Context, req types.ActionRequest, ticket *types.Ticket) types.AppliedAction {
	if err := req.Validate(); err != nil {
		return d.record(req, types.OutcomeFailed, err, true)
	}

	// In-run idempotency: the first holder of a key proceeds, every
	// duplicate is a noop. Failed requests release the key so a later
	// identical request may try again.
	if !d.reserve(req.IdempotencyKey) {
		d.log.Debug("duplicate action suppressed", "key", req.IdempotencyKey, "ticket", req.TicketKey)
		return d.record(req, types.OutcomeNoop, nil, false)
	}

	if req.DryRun {
		d.log.Info("dry-run: would apply action",
			"kind", req.Kind, "ticket", req.TicketKey, "source", req.Source)
		return d.record(req, types.OutcomeWouldApply, nil, false)
	}

	if outcome, done := d.suppressByState(ctx, req, ticket); done {
		return outcome
	}

	if d.breaker != nil {
		if err := d.breaker.Allow(); err != nil {
			d.release(req.IdempotencyKey)
			return d.record(req, types.OutcomeFailed, err, false)
		}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.release(req.IdempotencyKey)
			return d.record(req, types.OutcomeFailed, err, false)
		}
	}

	if err := d.applyWithRetry(ctx, req); err != nil {
		d.release(req.IdempotencyKey)
		return d.record(req, types.OutcomeFailed, err, tracker.IsPermanent(err))
	}
	d.log.Info("action applied", "kind", req.Kind, "ticket", req.TicketKey, "source", req.Source)
	return d.record(req, types.OutcomeApplied, nil, false)
}

// suppressByState turns a request into a noop when the tracker already
// reflects its intent: the label is present, or a field with the same
// name exists.
func (d *Dispatcher) suppressByState(ctx context.Context, req types.ActionRequest, ticket *types.Ticket) (types.AppliedAction, bool) {
	switch req.Kind {
	case types.ActionAddLabel:
		if ticket != nil && ticket.HasLabel(req.Payload.Label) {
			d.log.Debug("label already present", "ticket", req.TicketKey, "label", req.Payload.Label)
			return d.record(req, types.OutcomeNoop, nil, false), true
		}

	case types.ActionCreateField:
		fields, err := d.client.AllFields(ctx)
		if err != nil {
			d.release(req.IdempotencyKey)
			return d.record(req, types.OutcomeFailed,
				fmt.Errorf("field pre-check: %w", err), tracker.IsPermanent(err)), true
		}
		want := foldFieldName(req.Payload.Field.Name)
		for _, f := range fields {
			if foldFieldName(f.Name) == want {
				d.log.Info("field already exists, skipping create",
					"field", req.Payload.Field.Name, "existing_id", f.ID)
				return d.record(req, types.OutcomeNoop, nil, false), true
			}
		}
	}
	return types.AppliedAction{}, false
}

// applyWithRetry executes the mutation with exponential backoff. Only
// transient tracker errors are retried; permanent failures return
// immediately and do not count against the circuit breaker.
func (d *Dispatcher) applyWithRetry(ctx context.Context, req types.ActionRequest) error {
	var lastErr error
	backoff := d.cfg.InitialBackoff

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		err := d.client.Apply(ctx, req)
		if err == nil {
			if d.breaker != nil {
				d.breaker.RecordSuccess()
			}
			if attempt > 0 {
				d.log.Info("action succeeded after retries",
					"kind", req.Kind, "ticket", req.TicketKey, "attempts", attempt+1)
			}
			return nil
		}
		lastErr = err

		if !tracker.IsTransient(err) {
			return err
		}
		if d.breaker != nil {
			d.breaker.RecordFailure()
		}
		if attempt == d.cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return lastErr
		}

		d.log.Warn("transient tracker failure, retrying",
			"kind", req.Kind, "ticket", req.TicketKey,
			"attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * d.cfg.BackoffMultiplier)
			if backoff > d.cfg.MaxBackoff {
				backoff = d.cfg.MaxBackoff
			}
		case <-ctx.Done():
			return lastErr
		}
	}
	return fmt.Errorf("after %d attempts: %w", d.cfg.MaxRetries+1, lastErr)
}

func (d *Dispatcher) reserve(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

func (d *Dispatcher) record(req types.ActionRequest, outcome types.ActionOutcome, err error, permanent bool) types.AppliedAction {
	rec := types.AppliedAction{
		Request: req,
		Outcome: outcome,
		At:      time.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
		rec.Permanent = permanent
	}
	return rec
}

// foldFieldName normalizes a field name for duplicate comparison:
// case-insensitive with interior whitespace collapsed.
func foldFieldName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
