package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/odyssey-erp/assetgate/internal/audit"
	"github.com/odyssey-erp/assetgate/internal/shared"
)

// GrantFinder looks up a grant covering path for granteeID. A nil grant
// with a nil error means none exists.
type GrantFinder interface {
	FindGrant(ctx context.Context, path, granteeID string) (*Grant, error)
}

// AuditRecorder records decisions synchronously.
type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// DecisionObserver receives every decision for metrics.
type DecisionObserver interface {
	ObserveDecision(action string, allow bool, reason string)
}

// Engine evaluates (principal, action, path) triples.
type Engine struct {
	grants   GrantFinder
	recorder AuditRecorder
	clock    clock.Clock
	logger   *slog.Logger
	observer DecisionObserver
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for grant expiry.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver attaches a decision observer.
func WithObserver(o DecisionObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine constructs an Engine.
func NewEngine(grants GrantFinder, recorder AuditRecorder, opts ...Option) *Engine {
	e := &Engine{grants: grants, recorder: recorder, clock: clock.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize decides and records the decision before returning it. If the
// decision cannot be recorded the returned decision is a deny and the error
// wraps shared.ErrAuditWriteFailed.
func (e *Engine) Authorize(ctx context.Context, p Principal, action Action, rawPath string) (Decision, error) {
	decision, evalErr := e.Evaluate(ctx, p, action, rawPath)
	resource := decision.Path
	if resource == "" {
		resource = rawPath
	}
	event := audit.Event{
		PrincipalID:  p.ID,
		Role:         string(p.Role),
		Action:       auditAction(action),
		ResourcePath: resource,
		Decision:     audit.DecisionFor(decision.Allow),
		Reason:       decision.Reason,
	}
	if err := e.recorder.Record(ctx, event); err != nil {
		return Decision{Allow: false, Reason: shared.ReasonAuditWrite, Path: decision.Path}, err
	}
	if evalErr != nil {
		return decision, evalErr
	}
	return decision, nil
}

// Evaluate decides without recording. The only error it returns is a grant
// lookup failure, which comes with a deny decision.
func (e *Engine) Evaluate(ctx context.Context, p Principal, action Action, rawPath string) (Decision, error) {
	sp, err := ParsePath(rawPath)
	if err != nil {
		e.observe(action, false, shared.ReasonInvalidPath)
		return Decision{Allow: false, Reason: shared.ReasonInvalidPath}, nil
	}
	return e.EvaluatePath(ctx, p, action, sp)
}

// EvaluatePath decides for an already validated path.
func (e *Engine) EvaluatePath(ctx context.Context, p Principal, action Action, sp StoragePath) (Decision, error) {
	decision, err := e.decide(ctx, p, action, sp)
	decision.Path = sp.String()
	e.observe(action, decision.Allow, decision.Reason)
	return decision, err
}

func (e *Engine) decide(ctx context.Context, p Principal, action Action, sp StoragePath) (Decision, error) {
	if p.Role.Bypass() {
		return Decision{Allow: true, Reason: shared.ReasonRoleBypass}, nil
	}
	owns := Owns(p, sp)
	switch action {
	case ActionWrite:
		if owns {
			return Decision{Allow: true, Reason: shared.ReasonOwner}, nil
		}
		return Decision{Allow: false, Reason: shared.ReasonNotOwner}, nil
	case ActionRead:
		if owns {
			return Decision{Allow: true, Reason: shared.ReasonOwner}, nil
		}
		if p.ID == "" || e.grants == nil {
			return Decision{Allow: false, Reason: shared.ReasonNoGrant}, nil
		}
		path := sp.String()
		grant, err := e.grants.FindGrant(ctx, path, p.ID)
		if err != nil {
			e.logger.Error("authz grant lookup", slog.String("path", path), slog.Any("error", err))
			return Decision{Allow: false, Reason: shared.ReasonGrantLookupFailed},
				fmt.Errorf("authz: find grant: %w", err)
		}
		if grant != nil && grant.GranteeID == p.ID && grant.ActiveAt(e.clock.Now()) && grantCovers(grant, path) {
			return Decision{Allow: true, Reason: shared.ReasonGrant}, nil
		}
		return Decision{Allow: false, Reason: shared.ReasonNoGrant}, nil
	}
	return Decision{Allow: false, Reason: shared.ReasonNotOwner}, nil
}

// Owns reports whether p owns the storage area sp lives in. Comparison is
// exact and case-sensitive on the identifier.
func Owns(p Principal, sp StoragePath) bool {
	ownerType, ok := p.Role.OwnerType()
	if !ok || p.ID == "" {
		return false
	}
	return sp.OwnerType == ownerType && sp.OwnerID == p.ID
}

// grantCovers guards against stores returning a grant for an unrelated
// path. Asset-id grants are resolved by the store and carry the asset path as Ref.
func grantCovers(g *Grant, path string) bool {
	if g.Ref == "" {
		return g.AssetID != ""
	}
	return Covers(g.Ref, path)
}

func (e *Engine) observe(action Action, allow bool, reason string) {
	if e.observer != nil {
		e.observer.ObserveDecision(string(action), allow, reason)
	}
}

func auditAction(action Action) string {
	if action == ActionWrite {
		return audit.ActionAuthorizeWrite
	}
	return audit.ActionAuthorizeRead
}
