// Package signer issues time-limited URLs, the only way bytes move between
// clients and the object store.
package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/odyssey-erp/assetgate/internal/assets"
	"github.com/odyssey-erp/assetgate/internal/audit"
	"github.com/odyssey-erp/assetgate/internal/authz"
	"github.com/odyssey-erp/assetgate/internal/objectstore"
	"github.com/odyssey-erp/assetgate/internal/shared"
)

// TTL presets for the two request classes.
const (
	ShortTTL = 5 * time.Minute
	LongTTL  = 2 * time.Hour
)

// Policy bounds URL lifetimes per operation.
type Policy struct {
	UploadMax   time.Duration
	DownloadMax time.Duration
}

// DefaultPolicy is used when no ceilings are configured.
var DefaultPolicy = Policy{UploadMax: 15 * time.Minute, DownloadMax: 4 * time.Hour}

// Ceiling returns the maximum lifetime allowed for op.
func (p Policy) Ceiling(op objectstore.Operation) time.Duration {
	if op == objectstore.OpPut {
		return p.UploadMax
	}
	return p.DownloadMax
}

// Preset returns the default lifetime for op, capped by the policy ceiling.
func (p Policy) Preset(op objectstore.Operation) time.Duration {
	ttl := LongTTL
	if op == objectstore.OpPut {
		ttl = ShortTTL
	}
	if ceiling := p.Ceiling(op); ceiling > 0 && ttl > ceiling {
		ttl = ceiling
	}
	return ttl
}

// Authorizer decides and audits access.
type Authorizer interface {
	Authorize(ctx context.Context, p authz.Principal, action authz.Action, rawPath string) (authz.Decision, error)
}

// AuditRecorder records issuance events.
type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// AssetResolver looks up asset metadata by id.
type AssetResolver interface {
	GetAsset(ctx context.Context, id string) (assets.Asset, error)
}

// IssueObserver counts issued URLs.
type IssueObserver interface {
	ObserveURLIssued(operation string)
}

// SignedURL is the result handed back to clients. It is never persisted.
type SignedURL struct {
	URL       string
	Method    string
	Path      string
	Operation objectstore.Operation
	ExpiresAt time.Time
}

// Issuer mints signed URLs after authorization.
type Issuer struct {
	authorizer Authorizer
	signer     objectstore.URLSigner
	recorder   AuditRecorder
	assets     AssetResolver
	policy     Policy
	clock      clock.Clock
	logger     *slog.Logger
	observer   IssueObserver
}

// Option customises an Issuer.
type Option func(*Issuer)

// WithPolicy overrides the TTL ceilings.
func WithPolicy(p Policy) Option {
	return func(i *Issuer) { i.policy = p }
}

// WithClock overrides the clock.
func WithClock(c clock.Clock) Option {
	return func(i *Issuer) { i.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Issuer) { i.logger = l }
}

// WithAssets enables IssueAssetURL.
func WithAssets(r AssetResolver) Option {
	return func(i *Issuer) { i.assets = r }
}

// WithObserver attaches a metrics observer.
func WithObserver(o IssueObserver) Option {
	return func(i *Issuer) { i.observer = o }
}

// NewIssuer constructs an Issuer.
func NewIssuer(authorizer Authorizer, signer objectstore.URLSigner, recorder AuditRecorder, opts ...Option) *Issuer {
	i := &Issuer{
		authorizer: authorizer,
		signer:     signer,
		recorder:   recorder,
		policy:     DefaultPolicy,
		clock:      clock.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Policy returns the active TTL policy.
func (i *Issuer) Policy() Policy {
	return i.policy
}

// IssueURL authorizes op on rawPath for p and returns a URL valid for ttl.
// The TTL is checked before anything else so an out-of-range request never
// reaches authorization or the signer.
func (i *Issuer) IssueURL(ctx context.Context, p authz.Principal, op objectstore.Operation, rawPath string, ttl time.Duration) (SignedURL, error) {
	action, err := actionFor(op)
	if err != nil {
		return SignedURL{}, err
	}
	if ceiling := i.policy.Ceiling(op); ttl <= 0 || ttl > ceiling {
		cause := fmt.Errorf("ttl %s outside (0, %s]", ttl, ceiling)
		return SignedURL{}, i.fail(ctx, p, op, rawPath, ttl, shared.NewReasonError(shared.ErrInvalidTTL, shared.ReasonInvalidTTL, cause))
	}

	decision, err := i.authorizer.Authorize(ctx, p, action, rawPath)
	if err != nil {
		if errors.Is(err, shared.ErrAuditWriteFailed) {
			return SignedURL{}, err
		}
		return SignedURL{}, i.fail(ctx, p, op, rawPath, ttl, shared.NewReasonError(shared.ErrPermissionDenied, decision.Reason, err))
	}
	if !decision.Allow {
		kind := shared.ErrPermissionDenied
		if decision.Reason == shared.ReasonInvalidPath {
			kind = shared.ErrInvalidPath
		}
		return SignedURL{}, i.fail(ctx, p, op, rawPath, ttl, shared.NewReasonError(kind, decision.Reason, nil))
	}

	sp, err := authz.ParsePath(decision.Path)
	if err != nil {
		return SignedURL{}, i.fail(ctx, p, op, rawPath, ttl, err)
	}
	if !sp.IsObject() {
		cause := errors.New("path names an owner root, not an object")
		return SignedURL{}, i.fail(ctx, p, op, sp.String(), ttl, shared.NewReasonError(shared.ErrInvalidPath, shared.ReasonInvalidPath, cause))
	}

	expiresAt := i.clock.Now().Add(ttl).UTC().Truncate(time.Second)
	raw, err := i.signer.SignURL(ctx, sp.Key(), op, expiresAt)
	if err != nil {
		i.logger.Error("sign url", slog.String("path", sp.String()), slog.Any("error", err))
		return SignedURL{}, i.fail(ctx, p, op, sp.String(), ttl, shared.NewReasonError(shared.ErrStorageWriteFailed, shared.ReasonSigningFailed, err))
	}

	event := i.event(p, op, sp.String(), ttl)
	event.Decision = audit.DecisionAllow
	event.Reason = decision.Reason
	event.Meta["expires_at"] = expiresAt.Format(time.RFC3339)
	if err := i.recorder.Record(ctx, event); err != nil {
		return SignedURL{}, err
	}
	if i.observer != nil {
		i.observer.ObserveURLIssued(string(op))
	}
	return SignedURL{URL: raw, Method: op.Method(), Path: sp.String(), Operation: op, ExpiresAt: expiresAt}, nil
}

// IssueAssetURL resolves assetID to its storage path and issues a URL for it.
func (i *Issuer) IssueAssetURL(ctx context.Context, p authz.Principal, op objectstore.Operation, assetID string, ttl time.Duration) (SignedURL, error) {
	if i.assets == nil {
		return SignedURL{}, errors.New("signer: asset resolver not configured")
	}
	asset, err := i.assets.GetAsset(ctx, assetID)
	if err != nil {
		return SignedURL{}, fmt.Errorf("signer: resolve asset %s: %w", assetID, err)
	}
	return i.IssueURL(ctx, p, op, asset.Path, ttl)
}

// fail records the refused issuance and returns cause, or the audit error
// when the refusal itself cannot be recorded.
func (i *Issuer) fail(ctx context.Context, p authz.Principal, op objectstore.Operation, path string, ttl time.Duration, cause error) error {
	event := i.event(p, op, path, ttl)
	event.Decision = audit.DecisionDeny
	event.Reason = shared.ReasonOf(cause)
	if err := i.recorder.Record(ctx, event); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (i *Issuer) event(p authz.Principal, op objectstore.Operation, path string, ttl time.Duration) audit.Event {
	return audit.Event{
		PrincipalID:  p.ID,
		Role:         string(p.Role),
		Action:       audit.ActionIssueURL,
		ResourcePath: path,
		Meta: map[string]any{
			"operation":   string(op),
			"ttl_seconds": int64(ttl / time.Second),
		},
	}
}

func actionFor(op objectstore.Operation) (authz.Action, error) {
	switch op {
	case objectstore.OpGet:
		return authz.ActionRead, nil
	case objectstore.OpPut:
		return authz.ActionWrite, nil
	}
	return "", shared.NewReasonError(shared.ErrValidationFailed, shared.ReasonInvalidOperation, fmt.Errorf("operation %q", op))
}
