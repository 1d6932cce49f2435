// Package ingest streams archives into tenant storage one entry at a time.
package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/odyssey-erp/assetgate/internal/assets"
	"github.com/odyssey-erp/assetgate/internal/audit"
	"github.com/odyssey-erp/assetgate/internal/authz"
	"github.com/odyssey-erp/assetgate/internal/ingest/archive"
	"github.com/odyssey-erp/assetgate/internal/objectstore"
	"github.com/odyssey-erp/assetgate/internal/shared"
	"github.com/odyssey-erp/assetgate/internal/validation"
)

// Authorizer is the slice of the authorization engine ingestion needs.
// Authorize audits; EvaluatePath does not.
type Authorizer interface {
	Authorize(ctx context.Context, p authz.Principal, action authz.Action, rawPath string) (authz.Decision, error)
	EvaluatePath(ctx context.Context, p authz.Principal, action authz.Action, sp authz.StoragePath) (authz.Decision, error)
}

// FileValidator applies the upload policy to one file.
type FileValidator interface {
	Validate(name string, declaredSize int64, sniffedType string) error
	MaxSize() int64
}

// MetadataStore persists asset records.
type MetadataStore interface {
	CreateAssetRecord(ctx context.Context, rec assets.Record) (string, error)
}

// AuditRecorder records ingestion events.
type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// Observer receives per-entry outcomes for metrics.
type Observer interface {
	ObserveIngestEntry(state string)
	ObserveIngestBytes(n int64)
}

// Engine runs archive ingestion.
type Engine struct {
	authz     Authorizer
	store     objectstore.Writer
	metadata  MetadataStore
	validator FileValidator
	recorder  AuditRecorder
	logger    *slog.Logger
	observer  Observer
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine constructs an Engine.
func NewEngine(az Authorizer, store objectstore.Writer, metadata MetadataStore, validator FileValidator, recorder AuditRecorder, opts ...Option) *Engine {
	e := &Engine{
		authz:     az,
		store:     store,
		metadata:  metadata,
		validator: validator,
		recorder:  recorder,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IngestArchive authorizes p to write under prefix and then walks stream,
// writing every acceptable entry below it. Per-entry failures are reported in
// the summary rather than as errors. Entries already written stay written.
func (e *Engine) IngestArchive(ctx context.Context, p authz.Principal, prefix string, stream io.Reader) (Summary, error) {
	var summary Summary
	// Audit writes outlive cancellation of the request.
	auditCtx := context.WithoutCancel(ctx)

	decision, err := e.authz.Authorize(ctx, p, authz.ActionWrite, prefix)
	if err != nil {
		return summary, err
	}
	if !decision.Allow {
		kind := shared.ErrPermissionDenied
		if decision.Reason == shared.ReasonInvalidPath {
			kind = shared.ErrInvalidPath
		}
		return summary, shared.NewReasonError(kind, decision.Reason, fmt.Errorf("ingest into %q", prefix))
	}
	dest, err := authz.ParsePath(decision.Path)
	if err != nil {
		return summary, err
	}
	run := &run{engine: e, principal: p, dest: dest, auditCtx: auditCtx}

	if err := run.record(audit.ActionIngestStart, dest.String(), audit.DecisionAllow, decision.Reason, nil); err != nil {
		return summary, err
	}

	reader, err := archive.Open(stream)
	if err != nil {
		reason := shared.ReasonUnsupportedFormat
		if errors.Is(err, archive.ErrCorrupt) {
			reason = shared.ReasonArchiveCorrupt
		}
		verr := shared.NewReasonError(shared.ErrValidationFailed, reason, err)
		if aerr := run.complete(&summary, reason); aerr != nil {
			return summary, errors.Join(verr, aerr)
		}
		return summary, verr
	}
	defer reader.Close()
	summary.Format = string(reader.Format())

	for {
		if ctx.Err() != nil {
			summary.Incomplete = shared.ReasonCancelled
			break
		}
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				summary.Incomplete = shared.ReasonCancelled
			} else {
				e.logger.Warn("ingest archive corrupt", slog.String("prefix", dest.String()), slog.Any("error", err))
				summary.Incomplete = shared.ReasonArchiveCorrupt
			}
			break
		}

		result := run.process(ctx, entry)
		summary.add(result)
		if e.observer != nil {
			e.observer.ObserveIngestEntry(string(result.State))
			if result.State == StateWritten {
				e.observer.ObserveIngestBytes(result.Size)
			}
		}
		if result.audited() {
			meta := map[string]any{"entry": result.Name, "state": string(result.State)}
			if err := run.record(audit.ActionIngestEntry, result.resource(dest), audit.DecisionDeny, result.Reason, meta); err != nil {
				return summary, err
			}
		}
		if result.Reason == shared.ReasonCancelled {
			summary.Incomplete = shared.ReasonCancelled
			break
		}
	}

	if err := run.complete(&summary, summary.Incomplete); err != nil {
		return summary, err
	}
	return summary, nil
}

// run holds per-request state for one ingestion.
type run struct {
	engine    *Engine
	principal authz.Principal
	dest      authz.StoragePath
	auditCtx  context.Context
}

func (r *run) record(action, resource string, decision audit.Decision, reason string, meta map[string]any) error {
	return r.engine.recorder.Record(r.auditCtx, audit.Event{
		PrincipalID:  r.principal.ID,
		Role:         string(r.principal.Role),
		Action:       action,
		ResourcePath: resource,
		Decision:     decision,
		Reason:       reason,
		Meta:         meta,
	})
}

func (r *run) complete(summary *Summary, incomplete string) error {
	decision := audit.DecisionAllow
	if incomplete != "" {
		decision = audit.DecisionDeny
	}
	return r.record(audit.ActionIngestComplete, r.dest.String(), decision, incomplete, map[string]any{
		"succeeded": len(summary.Succeeded),
		"skipped":   len(summary.Skipped),
		"failed":    len(summary.Failed),
		"format":    summary.Format,
	})
}

func (r *run) process(ctx context.Context, entry *archive.Entry) EntryResult {
	res := EntryResult{Name: entry.Name, Size: entry.Size}

	if IsNoise(entry.Name) {
		return res.finish(StateFiltered, shared.ReasonNoiseEntry)
	}
	if entry.Kind != archive.KindFile {
		return res.finish(StateRejected, shared.ReasonUnsupportedEntry)
	}
	segments, err := authz.CleanRelative(entry.Name)
	if err != nil {
		return res.finish(StateRejected, shared.ReasonInvalidPath)
	}
	target := r.dest.Join(segments...)
	res.Path = target.String()

	decision, err := r.engine.authz.EvaluatePath(ctx, r.principal, authz.ActionWrite, target)
	if err != nil || !decision.Allow {
		return res.finish(StateAuthDenied, shared.ReasonPermissionDenied)
	}

	limit := r.engine.validator.MaxSize()
	if entry.Size > limit {
		return res.finish(StateValidationFailed, shared.ReasonFileTooLarge)
	}
	sniffed, content, err := validation.Sniff(entry.Content)
	if err != nil {
		return res.finish(StateWriteFailed, readFailureReason(ctx))
	}
	if sniffed == "" && entry.Size > 0 {
		return res.finish(StateValidationFailed, shared.ReasonSizeMismatch)
	}
	declared := entry.Size
	if sniffed == "" {
		declared = 0
	}
	if err := r.engine.validator.Validate(entry.Name, declared, sniffed); err != nil {
		return res.finish(StateValidationFailed, reasonOr(err, shared.ReasonInvalidFileType))
	}
	res.ContentType = sniffed

	hasher := blake3.New()
	body := &entryReader{ctx: ctx, r: io.TeeReader(content, hasher), limit: limit, declared: entry.Size}
	etag, err := r.engine.store.PutStream(ctx, target.Key(), sniffed, body)
	if err == nil && body.failure != nil {
		err = body.failure
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return res.finish(StateWriteFailed, shared.ReasonCancelled)
		case body.failure != nil:
			reason := shared.ReasonOf(body.failure)
			if reason == shared.ReasonCorruptEntry {
				return res.finish(StateWriteFailed, reason)
			}
			return res.finish(StateValidationFailed, reason)
		}
		r.engine.logger.Error("ingest put", slog.String("path", res.Path), slog.Any("error", err))
		return res.finish(StateWriteFailed, reasonOr(err, shared.ReasonStorageWrite))
	}
	res.Size = body.n
	res.Checksum = hex.EncodeToString(hasher.Sum(nil))

	assetID, err := r.engine.metadata.CreateAssetRecord(ctx, assets.Record{
		Path:      res.Path,
		OwnerType: target.OwnerType,
		OwnerID:   target.OwnerID,
		Size:      res.Size,
		MimeType:  sniffed,
		Checksum:  res.Checksum,
		ETag:      etag,
	})
	if err != nil {
		if ctx.Err() != nil {
			return res.finish(StateWriteFailed, shared.ReasonCancelled)
		}
		r.engine.logger.Error("ingest metadata", slog.String("path", res.Path), slog.Any("error", err))
		return res.finish(StateWriteFailed, shared.ReasonMetadataWrite)
	}
	res.AssetID = assetID
	return res.finish(StateWritten, "")
}

func readFailureReason(ctx context.Context) string {
	if ctx.Err() != nil {
		return shared.ReasonCancelled
	}
	return shared.ReasonCorruptEntry
}

func reasonOr(err error, fallback string) string {
	if reason := shared.ReasonOf(err); reason != "" {
		return reason
	}
	return fallback
}

// entryReader enforces the size policy on the bytes actually streamed and
// tags every failure it raises with objectstore.ErrSourceRead.
type entryReader struct {
	ctx      context.Context
	r        io.Reader
	limit    int64
	declared int64
	n        int64
	failure  error
}

func (b *entryReader) Read(p []byte) (int, error) {
	if b.failure != nil {
		return 0, b.failure
	}
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := b.r.Read(p)
	b.n += int64(n)
	switch {
	case b.n > b.limit:
		return n, b.fail(shared.ReasonFileTooLarge, fmt.Errorf("streamed more than %d bytes", b.limit))
	case b.declared >= 0 && b.n > b.declared:
		return n, b.fail(shared.ReasonSizeMismatch, fmt.Errorf("streamed more than declared %d bytes", b.declared))
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if b.declared >= 0 && b.n != b.declared {
			return n, b.fail(shared.ReasonSizeMismatch, fmt.Errorf("streamed %d bytes, declared %d", b.n, b.declared))
		}
		return n, io.EOF
	}
	if b.ctx.Err() != nil {
		return n, err
	}
	return n, b.fail(shared.ReasonCorruptEntry, err)
}

func (b *entryReader) fail(reason string, cause error) error {
	b.failure = shared.NewReasonError(objectstore.ErrSourceRead, reason, cause)
	return b.failure
}
