// Package gateway exposes the authorization, signed-URL and ingestion
// operations over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/odyssey-erp/assetgate/internal/authz"
	"github.com/odyssey-erp/assetgate/internal/ingest"
	"github.com/odyssey-erp/assetgate/internal/objectstore"
	"github.com/odyssey-erp/assetgate/internal/platform/httpx"
	"github.com/odyssey-erp/assetgate/internal/shared"
	"github.com/odyssey-erp/assetgate/internal/signer"
	"github.com/odyssey-erp/assetgate/jobs"
)

// Authorizer decides and audits access.
type Authorizer interface {
	Authorize(ctx context.Context, p authz.Principal, action authz.Action, rawPath string) (authz.Decision, error)
}

// URLIssuer mints signed URLs.
type URLIssuer interface {
	IssueURL(ctx context.Context, p authz.Principal, op objectstore.Operation, rawPath string, ttl time.Duration) (signer.SignedURL, error)
	IssueAssetURL(ctx context.Context, p authz.Principal, op objectstore.Operation, assetID string, ttl time.Duration) (signer.SignedURL, error)
	Policy() signer.Policy
}

// Ingestor runs archive ingestion.
type Ingestor interface {
	IngestArchive(ctx context.Context, p authz.Principal, prefix string, stream io.Reader) (ingest.Summary, error)
}

// StagedQueue enqueues staged ingestions.
type StagedQueue interface {
	EnqueueStagedIngest(ctx context.Context, payload jobs.StagedIngestPayload) (string, error)
}

// StagedStatus reads staged ingestion state.
type StagedStatus interface {
	StagedIngestStatus(ctx context.Context, taskID string) (jobs.StagedIngestStatus, error)
}

// Handler serves the gateway API.
type Handler struct {
	logger         *slog.Logger
	authorizer     Authorizer
	issuer         URLIssuer
	ingestor       Ingestor
	queue          StagedQueue
	status         StagedStatus
	validate       *validator.Validate
	maxArchiveSize int64
}

// Option customises a Handler.
type Option func(*Handler)

// WithStagedIngest enables the staged ingestion endpoints.
func WithStagedIngest(queue StagedQueue, status StagedStatus) Option {
	return func(h *Handler) {
		h.queue = queue
		h.status = status
	}
}

// WithMaxArchiveSize caps direct ingestion request bodies. Zero disables the cap.
func WithMaxArchiveSize(n int64) Option {
	return func(h *Handler) { h.maxArchiveSize = n }
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, authorizer Authorizer, issuer URLIssuer, ingestor Ingestor, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		logger:     logger,
		authorizer: authorizer,
		issuer:     issuer,
		ingestor:   ingestor,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// MountRoutes registers the request/response endpoints. They are safe to
// run under a request timeout.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/authorize", h.handleAuthorize)
	r.Post("/urls", h.handleIssueURL)
	r.Post("/assets/{assetID}/urls", h.handleIssueAssetURL)
	if h.queue != nil {
		r.Post("/ingest/staged", h.handleEnqueueStaged)
	}
	if h.status != nil {
		r.Get("/ingest/jobs/{taskID}", h.handleStagedStatus)
	}
}

// MountStreamingRoutes registers endpoints whose duration scales with the
// request body. Mount them outside any request timeout.
func (h *Handler) MountStreamingRoutes(r chi.Router) {
	r.Post("/ingest", h.handleIngest)
}

type authorizeRequest struct {
	Action string `json:"action" validate:"required,oneof=read write"`
	Path   string `json:"path" validate:"required"`
}

type decisionResponse struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
	Path   string `json:"path,omitempty"`
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req authorizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	action, err := authz.ParseAction(req.Action)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrMalformedRequest, err))
		return
	}
	decision, err := h.authorizer.Authorize(r.Context(), p, action, req.Path)
	if err != nil {
		if errors.Is(err, shared.ErrAuditWriteFailed) {
			httpx.RespondError(w, err)
			return
		}
		// A failed grant lookup is reported as the deny it produced.
		h.logger.Warn("authorize", slog.String("path", req.Path), slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, decisionResponse{Allow: decision.Allow, Reason: decision.Reason, Path: decision.Path})
}

type issueURLRequest struct {
	Operation  string `json:"operation" validate:"required,oneof=get put"`
	Path       string `json:"path" validate:"required"`
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
}

type assetURLRequest struct {
	Operation  string `json:"operation" validate:"required,oneof=get put"`
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
}

type signedURLResponse struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Operation string    `json:"operation"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) handleIssueURL(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req issueURLRequest
	if !h.decode(w, r, &req) {
		return
	}
	op := objectstore.Operation(req.Operation)
	signed, err := h.issuer.IssueURL(r.Context(), p, op, req.Path, h.ttl(op, req.TTLSeconds))
	if err != nil {
		h.logIssueFailure(p, req.Path, err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSignedURLResponse(signed))
}

func (h *Handler) handleIssueAssetURL(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req assetURLRequest
	if !h.decode(w, r, &req) {
		return
	}
	assetID := chi.URLParam(r, "assetID")
	op := objectstore.Operation(req.Operation)
	signed, err := h.issuer.IssueAssetURL(r.Context(), p, op, assetID, h.ttl(op, req.TTLSeconds))
	if err != nil {
		h.logIssueFailure(p, "asset:"+assetID, err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSignedURLResponse(signed))
}

// maxTTLSeconds is the largest second count a time.Duration can hold.
const maxTTLSeconds = int64(math.MaxInt64 / int64(time.Second))

// ttl falls back to the operation preset when the client sends none. A
// client-supplied value is passed on for the issuer to range-check; values
// beyond what a Duration holds saturate instead of wrapping.
func (h *Handler) ttl(op objectstore.Operation, seconds *int64) time.Duration {
	if seconds == nil {
		return h.issuer.Policy().Preset(op)
	}
	switch {
	case *seconds > maxTTLSeconds:
		return time.Duration(math.MaxInt64)
	case *seconds < -maxTTLSeconds:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(*seconds) * time.Second
}

func (h *Handler) logIssueFailure(p authz.Principal, target string, err error) {
	level := slog.LevelInfo
	if errors.Is(err, shared.ErrAuditWriteFailed) || errors.Is(err, shared.ErrStorageWriteFailed) {
		level = slog.LevelError
	}
	h.logger.Log(context.Background(), level, "issue url failed",
		slog.String("principal_id", p.ID), slog.String("target", target),
		slog.String("reason", shared.ReasonOf(err)), slog.Any("error", err))
}

func toSignedURLResponse(s signer.SignedURL) signedURLResponse {
	return signedURLResponse{
		URL:       s.URL,
		Method:    s.Method,
		Path:      s.Path,
		Operation: string(s.Operation),
		ExpiresAt: s.ExpiresAt,
	}
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	if prefix == "" {
		httpx.RespondError(w, fmt.Errorf("%w: prefix is required", httpx.ErrMalformedRequest))
		return
	}
	body := io.Reader(r.Body)
	if h.maxArchiveSize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxArchiveSize)
	}
	summary, err := h.ingestor.IngestArchive(r.Context(), p, prefix, body)
	if err != nil {
		h.logger.Warn("ingest archive", slog.String("prefix", prefix), slog.String("reason", shared.ReasonOf(err)), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

type stagedRequest struct {
	StagingPath string `json:"staging_path" validate:"required"`
	Prefix      string `json:"prefix" validate:"required"`
}

type stagedResponse struct {
	TaskID string `json:"task_id"`
}

// handleEnqueueStaged authorizes both ends before enqueueing so a client
// learns about a denial immediately. The worker checks again.
func (h *Handler) handleEnqueueStaged(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req stagedRequest
	if !h.decode(w, r, &req) {
		return
	}
	staging, err := h.require(r.Context(), p, authz.ActionRead, req.StagingPath)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	prefix, err := h.require(r.Context(), p, authz.ActionWrite, req.Prefix)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	taskID, err := h.queue.EnqueueStagedIngest(r.Context(), jobs.StagedIngestPayload{
		PrincipalID:   p.ID,
		Role:          string(p.Role),
		TenantID:      p.TenantID,
		StagingPath:   staging,
		Prefix:        prefix,
		CorrelationID: shared.CorrelationIDFromContext(r.Context()),
	})
	if err != nil {
		h.logger.Error("enqueue staged ingest", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, stagedResponse{TaskID: taskID})
}

// require authorizes and converts a deny into the matching error.
func (h *Handler) require(ctx context.Context, p authz.Principal, action authz.Action, rawPath string) (string, error) {
	decision, err := h.authorizer.Authorize(ctx, p, action, rawPath)
	if err != nil {
		if errors.Is(err, shared.ErrAuditWriteFailed) {
			return "", err
		}
		return "", shared.NewReasonError(shared.ErrPermissionDenied, decision.Reason, err)
	}
	if !decision.Allow {
		kind := shared.ErrPermissionDenied
		if decision.Reason == shared.ReasonInvalidPath {
			kind = shared.ErrInvalidPath
		}
		return "", shared.NewReasonError(kind, decision.Reason, fmt.Errorf("%s %q", action, rawPath))
	}
	return decision.Path, nil
}

type stagedStatusResponse struct {
	TaskID    string          `json:"task_id"`
	State     string          `json:"state"`
	Summary   *ingest.Summary `json:"summary,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// handleStagedStatus hides tasks owned by other principals behind a 404.
func (h *Handler) handleStagedStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	status, err := h.status.StagedIngestStatus(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			h.logger.Error("staged ingest status", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	if status.PrincipalID != p.ID && !p.Role.Bypass() {
		httpx.RespondError(w, shared.ErrNotFound)
		return
	}
	resp := stagedStatusResponse{TaskID: status.TaskID, State: status.State, LastError: status.LastError}
	if len(status.Result) > 0 {
		var summary ingest.Summary
		if err := json.Unmarshal(status.Result, &summary); err != nil {
			h.logger.Warn("decode staged result", slog.String("task_id", status.TaskID), slog.Any("error", err))
		} else {
			resp.Summary = &summary
		}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (authz.Principal, bool) {
	p, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return authz.Principal{}, false
	}
	return p, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrMalformedRequest, err))
		return false
	}
	return true
}
