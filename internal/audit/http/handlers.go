package audithttp

import (
	"context"
	"encoding/csv"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/assetgate/internal/audit"
	"github.com/odyssey-erp/assetgate/internal/authz"
	"github.com/odyssey-erp/assetgate/internal/platform/httpx"
	"github.com/odyssey-erp/assetgate/internal/shared"
)

const (
	defaultPageSize   = 50
	maxPageSize       = 200
	exportPageSize    = 1000
	maxExportRows     = 50000
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
)

// TimelineService defines the contract for audit trail reads.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
}

// Handler menangani permintaan penelusuran jejak audit.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	now     func() time.Time
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		now:     time.Now,
	}
}

type eventDTO struct {
	ID            string         `json:"id"`
	PrincipalID   string         `json:"principal_id"`
	Role          string         `json:"role"`
	Action        string         `json:"action"`
	ResourcePath  string         `json:"resource_path"`
	Decision      string         `json:"decision"`
	Reason        string         `json:"reason,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Meta          map[string]any `json:"meta,omitempty"`
}

type timelineResponse struct {
	Events []eventDTO       `json:"events"`
	Paging audit.PagingInfo `json:"paging"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}
	if err := h.authorize(r.Context()); err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "load audit timeline", err)
		return
	}
	resp := timelineResponse{Events: make([]eventDTO, 0, len(result.Rows)), Paging: result.Paging}
	for _, ev := range result.Rows {
		resp.Events = append(resp.Events, toDTO(ev))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}
	if err := h.authorize(r.Context()); err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filters.Page = 1
	filters.PageSize = exportPageSize

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-events.csv\"")
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"timestamp", "principal_id", "role", "action", "resource_path", "decision", "reason", "correlation_id"})
	written := 0
	for written < maxExportRows {
		result, err := h.service.Timeline(r.Context(), filters)
		if err != nil {
			// Headers are already out; truncate and log.
			h.logger.Error("export audit timeline", slog.Int("page", filters.Page), slog.Any("error", err))
			break
		}
		for _, ev := range result.Rows {
			_ = cw.Write([]string{
				ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.PrincipalID, ev.Role, ev.Action,
				ev.ResourcePath, string(ev.Decision), ev.Reason, ev.CorrelationID,
			})
		}
		written += len(result.Rows)
		if !result.Paging.HasNext {
			break
		}
		filters.Page++
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	now := h.now().UTC()
	to := now
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.TimelineFilters{}, filterError("to")
		}
		to = parsed
	}
	from := to.Add(-defaultDateRange)
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.TimelineFilters{}, filterError("from")
		}
		from = parsed
	}
	if !from.Before(to) || to.Sub(from) > maxDateRangeHours*time.Hour {
		return audit.TimelineFilters{}, filterError("range")
	}

	page := 1
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, filterError("page")
		}
		page = parsed
	}
	pageSize := defaultPageSize
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, filterError("page_size")
		}
		pageSize = min(parsed, maxPageSize)
	}

	filters := audit.TimelineFilters{
		From:        from,
		To:          to,
		PrincipalID: strings.TrimSpace(q.Get("principal_id")),
		Action:      strings.TrimSpace(q.Get("action")),
		Page:        page,
		PageSize:    pageSize,
	}
	if v := strings.TrimSpace(q.Get("path")); v != "" {
		sp, err := authz.ParsePath(v)
		if err != nil {
			return audit.TimelineFilters{}, err
		}
		filters.PathPrefix = sp.String()
	}
	switch v := audit.Decision(strings.TrimSpace(q.Get("decision"))); v {
	case "", audit.DecisionAllow, audit.DecisionDeny:
		filters.Decision = v
	default:
		return audit.TimelineFilters{}, filterError("decision")
	}
	return filters, nil
}

// authorize restricts the audit trail to roles that bypass ownership.
func (h *Handler) authorize(ctx context.Context) error {
	p, ok := authz.PrincipalFromContext(ctx)
	if !ok {
		return shared.ErrUnauthenticated
	}
	if !p.Role.Bypass() {
		return shared.NewReasonError(shared.ErrPermissionDenied, shared.ReasonPermissionDenied, errors.New("audit trail requires administrator or supervisor"))
	}
	return nil
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func toDTO(ev audit.Event) eventDTO {
	return eventDTO{
		ID:            ev.ID,
		PrincipalID:   ev.PrincipalID,
		Role:          ev.Role,
		Action:        ev.Action,
		ResourcePath:  ev.ResourcePath,
		Decision:      string(ev.Decision),
		Reason:        ev.Reason,
		Timestamp:     ev.Timestamp,
		CorrelationID: ev.CorrelationID,
		Meta:          ev.Meta,
	}
}

func filterError(field string) error {
	return errors.Join(httpx.ErrMalformedRequest, errors.New("invalid filter "+field))
}
