package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgxpool.Pool used by PGTimeline.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGTimeline reads audit_events for operators.
type PGTimeline struct {
	db Querier
}

// NewPGTimeline returns a new PGTimeline.
func NewPGTimeline(db Querier) *PGTimeline {
	return &PGTimeline{db: db}
}

// Timeline returns one page of events, newest first.
func (t *PGTimeline) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	sql, args := buildTimelineQuery(filters)
	rows, err := t.db.Query(ctx, sql, args...)
	if err != nil {
		return Result{}, fmt.Errorf("audit: query timeline: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, filters.PageSize+1)
	for rows.Next() {
		var (
			ev       Event
			decision string
			meta     []byte
		)
		if err := rows.Scan(&ev.ID, &ev.PrincipalID, &ev.Role, &ev.Action, &ev.ResourcePath,
			&decision, &ev.Reason, &ev.Timestamp, &ev.CorrelationID, &meta); err != nil {
			return Result{}, fmt.Errorf("audit: scan timeline: %w", err)
		}
		ev.Decision = Decision(decision)
		if len(meta) > 0 && string(meta) != "null" {
			if err := json.Unmarshal(meta, &ev.Meta); err != nil {
				return Result{}, fmt.Errorf("audit: decode meta: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("audit: iterate timeline: %w", err)
	}

	paging := PagingInfo{Page: filters.Page, PageSize: filters.PageSize}
	if len(events) > filters.PageSize {
		paging.HasNext = true
		events = events[:filters.PageSize]
	}
	return Result{Rows: events, Paging: paging}, nil
}

// buildTimelineQuery fetches one row past the page to detect a next page.
func buildTimelineQuery(f TimelineFilters) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, principal_id, role, action, resource_path, decision, reason, occurred_at, correlation_id, meta
	FROM audit_events WHERE occurred_at >= $1 AND occurred_at < $2`)
	args := []any{f.From, f.To}
	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&b, " AND "+clause, len(args))
	}
	if f.PrincipalID != "" {
		add("principal_id = $%d", f.PrincipalID)
	}
	if f.PathPrefix != "" {
		prefix := strings.TrimSuffix(f.PathPrefix, "/")
		args = append(args, prefix, escapeLike(prefix)+"/%")
		fmt.Fprintf(&b, " AND (resource_path = $%d OR resource_path LIKE $%d)", len(args)-1, len(args))
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Decision != "" {
		add("decision = $%d", string(f.Decision))
	}
	args = append(args, f.PageSize+1, (f.Page-1)*f.PageSize)
	fmt.Fprintf(&b, " ORDER BY occurred_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
