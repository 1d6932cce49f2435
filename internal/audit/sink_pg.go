package audit

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgxpool.Pool used by PGSink.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGSink writes events into audit_events, one INSERT per event.
type PGSink struct {
	db Execer
}

// NewPGSink returns a new PGSink.
func NewPGSink(db Execer) *PGSink {
	return &PGSink{db: db}
}

const insertEvent = `INSERT INTO audit_events
	(id, principal_id, role, action, resource_path, decision, reason, occurred_at, correlation_id, meta)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// Append persists the event.
func (s *PGSink) Append(ctx context.Context, event Event) error {
	if s == nil || s.db == nil {
		return errors.New("audit: postgres sink not initialised")
	}
	metaJSON, err := json.Marshal(event.Meta)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, insertEvent,
		event.ID, event.PrincipalID, event.Role, event.Action, event.ResourcePath,
		string(event.Decision), event.Reason, event.Timestamp, event.CorrelationID, metaJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return errors.New("audit: event not persisted")
	}
	return nil
}
