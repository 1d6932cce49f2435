package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/odyssey-erp/assetgate/internal/shared"
)

// FailureObserver counts events the sink rejected.
type FailureObserver interface {
	ObserveAuditFailure(action string)
}

// Recorder stamps events and forwards them to a Sink.
type Recorder struct {
	sink     Sink
	clock    clock.Clock
	logger   *slog.Logger
	observer FailureObserver
}

// NewRecorder builds a Recorder. A nil clock falls back to wall time.
func NewRecorder(sink Sink, clk clock.Clock, logger *slog.Logger) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, clock: clk, logger: logger}
}

// WithFailureObserver attaches o and returns r.
func (r *Recorder) WithFailureObserver(o FailureObserver) *Recorder {
	r.observer = o
	return r
}

// Record fills in id, timestamp and correlation id and appends the event.
// Any sink failure is reported as ErrAuditWriteFailed; callers must treat it
// as a failure of the triggering operation.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	if r == nil || r.sink == nil {
		return shared.NewReasonError(shared.ErrAuditWriteFailed, shared.ReasonAuditWrite, errors.New("audit: recorder not initialised"))
	}
	if event.Action == "" || event.Decision == "" {
		return shared.NewReasonError(shared.ErrAuditWriteFailed, shared.ReasonAuditWrite, errors.New("audit: event requires action/decision"))
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock.Now().UTC()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = shared.CorrelationIDFromContext(ctx)
	}
	if err := r.sink.Append(ctx, event); err != nil {
		r.logger.Error("audit append",
			slog.String("action", event.Action),
			slog.String("path", event.ResourcePath),
			slog.Any("error", err))
		if r.observer != nil {
			r.observer.ObserveAuditFailure(event.Action)
		}
		return shared.NewReasonError(shared.ErrAuditWriteFailed, shared.ReasonAuditWrite, err)
	}
	return nil
}
