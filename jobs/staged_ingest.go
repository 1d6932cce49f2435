package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/assetgate/internal/authz"
	"github.com/odyssey-erp/assetgate/internal/ingest"
	jobmetrics "github.com/odyssey-erp/assetgate/internal/jobs"
	"github.com/odyssey-erp/assetgate/internal/objectstore"
	"github.com/odyssey-erp/assetgate/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Ingestor runs archive ingestion.
type Ingestor interface {
	IngestArchive(ctx context.Context, p authz.Principal, prefix string, stream io.Reader) (ingest.Summary, error)
}

// Authorizer decides and audits access to the staging object.
type Authorizer interface {
	Authorize(ctx context.Context, p authz.Principal, action authz.Action, rawPath string) (authz.Decision, error)
}

// StagedIngestJob streams a staged archive out of the object store and
// through the ingestion engine.
type StagedIngestJob struct {
	Ingestor   Ingestor
	Objects    objectstore.Reader
	Authorizer Authorizer
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewStagedIngestJob wires dependencies for the staged ingestion handler.
func NewStagedIngestJob(ingestor Ingestor, objects objectstore.Reader, authorizer Authorizer, logger *slog.Logger, metrics *jobmetrics.Metrics) *StagedIngestJob {
	return &StagedIngestJob{Ingestor: ingestor, Objects: objects, Authorizer: authorizer, Logger: logger, Metrics: metrics}
}

// Handle processes TaskStagedIngest tasks. The summary is stored as the task result.
func (j *StagedIngestJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Ingestor == nil || j.Objects == nil || j.Authorizer == nil {
		return errors.New("staged ingest: handler not configured")
	}
	payload, err := decodeStagedIngest(t.Payload())
	if err != nil {
		return fmt.Errorf("staged ingest: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	role, err := authz.ParseRole(payload.Role)
	if err != nil {
		return fmt.Errorf("staged ingest: %v: %w", err, asynq.SkipRetry)
	}
	principal := authz.Principal{ID: payload.PrincipalID, Role: role, TenantID: payload.TenantID}
	if payload.CorrelationID != "" {
		ctx = shared.ContextWithCorrelationID(ctx, payload.CorrelationID)
	}

	tracker := j.metrics().Track(TaskStagedIngest)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := j.logger().With(slog.String("staging_path", payload.StagingPath), slog.String("prefix", payload.Prefix))

	decision, err := j.Authorizer.Authorize(ctx, principal, authz.ActionRead, payload.StagingPath)
	if err != nil {
		return fmt.Errorf("staged ingest: authorize staging: %w", err)
	}
	if !decision.Allow {
		logger.Warn("staging read denied", slog.String("reason", decision.Reason))
		return fmt.Errorf("staged ingest: staging read denied (%s): %w", decision.Reason, asynq.SkipRetry)
	}
	staging, err := authz.ParsePath(decision.Path)
	if err != nil {
		return fmt.Errorf("staged ingest: %v: %w", err, asynq.SkipRetry)
	}

	body, err := j.Objects.Open(ctx, staging.Key())
	if err != nil {
		logger.Error("open staged archive", slog.Any("error", err))
		return fmt.Errorf("staged ingest: open %s: %w", staging.Key(), err)
	}
	defer body.Close()

	summary, err := j.Ingestor.IngestArchive(ctx, principal, payload.Prefix, body)
	if err != nil {
		if terminal(err) {
			logger.Warn("staged ingest rejected", slog.String("reason", shared.ReasonOf(err)), slog.Any("error", err))
			return fmt.Errorf("staged ingest: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("staged ingest: %w", err)
	}

	m := j.metrics()
	m.AddEntries(TaskStagedIngest, "succeeded", len(summary.Succeeded))
	m.AddEntries(TaskStagedIngest, "skipped", len(summary.Skipped))
	m.AddEntries(TaskStagedIngest, "failed", len(summary.Failed))
	logger.Info("staged ingest complete",
		slog.Int("succeeded", len(summary.Succeeded)),
		slog.Int("skipped", len(summary.Skipped)),
		slog.Int("failed", len(summary.Failed)),
		slog.String("incomplete", summary.Incomplete))

	if w := t.ResultWriter(); w != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("staged ingest: encode summary: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			logger.Warn("write task result", slog.Any("error", err))
		}
	}
	return nil
}

// terminal reports errors that a retry cannot fix.
func terminal(err error) bool {
	return errors.Is(err, shared.ErrPermissionDenied) ||
		errors.Is(err, shared.ErrInvalidPath) ||
		errors.Is(err, shared.ErrValidationFailed)
}

func (j *StagedIngestJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStagedIngest))
	}
	return slog.Default().With(slog.String("job", TaskStagedIngest))
}

func (j *StagedIngestJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
