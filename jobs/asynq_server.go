package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/assetgate/internal/shared"
)

// Worker wraps the Asynq server.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueIngest:  3,
			QueueDefault: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", slog.String("type", task.Type()), slog.Any("error", err))
		}),
	})
	mux := asynq.NewServeMux()
	registered := 0
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
		registered++
	}
	if registered == 0 {
		return nil, errors.New("worker: no task handlers registered")
	}
	return &Worker{server: srv, mux: mux, logger: logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Client submits jobs to the queue.
type Client struct {
	client    *asynq.Client
	retention time.Duration
}

// NewClient constructs an Asynq client. Results of finished tasks are kept
// for retention so clients can poll them.
func NewClient(redisOpts asynq.RedisClientOpt, retention time.Duration) (*Client, error) {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Client{client: asynq.NewClient(redisOpts), retention: retention}, nil
}

// EnqueueStagedIngest enqueues a staged ingestion and returns its task id.
func (c *Client) EnqueueStagedIngest(ctx context.Context, payload StagedIngestPayload) (string, error) {
	task, err := NewStagedIngestTask(payload)
	if err != nil {
		return "", err
	}
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueIngest),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Hour),
		asynq.Retention(c.retention),
	)
	if err != nil {
		return "", fmt.Errorf("jobs: enqueue staged ingest: %w", err)
	}
	return info.ID, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// StagedIngestStatus is the client-visible state of a staged ingestion.
type StagedIngestStatus struct {
	TaskID      string
	State       string
	PrincipalID string
	Result      []byte
	LastError   string
}

// StatusReader looks up staged ingestion tasks.
type StatusReader struct {
	inspector *asynq.Inspector
}

// NewStatusReader constructs a StatusReader.
func NewStatusReader(inspector *asynq.Inspector) *StatusReader {
	return &StatusReader{inspector: inspector}
}

// StagedIngestStatus returns the state of taskID. Unknown ids map to shared.ErrNotFound.
func (s *StatusReader) StagedIngestStatus(ctx context.Context, taskID string) (StagedIngestStatus, error) {
	info, err := s.inspector.GetTaskInfo(QueueIngest, taskID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return StagedIngestStatus{}, shared.ErrNotFound
		}
		return StagedIngestStatus{}, fmt.Errorf("jobs: task info: %w", err)
	}
	if info.Type != TaskStagedIngest {
		return StagedIngestStatus{}, shared.ErrNotFound
	}
	payload, err := decodeStagedIngest(info.Payload)
	if err != nil {
		return StagedIngestStatus{}, fmt.Errorf("jobs: decode payload: %w", err)
	}
	return StagedIngestStatus{
		TaskID:      info.ID,
		State:       info.State.String(),
		PrincipalID: payload.PrincipalID,
		Result:      info.Result,
		LastError:   info.LastErr,
	}, nil
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector *asynq.Inspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"queue":"` + QueueIngest + `","pending":0}`))
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueIngest)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	pending := 0
	queueName := QueueIngest
	if info != nil {
		pending = info.Pending
		queueName = info.Queue
	}
	_, _ = w.Write([]byte(`{"queue":"` + queueName + `","pending":` + strconv.Itoa(pending) + `}`))
}
