package objectstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/odyssey-erp/assetgate/internal/shared"
)

// BreakerConfig tunes the write circuit breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Logger           *slog.Logger
}

// BreakerWriter guards a Writer with a circuit breaker and maps failures
// onto shared.ErrStorageWriteFailed.
type BreakerWriter struct {
	next Writer
	cb   *gobreaker.CircuitBreaker[string]
}

// NewBreakerWriter wraps next.
func NewBreakerWriter(next Writer, cfg BreakerConfig) *BreakerWriter {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Errors from the caller's stream or context say nothing about store health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSourceRead) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("object store breaker", slog.String("name", name),
				slog.String("from", from.String()), slog.String("to", to.String()))
		},
	}
	return &BreakerWriter{next: next, cb: gobreaker.NewCircuitBreaker[string](settings)}
}

// PutStream implements Writer.
func (b *BreakerWriter) PutStream(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	etag, err := b.cb.Execute(func() (string, error) {
		return b.next.PutStream(ctx, key, contentType, r)
	})
	if err == nil {
		return etag, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", shared.NewReasonError(shared.ErrStorageWriteFailed, shared.ReasonStorageDown, err)
	}
	if errors.Is(err, ErrSourceRead) || errors.Is(err, context.Canceled) {
		return "", err
	}
	return "", shared.NewReasonError(shared.ErrStorageWriteFailed, shared.ReasonStorageWrite, err)
}

// State reports the breaker state for health endpoints.
func (b *BreakerWriter) State() string {
	return b.cb.State().String()
}

var _ Writer = (*BreakerWriter)(nil)
