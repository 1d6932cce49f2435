package audit

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// WriterSink writes events as JSON lines. A mutex keeps each line whole
// under concurrent appends.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

type eventLine struct {
	ID            string         `json:"id"`
	PrincipalID   string         `json:"principal_id"`
	Role          string         `json:"role,omitempty"`
	Action        string         `json:"action"`
	ResourcePath  string         `json:"resource_path"`
	Decision      Decision       `json:"decision"`
	Reason        string         `json:"reason"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// Append encodes the event and writes it with a single Write call.
func (s *WriterSink) Append(ctx context.Context, event Event) error {
	if s == nil || s.w == nil {
		return errors.New("audit: writer sink not initialised")
	}
	line, err := json.Marshal(eventLine(event))
	if err != nil {
		return err
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.w.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return io.ErrShortWrite
	}
	return nil
}
