package jobs

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueIngest carries long-running archive ingestion.
	QueueIngest = "ingest"
	// TaskStagedIngest ingests an archive previously uploaded to a staging path.
	TaskStagedIngest = "ingest:staged"
)

// StagedIngestPayload describes one staged ingestion. The principal is
// captured at enqueue time and re-authorized by the worker.
type StagedIngestPayload struct {
	PrincipalID   string `json:"principal_id"`
	Role          string `json:"role"`
	TenantID      string `json:"tenant_id,omitempty"`
	StagingPath   string `json:"staging_path"`
	Prefix        string `json:"prefix"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// NewStagedIngestTask constructs an Asynq task.
func NewStagedIngestTask(payload StagedIngestPayload) (*asynq.Task, error) {
	if payload.PrincipalID == "" || payload.StagingPath == "" || payload.Prefix == "" {
		return nil, fmt.Errorf("jobs: staged ingest payload incomplete")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStagedIngest, data), nil
}

func decodeStagedIngest(data []byte) (StagedIngestPayload, error) {
	var payload StagedIngestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, err
	}
	return payload, nil
}
