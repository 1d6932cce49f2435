package audit

import (
	"context"
	"time"
)

// Decision is the recorded outcome of a decision point.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// DecisionFor maps a boolean outcome to a Decision.
func DecisionFor(allow bool) Decision {
	if allow {
		return DecisionAllow
	}
	return DecisionDeny
}

// Action names recorded by the gateway.
const (
	ActionAuthorizeRead  = "authorize.read"
	ActionAuthorizeWrite = "authorize.write"
	ActionIssueURL       = "issue_url"
	ActionIngestStart    = "ingest.start"
	ActionIngestEntry    = "ingest.entry"
	ActionIngestComplete = "ingest.complete"
)

// Event is one immutable audit record.
type Event struct {
	ID            string
	PrincipalID   string
	Role          string
	Action        string
	ResourcePath  string
	Decision      Decision
	Reason        string
	Timestamp     time.Time
	CorrelationID string
	Meta          map[string]any
}

// Sink appends events durably. Implementations must accept concurrent
// appends and write each event as a single unit.
type Sink interface {
	Append(ctx context.Context, event Event) error
}
