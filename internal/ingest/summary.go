package ingest

import "github.com/odyssey-erp/assetgate/internal/authz"

// State is the terminal state of one archive entry.
type State string

const (
	StateFiltered         State = "filtered"
	StateRejected         State = "rejected"
	StateAuthDenied       State = "auth_denied"
	StateValidationFailed State = "validation_failed"
	StateWritten          State = "written"
	StateWriteFailed      State = "write_failed"
)

// EntryResult describes what happened to one entry.
type EntryResult struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	State       State  `json:"state"`
	Reason      string `json:"reason,omitempty"`
	AssetID     string `json:"asset_id,omitempty"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
}

func (r EntryResult) finish(state State, reason string) EntryResult {
	r.State = state
	r.Reason = reason
	return r
}

// audited reports whether the entry gets its own audit event. Written and
// noise-filtered entries are only counted in the completion event.
func (r EntryResult) audited() bool {
	return r.State != StateWritten && r.State != StateFiltered
}

func (r EntryResult) resource(dest authz.StoragePath) string {
	if r.Path != "" {
		return r.Path
	}
	return dest.String() + "/" + r.Name
}

// Summary is the outcome of one ingestion. Every entry pulled from the
// archive lands in exactly one of the three lists, in archive order.
type Summary struct {
	Succeeded []EntryResult `json:"succeeded"`
	Skipped   []EntryResult `json:"skipped"`
	Failed    []EntryResult `json:"failed"`
	// Incomplete is empty for a full walk, otherwise CANCELLED or ARCHIVE_CORRUPT.
	Incomplete string `json:"incomplete,omitempty"`
	Format     string `json:"format,omitempty"`
}

func (s *Summary) add(r EntryResult) {
	switch r.State {
	case StateWritten:
		s.Succeeded = append(s.Succeeded, r)
	case StateWriteFailed:
		s.Failed = append(s.Failed, r)
	default:
		s.Skipped = append(s.Skipped, r)
	}
}

// Total returns the number of entries accounted for.
func (s Summary) Total() int {
	return len(s.Succeeded) + len(s.Skipped) + len(s.Failed)
}
