package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated indicates a missing or invalid bearer token.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidPath indicates a malformed or traversing storage path.
	ErrInvalidPath = errors.New("invalid path")
	// ErrPermissionDenied indicates the authorization engine denied the request.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrValidationFailed indicates a file was rejected by type or size checks.
	ErrValidationFailed = errors.New("validation failed")
	// ErrStorageWriteFailed indicates the object store rejected or lost a write.
	ErrStorageWriteFailed = errors.New("storage write failed")
	// ErrAuditWriteFailed indicates a decision could not be recorded.
	ErrAuditWriteFailed = errors.New("audit write failed")
	// ErrInvalidTTL indicates a signed URL lifetime outside the allowed bounds.
	ErrInvalidTTL = errors.New("invalid ttl")
)

// Machine-readable reason codes carried by decisions and errors.
const (
	ReasonRoleBypass        = "ROLE_BYPASS"
	ReasonOwner             = "OWNER"
	ReasonGrant             = "GRANT"
	ReasonInvalidPath       = "INVALID_PATH"
	ReasonNotOwner          = "NOT_OWNER"
	ReasonNoGrant           = "NO_GRANT"
	ReasonGrantLookupFailed = "GRANT_LOOKUP_FAILED"
	ReasonInvalidTTL        = "INVALID_TTL"
	ReasonFileTooLarge      = "FILE_TOO_LARGE"
	ReasonInvalidFileType   = "INVALID_FILE_TYPE"
	ReasonEmptyFile         = "EMPTY_FILE"
	ReasonSizeMismatch      = "SIZE_MISMATCH"
	ReasonNoiseEntry        = "NOISE_ENTRY"
	ReasonUnsupportedEntry  = "UNSUPPORTED_ENTRY"
	ReasonPermissionDenied  = "PERMISSION_DENIED"
	ReasonStorageWrite      = "STORAGE_WRITE_FAILED"
	ReasonStorageDown       = "STORAGE_UNAVAILABLE"
	ReasonMetadataWrite     = "METADATA_WRITE_FAILED"
	ReasonCorruptEntry      = "CORRUPT_ENTRY"
	ReasonCancelled         = "CANCELLED"
	ReasonArchiveCorrupt    = "ARCHIVE_CORRUPT"
	ReasonUnsupportedFormat = "UNSUPPORTED_ARCHIVE"
	ReasonAuditWrite        = "AUDIT_WRITE_FAILED"
	ReasonInvalidOperation  = "INVALID_OPERATION"
	ReasonSigningFailed     = "SIGNING_FAILED"
)

// ReasonError couples a sentinel kind with a machine-readable reason code.
type ReasonError struct {
	Kind   error
	Reason string
	Err    error
}

// NewReasonError builds a ReasonError for the given kind and reason.
func NewReasonError(kind error, reason string, cause error) *ReasonError {
	return &ReasonError{Kind: kind, Reason: reason, Err: cause}
}

func (e *ReasonError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
}

// Unwrap exposes both the sentinel kind and the underlying cause.
func (e *ReasonError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// ReasonOf extracts the reason code from err, or "" when it carries none.
func ReasonOf(err error) string {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
