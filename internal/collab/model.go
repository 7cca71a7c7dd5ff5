package collab

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrUnauthenticated indicates the caller identity could not be resolved.
	ErrUnauthenticated = errors.New("collab: not authenticated")
	// ErrNotAuthorized indicates the caller lacks access to the document.
	ErrNotAuthorized = errors.New("collab: not authorized")
	// ErrNotFound indicates the owning document (or its sync state) does not exist.
	ErrNotFound = errors.New("collab: not found")
	// ErrSyncStateNotFound indicates the document has never received an update.
	ErrSyncStateNotFound = fmt.Errorf("%w: sync state not found", ErrNotFound)
	// ErrInvalidInput indicates a malformed request argument.
	ErrInvalidInput = errors.New("collab: invalid input")
)

// ReasonVersionMismatch is reported when a version-gated write sees a different version.
const ReasonVersionMismatch = "version_mismatch"

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty document id", ErrInvalidInput)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: document id exceeds %d characters", ErrInvalidInput, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents the caller identity resolved by the access gate.
type UserID string

// NewUserID returns ErrUnauthenticated for an empty identity.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", ErrUnauthenticated
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: user id exceeds %d characters", ErrInvalidInput, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ClientID identifies one editing session within a document.
type ClientID int64

// NewClientID validates the value and returns a ClientID.
func NewClientID(value int64) (ClientID, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: negative client id %d", ErrInvalidInput, value)
	}
	return ClientID(value), nil
}

// Int64 returns the client identifier as an int64.
func (id ClientID) Int64() int64 {
	return int64(id)
}

// DocumentState is the authoritative sync state returned to readers.
// StateVector is nil until a client stores one.
type DocumentState struct {
	StateVector *string
	Updates     []string
	Version     int64
}

// ApplyResult reports the outcome of an ApplyUpdates call. Updates carries the
// authoritative log only when Conflict is set.
type ApplyResult struct {
	Version             int64
	Conflict            bool
	Updates             []string
	CompactionSuggested bool
}

// StateVectorResult reports the outcome of an UpdateStateVector call.
type StateVectorResult struct {
	Success bool
	Reason  string
}

// CompactResult reports the outcome of a CompactUpdates call.
type CompactResult struct {
	Success bool
	Version int64
	Reason  string
}

// AwarenessView is one presence entry as seen by a specific caller.
type AwarenessView struct {
	UserID        string
	ClientID      int64
	Payload       string
	UserName      string
	UserImage     string
	IsCurrentUser bool
	LastSeenAtMs  int64
}

// CleanupResult reports how many stale awareness entries a sweep removed.
type CleanupResult struct {
	Deleted int64
}
