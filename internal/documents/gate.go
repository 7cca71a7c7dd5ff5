package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrDocumentNotFound indicates the document is missing or soft-deleted.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrAccessDenied indicates the caller may not access the document in the requested mode.
	ErrAccessDenied = errors.New("documents: access denied")
	// ErrMissingCaller indicates an empty caller identity was supplied.
	ErrMissingCaller = errors.New("documents: caller identity required")
)

const (
	queryDocumentID         = "document_id = ?"
	queryOrganizationMember = "organization_id = ? AND user_id = ?"
)

// Gate checks document permissions and propagates document timestamps.
type Gate struct {
	db *gorm.DB
}

// NewGate constructs a Gate over the provided database handle.
func NewGate(db *gorm.DB) (*Gate, error) {
	if db == nil {
		return nil, fmt.Errorf("documents: database connection required")
	}
	return &Gate{db: db}, nil
}

// RequireDocumentAccess fails unless userID may access documentID in the given mode.
// Creators hold every mode; members of the owning organization reach public
// documents through their role.
func (g *Gate) RequireDocumentAccess(ctx context.Context, documentID, userID string, mode AccessMode) error {
	if userID == "" {
		return ErrMissingCaller
	}

	var document Document
	err := g.db.WithContext(ctx).Where(queryDocumentID, documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return err
	}
	if document.IsDeleted {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}

	if document.CreatedBy == userID {
		return nil
	}
	if !document.IsPublic || document.OrganizationID == "" {
		return fmt.Errorf("%w: %s", ErrAccessDenied, documentID)
	}

	var membership OrganizationMember
	err = g.db.WithContext(ctx).
		Where(queryOrganizationMember, document.OrganizationID, userID).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrAccessDenied, documentID)
	}
	if err != nil {
		return err
	}
	if !CanAccess(NormalizeRole(membership.Role), mode) {
		return fmt.Errorf("%w: %s requires %s", ErrAccessDenied, documentID, mode)
	}
	return nil
}

// TouchUpdatedAt stamps the document's updated_at inside the caller's transaction.
func (g *Gate) TouchUpdatedAt(tx *gorm.DB, documentID string, at time.Time) error {
	return tx.Model(&Document{}).
		Where(queryDocumentID, documentID).
		Update("updated_at_ms", at.UTC().UnixMilli()).Error
}

// LiveDocumentIDs returns a subquery selecting identifiers of documents that are not deleted.
func LiveDocumentIDs(tx *gorm.DB) *gorm.DB {
	return tx.Model(&Document{}).Select("document_id").Where("is_deleted = ?", false)
}
