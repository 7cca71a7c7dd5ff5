package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingAccessGate  = errors.New("access gate is required")
	noOpLogger            = zap.NewNop()
	defaultStaleAfter     = time.Minute
	defaultSweepBatchSize = 100
	defaultCompactionSize = 100
)

const (
	// EventSyncChanged is published after a document's update log or version moves.
	EventSyncChanged = "sync-change"
	// EventAwarenessChanged is published after a document's presence entries change.
	EventAwarenessChanged = "awareness-change"
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// AccessGate resolves document permissions and owns the document timestamp.
type AccessGate interface {
	RequireDocumentAccess(ctx context.Context, documentID, userID string, mode documents.AccessMode) error
	TouchUpdatedAt(tx *gorm.DB, documentID string, at time.Time) error
}

// ProfileDirectory supplies display information for awareness enrichment.
type ProfileDirectory interface {
	Profiles(ctx context.Context, userIDs []string) (map[string]users.Profile, error)
}

// ChangeNotifier is told about committed changes so subscribers can re-fetch.
type ChangeNotifier interface {
	NotifyDocumentChange(documentID, eventType string)
}

// ServiceConfig describes the dependencies of the synchronization service.
type ServiceConfig struct {
	Database            *gorm.DB
	Access              AccessGate
	Presence            PresenceStore
	Profiles            ProfileDirectory
	Notifier            ChangeNotifier
	Clock               func() time.Time
	Logger              *zap.Logger
	StaleAfter          time.Duration
	SweepBatchSize      int
	FilterStaleReads    bool
	CompactionThreshold int
}

// Service implements the document update log and the awareness manager.
type Service struct {
	db                  *gorm.DB
	access              AccessGate
	presence            PresenceStore
	profiles            ProfileDirectory
	notifier            ChangeNotifier
	clock               func() time.Time
	logger              *zap.Logger
	staleAfter          time.Duration
	sweepBatchSize      int
	filterStaleReads    bool
	compactionThreshold int
}

const (
	opServiceNew    = "collab.service.new"
	opAuthorizeRead = "collab.authorize_read"
)

// NewService validates the configuration and constructs a Service. Presence
// defaults to the SQL store on the same database.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Access == nil {
		return nil, newServiceError(opServiceNew, "missing_access_gate", errMissingAccessGate)
	}

	presence := cfg.Presence
	if presence == nil {
		presence = NewSQLPresenceStore(cfg.Database)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	sweepBatchSize := cfg.SweepBatchSize
	if sweepBatchSize <= 0 {
		sweepBatchSize = defaultSweepBatchSize
	}
	compactionThreshold := cfg.CompactionThreshold
	if compactionThreshold <= 0 {
		compactionThreshold = defaultCompactionSize
	}

	return &Service{
		db:                  cfg.Database,
		access:              cfg.Access,
		presence:            presence,
		profiles:            cfg.Profiles,
		notifier:            cfg.Notifier,
		clock:               clock,
		logger:              logger,
		staleAfter:          staleAfter,
		sweepBatchSize:      sweepBatchSize,
		filterStaleReads:    cfg.FilterStaleReads,
		compactionThreshold: compactionThreshold,
	}, nil
}

// requireAccess validates identifiers and translates gate failures into the
// collab error taxonomy.
func (service *Service) requireAccess(ctx context.Context, operation string, caller UserID, documentID DocumentID, mode documents.AccessMode) error {
	if caller == "" {
		return newServiceError(operation, "unauthenticated", ErrUnauthenticated)
	}
	if documentID == "" {
		return newServiceError(operation, "invalid_document_id", fmt.Errorf("%w: empty document id", ErrInvalidInput))
	}
	if service.access == nil {
		service.logError(operation, "missing_access_gate", errMissingAccessGate)
		return newServiceError(operation, "missing_access_gate", errMissingAccessGate)
	}

	err := service.access.RequireDocumentAccess(ctx, documentID.String(), caller.String(), mode)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, documents.ErrDocumentNotFound):
		return newServiceError(operation, "document_not_found", fmt.Errorf("%w: %v", ErrNotFound, err))
	case errors.Is(err, documents.ErrAccessDenied):
		return newServiceError(operation, "not_authorized", fmt.Errorf("%w: %v", ErrNotAuthorized, err))
	case errors.Is(err, documents.ErrMissingCaller):
		return newServiceError(operation, "unauthenticated", ErrUnauthenticated)
	default:
		service.logError(operation, "access_check_failed", err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldUserID, caller.String()))
		return newServiceError(operation, "access_check_failed", err)
	}
}

func (service *Service) notify(documentID DocumentID, eventType string) {
	if service.notifier == nil {
		return
	}
	service.notifier.NotifyDocumentChange(documentID.String(), eventType)
}

func (service *Service) now() time.Time {
	return service.clock().UTC()
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil || service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("collab service error", attrs...)
}

// AuthorizeRead fails unless caller may read documentID. Subscribers use it
// before attaching to a document's change stream.
func (service *Service) AuthorizeRead(ctx context.Context, caller UserID, documentID DocumentID) error {
	return service.requireAccess(ctx, opAuthorizeRead, caller, documentID, documents.AccessRead)
}
