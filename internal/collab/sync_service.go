package collab

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGetDocumentState         = "collab.get_document_state"
	opApplyUpdates             = "collab.apply_updates"
	opUpdateStateVector        = "collab.update_state_vector"
	opCompactUpdates           = "collab.compact_updates"
	opCollectOrphans           = "collab.collect_orphaned_sync_state"
	fieldDocumentID            = "document_id"
	fieldUserID                = "user_id"
	fieldClientVersion         = "client_version"
	columnVersion              = "version"
	columnPosition             = "position"
	columnFragment             = "fragment"
	columnStateVector          = "state_vector"
	columnLastModifiedBy       = "last_modified_by"
	columnUpdatedAtMillis      = "updated_at_ms"
	orderPositionAsc           = columnPosition + " ASC"
	queryDocumentID            = fieldDocumentID + " = ?"
	queryDocumentVersion       = fieldDocumentID + " = ? AND " + columnVersion + " = ?"
	queryDocumentIn            = fieldDocumentID + " IN ?"
	queryDocumentNotLive       = fieldDocumentID + " NOT IN (?)"
	reasonStateLookupFailed    = "state_lookup_failed"
	reasonStateCreateFailed    = "state_create_failed"
	reasonStateUpdateFailed    = "state_update_failed"
	reasonLogLookupFailed      = "log_lookup_failed"
	reasonUpdateInsertFailed   = "update_insert_failed"
	reasonUpdateDeleteFailed   = "update_delete_failed"
	reasonDocumentTouchFailed  = "document_touch_failed"
	reasonSyncStateNotFound    = "sync_state_not_found"
	reasonOrphanLookupFailed   = "orphan_lookup_failed"
	reasonOrphanDeleteFailed   = "orphan_delete_failed"
	lockStrengthUpdate         = "UPDATE"
	orphanCollectionBatchLimit = 500
)

// errVersionAdvanced aborts a transaction whose conditional version update
// matched no row because another writer committed first.
var errVersionAdvanced = errors.New("collab: version advanced concurrently")

// GetDocumentState returns the authoritative sync state. A document that has
// never been written yields the zero state and no row is created.
func (service *Service) GetDocumentState(ctx context.Context, caller UserID, documentID DocumentID) (DocumentState, error) {
	if err := service.requireAccess(ctx, opGetDocumentState, caller, documentID, documents.AccessRead); err != nil {
		return DocumentState{}, err
	}

	state := DocumentState{Updates: []string{}}
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		record, found, err := loadSyncState(transaction, documentID, false)
		if err != nil {
			service.logError(opGetDocumentState, reasonStateLookupFailed, err,
				zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opGetDocumentState, reasonStateLookupFailed, err)
		}
		if !found {
			return nil
		}

		fragments, err := loadUpdateLog(transaction, documentID)
		if err != nil {
			service.logError(opGetDocumentState, reasonLogLookupFailed, err,
				zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opGetDocumentState, reasonLogLookupFailed, err)
		}
		state.StateVector = record.StateVector
		state.Updates = fragments
		state.Version = record.Version
		return nil
	})
	if transactionError != nil {
		return DocumentState{}, transactionError
	}
	return state, nil
}

// ApplyUpdates appends fragments to the document log when clientVersion matches
// the stored version. A mismatch is reported as a conflict carrying the
// authoritative log and leaves storage untouched.
func (service *Service) ApplyUpdates(ctx context.Context, caller UserID, documentID DocumentID, updates []string, clientVersion int64) (ApplyResult, error) {
	if err := service.requireAccess(ctx, opApplyUpdates, caller, documentID, documents.AccessWrite); err != nil {
		return ApplyResult{}, err
	}

	var result ApplyResult
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var err error
		result, err = service.applyUpdatesInTransaction(transaction, caller, documentID, updates, clientVersion)
		return err
	})
	if errors.Is(transactionError, errVersionAdvanced) {
		return service.conflictResult(ctx, documentID)
	}
	if transactionError != nil {
		return ApplyResult{}, transactionError
	}
	if !result.Conflict {
		service.notify(documentID, EventSyncChanged)
	}
	return result, nil
}

func (service *Service) applyUpdatesInTransaction(transaction *gorm.DB, caller UserID, documentID DocumentID, updates []string, clientVersion int64) (ApplyResult, error) {
	now := service.now()
	logFields := []zap.Field{
		zap.String(fieldDocumentID, documentID.String()),
		zap.String(fieldUserID, caller.String()),
		zap.Int64(fieldClientVersion, clientVersion),
	}

	record, found, err := loadSyncState(transaction, documentID, true)
	if err != nil {
		service.logError(opApplyUpdates, reasonStateLookupFailed, err, logFields...)
		return ApplyResult{}, newServiceError(opApplyUpdates, reasonStateLookupFailed, err)
	}

	if !found {
		created := SyncState{
			DocumentID:      documentID.String(),
			Version:         1,
			LastModifiedBy:  caller.String(),
			UpdatedAtMillis: now.UnixMilli(),
		}
		createResult := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&created)
		if createResult.Error != nil {
			service.logError(opApplyUpdates, reasonStateCreateFailed, createResult.Error, logFields...)
			return ApplyResult{}, newServiceError(opApplyUpdates, reasonStateCreateFailed, createResult.Error)
		}
		if createResult.RowsAffected == 1 {
			if err := appendFragments(transaction, documentID, 0, updates); err != nil {
				service.logError(opApplyUpdates, reasonUpdateInsertFailed, err, logFields...)
				return ApplyResult{}, newServiceError(opApplyUpdates, reasonUpdateInsertFailed, err)
			}
			if err := service.access.TouchUpdatedAt(transaction, documentID.String(), now); err != nil {
				service.logError(opApplyUpdates, reasonDocumentTouchFailed, err, logFields...)
				return ApplyResult{}, newServiceError(opApplyUpdates, reasonDocumentTouchFailed, err)
			}
			return ApplyResult{
				Version:             1,
				CompactionSuggested: len(updates) >= service.compactionThreshold,
			}, nil
		}

		// A concurrent first writer created the row; continue as an existing document.
		record, found, err = loadSyncState(transaction, documentID, true)
		if err != nil || !found {
			if err == nil {
				err = gorm.ErrRecordNotFound
			}
			service.logError(opApplyUpdates, reasonStateLookupFailed, err, logFields...)
			return ApplyResult{}, newServiceError(opApplyUpdates, reasonStateLookupFailed, err)
		}
	}

	if record.Version != clientVersion {
		fragments, err := loadUpdateLog(transaction, documentID)
		if err != nil {
			service.logError(opApplyUpdates, reasonLogLookupFailed, err, logFields...)
			return ApplyResult{}, newServiceError(opApplyUpdates, reasonLogLookupFailed, err)
		}
		return ApplyResult{Version: record.Version, Conflict: true, Updates: fragments}, nil
	}

	advanced, err := advanceVersion(transaction, documentID, record.Version, caller, now.UnixMilli(), nil)
	if err != nil {
		service.logError(opApplyUpdates, reasonStateUpdateFailed, err, logFields...)
		return ApplyResult{}, newServiceError(opApplyUpdates, reasonStateUpdateFailed, err)
	}
	if !advanced {
		return ApplyResult{}, errVersionAdvanced
	}

	var logLength int64
	if err := transaction.Model(&SyncUpdate{}).Where(queryDocumentID, documentID.String()).Count(&logLength).Error; err != nil {
		service.logError(opApplyUpdates, reasonLogLookupFailed, err, logFields...)
		return ApplyResult{}, newServiceError(opApplyUpdates, reasonLogLookupFailed, err)
	}
	if err := appendFragments(transaction, documentID, logLength, updates); err != nil {
		service.logError(opApplyUpdates, reasonUpdateInsertFailed, err, logFields...)
		return ApplyResult{}, newServiceError(opApplyUpdates, reasonUpdateInsertFailed, err)
	}
	if err := service.access.TouchUpdatedAt(transaction, documentID.String(), now); err != nil {
		service.logError(opApplyUpdates, reasonDocumentTouchFailed, err, logFields...)
		return ApplyResult{}, newServiceError(opApplyUpdates, reasonDocumentTouchFailed, err)
	}

	return ApplyResult{
		Version:             record.Version + 1,
		CompactionSuggested: logLength+int64(len(updates)) >= int64(service.compactionThreshold),
	}, nil
}

// conflictResult re-reads the committed state after losing a version race.
func (service *Service) conflictResult(ctx context.Context, documentID DocumentID) (ApplyResult, error) {
	result := ApplyResult{Conflict: true}
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		record, _, err := loadSyncState(transaction, documentID, false)
		if err != nil {
			service.logError(opApplyUpdates, reasonStateLookupFailed, err,
				zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opApplyUpdates, reasonStateLookupFailed, err)
		}
		fragments, err := loadUpdateLog(transaction, documentID)
		if err != nil {
			service.logError(opApplyUpdates, reasonLogLookupFailed, err,
				zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opApplyUpdates, reasonLogLookupFailed, err)
		}
		result.Version = record.Version
		result.Updates = fragments
		return nil
	})
	if transactionError != nil {
		return ApplyResult{}, transactionError
	}
	return result, nil
}

// UpdateStateVector replaces the stored state vector when version matches.
// The version and the log are left unchanged.
func (service *Service) UpdateStateVector(ctx context.Context, caller UserID, documentID DocumentID, stateVector string, version int64) (StateVectorResult, error) {
	if err := service.requireAccess(ctx, opUpdateStateVector, caller, documentID, documents.AccessWrite); err != nil {
		return StateVectorResult{}, err
	}

	var result StateVectorResult
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		logFields := []zap.Field{
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldUserID, caller.String()),
		}
		record, found, err := loadSyncState(transaction, documentID, true)
		if err != nil {
			service.logError(opUpdateStateVector, reasonStateLookupFailed, err, logFields...)
			return newServiceError(opUpdateStateVector, reasonStateLookupFailed, err)
		}
		if !found {
			return newServiceError(opUpdateStateVector, reasonSyncStateNotFound, ErrSyncStateNotFound)
		}
		if record.Version != version {
			result = StateVectorResult{Success: false, Reason: ReasonVersionMismatch}
			return nil
		}

		updateResult := transaction.Model(&SyncState{}).
			Where(queryDocumentVersion, documentID.String(), version).
			Updates(map[string]any{
				columnStateVector:     stateVector,
				columnUpdatedAtMillis: service.now().UnixMilli(),
			})
		if updateResult.Error != nil {
			service.logError(opUpdateStateVector, reasonStateUpdateFailed, updateResult.Error, logFields...)
			return newServiceError(opUpdateStateVector, reasonStateUpdateFailed, updateResult.Error)
		}
		if updateResult.RowsAffected != 1 {
			result = StateVectorResult{Success: false, Reason: ReasonVersionMismatch}
			return nil
		}
		result = StateVectorResult{Success: true}
		return nil
	})
	if transactionError != nil {
		return StateVectorResult{}, transactionError
	}
	return result, nil
}

// CompactUpdates replaces the log with a single merged fragment, stores the new
// state vector and advances the version. When expectedVersion is set the
// compaction only proceeds if it matches the stored version.
func (service *Service) CompactUpdates(ctx context.Context, caller UserID, documentID DocumentID, mergedUpdate, newStateVector string, expectedVersion *int64) (CompactResult, error) {
	if err := service.requireAccess(ctx, opCompactUpdates, caller, documentID, documents.AccessWrite); err != nil {
		return CompactResult{}, err
	}

	var result CompactResult
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		logFields := []zap.Field{
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldUserID, caller.String()),
		}
		record, found, err := loadSyncState(transaction, documentID, true)
		if err != nil {
			service.logError(opCompactUpdates, reasonStateLookupFailed, err, logFields...)
			return newServiceError(opCompactUpdates, reasonStateLookupFailed, err)
		}
		if !found {
			return newServiceError(opCompactUpdates, reasonSyncStateNotFound, ErrSyncStateNotFound)
		}
		if expectedVersion != nil && *expectedVersion != record.Version {
			result = CompactResult{Success: false, Version: record.Version, Reason: ReasonVersionMismatch}
			return nil
		}

		advanced, err := advanceVersion(transaction, documentID, record.Version, caller, service.now().UnixMilli(), &newStateVector)
		if err != nil {
			service.logError(opCompactUpdates, reasonStateUpdateFailed, err, logFields...)
			return newServiceError(opCompactUpdates, reasonStateUpdateFailed, err)
		}
		if !advanced {
			return errVersionAdvanced
		}

		if err := transaction.Where(queryDocumentID, documentID.String()).Delete(&SyncUpdate{}).Error; err != nil {
			service.logError(opCompactUpdates, reasonUpdateDeleteFailed, err, logFields...)
			return newServiceError(opCompactUpdates, reasonUpdateDeleteFailed, err)
		}
		if err := appendFragments(transaction, documentID, 0, []string{mergedUpdate}); err != nil {
			service.logError(opCompactUpdates, reasonUpdateInsertFailed, err, logFields...)
			return newServiceError(opCompactUpdates, reasonUpdateInsertFailed, err)
		}
		result = CompactResult{Success: true, Version: record.Version + 1}
		return nil
	})
	if errors.Is(transactionError, errVersionAdvanced) {
		state, err := service.currentVersion(ctx, documentID)
		if err != nil {
			return CompactResult{}, err
		}
		return CompactResult{Success: false, Version: state, Reason: ReasonVersionMismatch}, nil
	}
	if transactionError != nil {
		return CompactResult{}, transactionError
	}
	if result.Success {
		service.notify(documentID, EventSyncChanged)
	}
	return result, nil
}

func (service *Service) currentVersion(ctx context.Context, documentID DocumentID) (int64, error) {
	record, _, err := loadSyncState(service.db.WithContext(ctx), documentID, false)
	if err != nil {
		service.logError(opCompactUpdates, reasonStateLookupFailed, err,
			zap.String(fieldDocumentID, documentID.String()))
		return 0, newServiceError(opCompactUpdates, reasonStateLookupFailed, err)
	}
	return record.Version, nil
}

// CollectOrphanedSyncState removes sync rows and update logs whose owning
// document is missing or soft-deleted. It returns the number of documents reclaimed.
func (service *Service) CollectOrphanedSyncState(ctx context.Context) (int64, error) {
	var reclaimed int64
	for {
		var orphanIDs []string
		transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
			err := transaction.Model(&SyncState{}).
				Where(queryDocumentNotLive, documents.LiveDocumentIDs(transaction)).
				Limit(orphanCollectionBatchLimit).
				Pluck(fieldDocumentID, &orphanIDs).Error
			if err != nil {
				service.logError(opCollectOrphans, reasonOrphanLookupFailed, err)
				return newServiceError(opCollectOrphans, reasonOrphanLookupFailed, err)
			}
			if len(orphanIDs) == 0 {
				return nil
			}
			if err := transaction.Where(queryDocumentIn, orphanIDs).Delete(&SyncUpdate{}).Error; err != nil {
				service.logError(opCollectOrphans, reasonOrphanDeleteFailed, err)
				return newServiceError(opCollectOrphans, reasonOrphanDeleteFailed, err)
			}
			if err := transaction.Where(queryDocumentIn, orphanIDs).Delete(&SyncState{}).Error; err != nil {
				service.logError(opCollectOrphans, reasonOrphanDeleteFailed, err)
				return newServiceError(opCollectOrphans, reasonOrphanDeleteFailed, err)
			}
			return nil
		})
		if transactionError != nil {
			return reclaimed, transactionError
		}
		reclaimed += int64(len(orphanIDs))
		if len(orphanIDs) < orphanCollectionBatchLimit {
			return reclaimed, nil
		}
	}
}

// loadSyncState reads the sync row, optionally taking a row lock for the
// remainder of the transaction.
func loadSyncState(transaction *gorm.DB, documentID DocumentID, forUpdate bool) (SyncState, bool, error) {
	query := transaction
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: lockStrengthUpdate})
	}
	var record SyncState
	err := query.Where(queryDocumentID, documentID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, err
	}
	return record, true, nil
}

func loadUpdateLog(transaction *gorm.DB, documentID DocumentID) ([]string, error) {
	fragments := []string{}
	err := transaction.Model(&SyncUpdate{}).
		Where(queryDocumentID, documentID.String()).
		Order(orderPositionAsc).
		Pluck(columnFragment, &fragments).Error
	if err != nil {
		return nil, err
	}
	return fragments, nil
}

func appendFragments(transaction *gorm.DB, documentID DocumentID, startPosition int64, fragments []string) error {
	if len(fragments) == 0 {
		return nil
	}
	rows := make([]SyncUpdate, 0, len(fragments))
	for index, fragment := range fragments {
		rows = append(rows, SyncUpdate{
			DocumentID: documentID.String(),
			Position:   startPosition + int64(index),
			Fragment:   fragment,
		})
	}
	return transaction.Create(&rows).Error
}

// advanceVersion increments the version only if it still equals expected.
// It reports false when another writer moved the version first.
func advanceVersion(transaction *gorm.DB, documentID DocumentID, expected int64, caller UserID, atMillis int64, stateVector *string) (bool, error) {
	changes := map[string]any{
		columnVersion:         gorm.Expr(columnVersion + " + 1"),
		columnLastModifiedBy:  caller.String(),
		columnUpdatedAtMillis: atMillis,
	}
	if stateVector != nil {
		changes[columnStateVector] = *stateVector
	}
	updateResult := transaction.Model(&SyncState{}).
		Where(queryDocumentVersion, documentID.String(), expected).
		Updates(changes)
	if updateResult.Error != nil {
		return false, updateResult.Error
	}
	return updateResult.RowsAffected == 1, nil
}
