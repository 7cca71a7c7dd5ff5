package collab

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/users"
	"go.uber.org/zap"
)

const (
	opUpdateAwareness          = "collab.update_awareness"
	opGetAwareness             = "collab.get_awareness"
	opRemoveAwareness          = "collab.remove_awareness"
	opCleanupStaleAwareness    = "collab.cleanup_stale_awareness"
	fieldClientID              = "client_id"
	fieldDeleted               = "deleted"
	reasonInvalidClientID      = "invalid_client_id"
	reasonPresenceWriteFailed  = "presence_write_failed"
	reasonPresenceReadFailed   = "presence_read_failed"
	reasonPresenceDeleteFailed = "presence_delete_failed"
	reasonProfileLookupFailed  = "profile_lookup_failed"
	anonymousUserName          = "Anonymous"
)

// UpdateAwareness upserts the caller's presence entry for (documentID, clientID).
func (service *Service) UpdateAwareness(ctx context.Context, caller UserID, documentID DocumentID, clientID ClientID, payload string) error {
	if err := service.requireAccess(ctx, opUpdateAwareness, caller, documentID, documents.AccessRead); err != nil {
		return err
	}
	if clientID < 0 {
		return newServiceError(opUpdateAwareness, reasonInvalidClientID,
			fmt.Errorf("%w: negative client id %d", ErrInvalidInput, clientID))
	}

	record := PresenceRecord{
		DocumentID:   documentID.String(),
		ClientID:     clientID.Int64(),
		UserID:       caller.String(),
		Payload:      payload,
		LastSeenAtMs: service.now().UnixMilli(),
	}
	if err := service.presence.Upsert(ctx, record); err != nil {
		service.logError(opUpdateAwareness, reasonPresenceWriteFailed, err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.Int64(fieldClientID, clientID.Int64()))
		return newServiceError(opUpdateAwareness, reasonPresenceWriteFailed, err)
	}
	service.notify(documentID, EventAwarenessChanged)
	return nil
}

// GetAwareness lists the document's presence entries ordered by client id,
// flagged for the caller and enriched with profile details.
func (service *Service) GetAwareness(ctx context.Context, caller UserID, documentID DocumentID) ([]AwarenessView, error) {
	if err := service.requireAccess(ctx, opGetAwareness, caller, documentID, documents.AccessRead); err != nil {
		return nil, err
	}

	records, err := service.presence.ListByDocument(ctx, documentID.String())
	if err != nil {
		service.logError(opGetAwareness, reasonPresenceReadFailed, err,
			zap.String(fieldDocumentID, documentID.String()))
		return nil, newServiceError(opGetAwareness, reasonPresenceReadFailed, err)
	}

	if service.filterStaleReads {
		cutoff := service.staleCutoffMillis()
		fresh := records[:0]
		for _, record := range records {
			if record.LastSeenAtMs > cutoff {
				fresh = append(fresh, record)
			}
		}
		records = fresh
	}

	profiles := service.lookupProfiles(ctx, records)
	views := make([]AwarenessView, 0, len(records))
	for _, record := range records {
		view := AwarenessView{
			UserID:        record.UserID,
			ClientID:      record.ClientID,
			Payload:       record.Payload,
			UserName:      anonymousUserName,
			IsCurrentUser: record.UserID == caller.String(),
			LastSeenAtMs:  record.LastSeenAtMs,
		}
		if profile, ok := profiles[record.UserID]; ok {
			if profile.DisplayName != "" {
				view.UserName = profile.DisplayName
			}
			view.UserImage = profile.AvatarURL
		}
		views = append(views, view)
	}
	return views, nil
}

// lookupProfiles degrades to anonymous entries when the directory fails.
func (service *Service) lookupProfiles(ctx context.Context, records []PresenceRecord) map[string]users.Profile {
	if service.profiles == nil || len(records) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(records))
	userIDs := make([]string, 0, len(records))
	for _, record := range records {
		if _, ok := seen[record.UserID]; ok {
			continue
		}
		seen[record.UserID] = struct{}{}
		userIDs = append(userIDs, record.UserID)
	}
	profiles, err := service.profiles.Profiles(ctx, userIDs)
	if err != nil {
		service.loggerOrDefault().Warn("awareness profile lookup failed",
			zap.String("operation", opGetAwareness),
			zap.String("reason", reasonProfileLookupFailed),
			zap.Error(err))
		return nil
	}
	return profiles
}

// RemoveAwareness deletes the caller's own presence entries for the document.
// It succeeds when nothing matches.
func (service *Service) RemoveAwareness(ctx context.Context, caller UserID, documentID DocumentID) error {
	if caller == "" {
		return newServiceError(opRemoveAwareness, "unauthenticated", ErrUnauthenticated)
	}
	if documentID == "" {
		return newServiceError(opRemoveAwareness, "invalid_document_id", fmt.Errorf("%w: empty document id", ErrInvalidInput))
	}

	deleted, err := service.presence.DeleteForUser(ctx, documentID.String(), caller.String())
	if err != nil {
		service.logError(opRemoveAwareness, reasonPresenceDeleteFailed, err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldUserID, caller.String()))
		return newServiceError(opRemoveAwareness, reasonPresenceDeleteFailed, err)
	}
	if deleted > 0 {
		service.notify(documentID, EventAwarenessChanged)
	}
	return nil
}

// CleanupStaleAwareness deletes every entry last seen at or before the
// staleness cutoff. Each delete re-checks the cutoff, so entries refreshed
// after the candidate scan survive.
func (service *Service) CleanupStaleAwareness(ctx context.Context) (CleanupResult, error) {
	cutoff := service.staleCutoffMillis()
	touchedDocuments := make(map[string]struct{})
	var deleted int64

	for {
		candidates, err := service.presence.ListStale(ctx, cutoff, service.sweepBatchSize)
		if err != nil {
			service.logError(opCleanupStaleAwareness, reasonPresenceReadFailed, err)
			return CleanupResult{Deleted: deleted}, newServiceError(opCleanupStaleAwareness, reasonPresenceReadFailed, err)
		}

		var batchDeleted int64
		for _, candidate := range candidates {
			removed, err := service.presence.DeleteIfStale(ctx, candidate, cutoff)
			if err != nil {
				service.logError(opCleanupStaleAwareness, reasonPresenceDeleteFailed, err,
					zap.String(fieldDocumentID, candidate.DocumentID),
					zap.Int64(fieldClientID, candidate.ClientID))
				return CleanupResult{Deleted: deleted}, newServiceError(opCleanupStaleAwareness, reasonPresenceDeleteFailed, err)
			}
			if removed {
				batchDeleted++
				touchedDocuments[candidate.DocumentID] = struct{}{}
			}
		}
		deleted += batchDeleted

		if len(candidates) < service.sweepBatchSize || batchDeleted == 0 {
			break
		}
	}

	for documentID := range touchedDocuments {
		service.notify(DocumentID(documentID), EventAwarenessChanged)
	}
	if deleted > 0 {
		service.loggerOrDefault().Info("stale awareness swept", zap.Int64(fieldDeleted, deleted))
	}
	return CleanupResult{Deleted: deleted}, nil
}

func (service *Service) staleCutoffMillis() int64 {
	return service.now().Add(-service.staleAfter).UnixMilli()
}
