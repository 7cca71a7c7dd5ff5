package collab

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnClientID       = "client_id"
	columnPayload        = "payload"
	columnLastSeenAtMs   = "last_seen_at_ms"
	orderLastSeenAsc     = columnLastSeenAtMs + " ASC"
	queryDocumentUser    = fieldDocumentID + " = ? AND " + fieldUserID + " = ?"
	queryStaleBefore     = columnLastSeenAtMs + " <= ?"
	queryStaleDocClient  = fieldDocumentID + " = ? AND " + columnClientID + " = ? AND " + columnLastSeenAtMs + " <= ?"
	orderClientIDAsc     = columnClientID + " ASC"
	presenceSelectFields = fieldDocumentID + ", " + columnClientID
)

// PresenceRecord is one stored awareness entry.
type PresenceRecord struct {
	DocumentID   string
	ClientID     int64
	UserID       string
	Payload      string
	LastSeenAtMs int64
}

// PresenceKey addresses one awareness entry.
type PresenceKey struct {
	DocumentID string
	ClientID   int64
}

// PresenceStore persists awareness entries keyed by (document, client).
//
// Upsert writes the whole entry, user included, so the latest writer owns it.
// DeleteIfStale must re-check the cutoff atomically with the delete.
type PresenceStore interface {
	Upsert(ctx context.Context, record PresenceRecord) error
	ListByDocument(ctx context.Context, documentID string) ([]PresenceRecord, error)
	DeleteForUser(ctx context.Context, documentID, userID string) (int64, error)
	ListStale(ctx context.Context, cutoffMs int64, limit int) ([]PresenceKey, error)
	DeleteIfStale(ctx context.Context, key PresenceKey, cutoffMs int64) (bool, error)
}

// SQLPresenceStore keeps awareness entries in the document_awareness table.
type SQLPresenceStore struct {
	db *gorm.DB
}

// NewSQLPresenceStore constructs a presence store over the provided database.
func NewSQLPresenceStore(db *gorm.DB) *SQLPresenceStore {
	return &SQLPresenceStore{db: db}
}

// Upsert implements PresenceStore.
func (store *SQLPresenceStore) Upsert(ctx context.Context, record PresenceRecord) error {
	entry := AwarenessEntry{
		DocumentID:   record.DocumentID,
		ClientID:     record.ClientID,
		UserID:       record.UserID,
		Payload:      record.Payload,
		LastSeenAtMs: record.LastSeenAtMs,
	}
	return store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldDocumentID}, {Name: columnClientID}},
		DoUpdates: clause.AssignmentColumns([]string{fieldUserID, columnPayload, columnLastSeenAtMs}),
	}).Create(&entry).Error
}

// ListByDocument implements PresenceStore.
func (store *SQLPresenceStore) ListByDocument(ctx context.Context, documentID string) ([]PresenceRecord, error) {
	var entries []AwarenessEntry
	err := store.db.WithContext(ctx).
		Where(queryDocumentID, documentID).
		Order(orderClientIDAsc).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	records := make([]PresenceRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, PresenceRecord{
			DocumentID:   entry.DocumentID,
			ClientID:     entry.ClientID,
			UserID:       entry.UserID,
			Payload:      entry.Payload,
			LastSeenAtMs: entry.LastSeenAtMs,
		})
	}
	return records, nil
}

// DeleteForUser implements PresenceStore.
func (store *SQLPresenceStore) DeleteForUser(ctx context.Context, documentID, userID string) (int64, error) {
	result := store.db.WithContext(ctx).
		Where(queryDocumentUser, documentID, userID).
		Delete(&AwarenessEntry{})
	return result.RowsAffected, result.Error
}

// ListStale implements PresenceStore.
func (store *SQLPresenceStore) ListStale(ctx context.Context, cutoffMs int64, limit int) ([]PresenceKey, error) {
	var entries []AwarenessEntry
	err := store.db.WithContext(ctx).
		Select(presenceSelectFields).
		Where(queryStaleBefore, cutoffMs).
		Order(orderLastSeenAsc).
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	keys := make([]PresenceKey, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, PresenceKey{DocumentID: entry.DocumentID, ClientID: entry.ClientID})
	}
	return keys, nil
}

// DeleteIfStale implements PresenceStore.
func (store *SQLPresenceStore) DeleteIfStale(ctx context.Context, key PresenceKey, cutoffMs int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Where(queryStaleDocClient, key.DocumentID, key.ClientID, cutoffMs).
		Delete(&AwarenessEntry{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
