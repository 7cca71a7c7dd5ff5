package collab

// SyncState stores the version register and state vector for one document.
type SyncState struct {
	DocumentID      string  `gorm:"column:document_id;primaryKey;size:190;not null"`
	Version         int64   `gorm:"column:version;not null;default:0"`
	StateVector     *string `gorm:"column:state_vector;type:text"`
	LastModifiedBy  string  `gorm:"column:last_modified_by;size:190;not null;default:''"`
	UpdatedAtMillis int64   `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "document_sync_states"
}

// SyncUpdate stores one opaque fragment of a document's update log.
// Positions are dense and start at zero.
type SyncUpdate struct {
	DocumentID string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Position   int64  `gorm:"column:position;primaryKey;autoIncrement:false;not null"`
	Fragment   string `gorm:"column:fragment;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncUpdate) TableName() string {
	return "document_sync_updates"
}

// AwarenessEntry is the SQL representation of one (document, client) presence entry.
type AwarenessEntry struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	DocumentID   string `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_awareness_document_client,priority:1"`
	ClientID     int64  `gorm:"column:client_id;not null;uniqueIndex:idx_awareness_document_client,priority:2"`
	UserID       string `gorm:"column:user_id;size:190;not null;index"`
	Payload      string `gorm:"column:payload;type:text;not null"`
	LastSeenAtMs int64  `gorm:"column:last_seen_at_ms;not null;index:idx_awareness_last_seen"`
}

// TableName provides the explicit table binding for GORM.
func (AwarenessEntry) TableName() string {
	return "document_awareness"
}

// Models lists the collab tables for schema migration.
func Models() []any {
	return []any{&SyncState{}, &SyncUpdate{}, &AwarenessEntry{}}
}
