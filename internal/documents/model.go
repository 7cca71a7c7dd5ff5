package documents

// Document is the owning record for collaborative sync state. Only the
// fields the access gate and timestamp propagation need are mapped here.
type Document struct {
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Title           string `gorm:"column:title;size:512;not null;default:''"`
	IsPublic        bool   `gorm:"column:is_public;not null;default:false"`
	CreatedBy       string `gorm:"column:created_by;size:190;not null;index"`
	OrganizationID  string `gorm:"column:organization_id;size:190;not null;default:'';index"`
	IsDeleted       bool   `gorm:"column:is_deleted;not null;default:false"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;default:0"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// OrganizationMember grants a user a role within an organization.
type OrganizationMember struct {
	OrganizationID string `gorm:"column:organization_id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role           string `gorm:"column:role;size:32;not null;default:'viewer'"`
}

// TableName provides the explicit table binding for GORM.
func (OrganizationMember) TableName() string {
	return "organization_members"
}
