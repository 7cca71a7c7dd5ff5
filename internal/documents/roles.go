package documents

import "strings"

// Role names an organization membership level.
type Role string

// AccessMode is the kind of access requested on a document.
type AccessMode string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	AccessRead  AccessMode = "read"
	AccessWrite AccessMode = "write"
)

// CanAccess reports whether the role grants the requested mode.
func CanAccess(role Role, mode AccessMode) bool {
	switch role {
	case RoleAdmin, RoleEditor:
		return mode == AccessRead || mode == AccessWrite
	case RoleViewer:
		return mode == AccessRead
	default:
		return false
	}
}

// NormalizeRole maps stored role strings onto known roles, defaulting to viewer.
func NormalizeRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleEditor:
		return RoleEditor
	default:
		return RoleViewer
	}
}
