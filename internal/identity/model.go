package identity

import (
	"regexp"
	"strings"
	"time"
)

// DefaultRoleCode marks the role attached to newly observed identities.
const DefaultRoleCode = "user"

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,30}$`)

// Role is a master record describing a user role known to the system.
type Role struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Code            string    `gorm:"column:code;size:50;not null;uniqueIndex"`
	Name            string    `gorm:"column:name;size:100;not null"`
	Description     string    `gorm:"column:description;type:text"`
	PermissionLevel int       `gorm:"column:permission_level;not null;default:0"`
	IsActive        bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Role) TableName() string {
	return "roles"
}

// Profile mirrors an externally managed identity inside the local store.
// Rows are never physically removed; deletion events flip IsActive instead
// so role references and audit history stay intact.
type Profile struct {
	ID        string    `gorm:"column:id;primaryKey;size:36;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;uniqueIndex"`
	RoleID    int64     `gorm:"column:role_id;not null"`
	Role      *Role     `gorm:"foreignKey:RoleID"`
	Username  *string   `gorm:"column:username;size:30;uniqueIndex"`
	FullName  string    `gorm:"column:full_name;size:320;not null"`
	AvatarURL *string   `gorm:"column:avatar_url;size:512"`
	IsActive  bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "profiles"
}

// SafeUsername returns the candidate username when it satisfies the storage
// constraint (alphanumeric, hyphen, underscore, 3-30 characters) and nil
// otherwise. Upstream payloads are untrusted; an unusable value degrades to
// absent rather than failing the whole event.
func SafeUsername(candidate *string) *string {
	if candidate == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*candidate)
	if trimmed == "" {
		return nil
	}
	if !usernamePattern.MatchString(trimmed) {
		return nil
	}
	return &trimmed
}

// DeriveFullName joins the non-empty name parts with a single space and falls
// back to the external identifier when no name parts exist.
func DeriveFullName(firstName, lastName *string, externalID string) string {
	parts := make([]string, 0, 2)
	for _, part := range []*string{firstName, lastName} {
		if part == nil {
			continue
		}
		if trimmed := strings.TrimSpace(*part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return externalID
	}
	return strings.Join(parts, " ")
}
