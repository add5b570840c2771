package boards

import (
	"errors"
	"fmt"
	"strings"
)

// Visibility enumerates who can discover a board.
type Visibility string

const (
	// VisibilityPublic boards are listed to every member of the tenant.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate boards are visible to their members only.
	VisibilityPrivate Visibility = "private"
	// VisibilityRestricted boards are visible to members and tenant admins.
	VisibilityRestricted Visibility = "restricted"
)

// Role enumerates the per-board role hierarchy. A user holds exactly one role
// per board; a higher role subsumes the capabilities of the lower ones.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// ErrInvalidRole indicates an unknown role value.
var ErrInvalidRole = errors.New("boards: invalid role")

// ParseRole validates raw input and returns a Role.
func ParseRole(rawInput string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(rawInput))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// ParseVisibility validates raw input and returns a Visibility.
func ParseVisibility(rawInput string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(rawInput))) {
	case VisibilityPublic:
		return VisibilityPublic, nil
	case VisibilityPrivate:
		return VisibilityPrivate, nil
	case VisibilityRestricted:
		return VisibilityRestricted, nil
	default:
		return "", fmt.Errorf("boards: invalid visibility %q", rawInput)
	}
}

// rank orders roles so that the hierarchy lives in one place. Predicates
// compare the single stored role instead of consulting separate flags.
func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Subsumes reports whether r grants at least the capabilities of other.
func (r Role) Subsumes(other Role) bool {
	return r.rank() >= other.rank()
}

// Board is a tenant-scoped container for cards.
type Board struct {
	ID               string     `gorm:"column:board_id;primaryKey;size:190;not null"`
	TenantID         string     `gorm:"column:tenant_id;size:190;not null;index:idx_boards_tenant"`
	Name             string     `gorm:"column:name;size:320;not null"`
	Visibility       Visibility `gorm:"column:visibility;size:16;not null;default:'private'"`
	LegacyMemberJSON string     `gorm:"column:legacy_member_ids;type:text;not null;default:''"`
	CreatedAtSeconds int64      `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Board) TableName() string {
	return "boards"
}

// Membership is the normalized per-(board, user) role row. It is the single
// source of truth for the role hierarchy; the legacy inline member-id arrays
// on the board row are migrated into these rows at startup.
type Membership struct {
	BoardID          string `gorm:"column:board_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_memberships_user"`
	TenantID         string `gorm:"column:tenant_id;size:190;not null"`
	Role             Role   `gorm:"column:role;size:16;not null"`
	GrantedAtSeconds int64  `gorm:"column:granted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "board_memberships"
}

// Announcement is a board-scoped post authored by an editor or owner.
type Announcement struct {
	ID               string `gorm:"column:announcement_id;primaryKey;size:190;not null"`
	TenantID         string `gorm:"column:tenant_id;size:190;not null"`
	BoardID          string `gorm:"column:board_id;size:190;not null;index:idx_announcements_board"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	Title            string `gorm:"column:title;size:320;not null"`
	Body             string `gorm:"column:body;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Announcement) TableName() string {
	return "board_announcements"
}
