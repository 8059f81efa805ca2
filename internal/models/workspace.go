package models

import "gorm.io/datatypes"

// Workspace is the tenancy unit: each workspace owns its own tasks,
// invoices, and exactly one chat room.
type Workspace struct {
	BaseModel

	Name        string         `gorm:"not null" json:"name"`
	Slug        string         `gorm:"uniqueIndex;not null" json:"slug"`
	OwnerUserID string         `gorm:"type:uuid;index" json:"owner_user_id"`
	Settings    datatypes.JSON `json:"settings"`

	Members []WorkspaceMember `gorm:"foreignKey:WorkspaceID" json:"members,omitempty"`
}

// WorkspaceMember links a user to a workspace with a role.
type WorkspaceMember struct {
	BaseModel

	WorkspaceID string `gorm:"type:uuid;not null;uniqueIndex:idx_workspace_user" json:"workspace_id"`
	UserID      string `gorm:"type:uuid;not null;uniqueIndex:idx_workspace_user" json:"user_id"`
	Role        string `gorm:"default:member" json:"role"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}
