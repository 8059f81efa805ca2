package models

import "time"

// User describes platform users referenced by workspace memberships and chat.
type User struct {
	BaseModel

	Username    string `gorm:"uniqueIndex;not null" json:"username"`
	Email       string `gorm:"uniqueIndex;not null" json:"email"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`

	IsActive bool `gorm:"default:true" json:"is_active"`

	LastSeenAt *time.Time `json:"last_seen_at"`
}

// Name returns the label shown in chat, preferring the display name.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
