package models

import (
	"time"

	"gorm.io/datatypes"
)

// ChatLog stores the bounded message history for one workspace room.
// The owning room is the only writer; the row is replaced wholesale on
// each append (last-writer-wins).
type ChatLog struct {
	WorkspaceID string         `gorm:"primaryKey;type:uuid"`
	Messages    datatypes.JSON `json:"messages"`
	UpdatedAt   time.Time      `gorm:"index"`
}
