// Package chatlog provides the durable backends for per-workspace chat
// history. Both backends store the full bounded log under the workspace key
// with last-writer-wins semantics; the owning room is the only writer.
package chatlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tallyhq/tally/internal/chat"
	"github.com/tallyhq/tally/internal/models"
)

// DatabaseStore keeps chat logs in the primary SQL database as one JSON row
// per workspace.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore constructs a database-backed chat log store.
func NewDatabaseStore(db *gorm.DB) (*DatabaseStore, error) {
	if db == nil {
		return nil, errors.New("chatlog: db is required")
	}
	return &DatabaseStore{db: db}, nil
}

// Load returns the persisted log for a workspace, or an empty log when no
// row exists yet.
func (s *DatabaseStore) Load(ctx context.Context, workspaceID string) ([]chat.Message, error) {
	var row models.ChatLog
	err := s.db.WithContext(ctx).Take(&row, "workspace_id = ?", workspaceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chatlog: load %s: %w", workspaceID, err)
	}

	if len(row.Messages) == 0 {
		return nil, nil
	}

	var messages []chat.Message
	if err := json.Unmarshal(row.Messages, &messages); err != nil {
		return nil, fmt.Errorf("chatlog: decode %s: %w", workspaceID, err)
	}
	return messages, nil
}

// Save replaces the workspace's log wholesale.
func (s *DatabaseStore) Save(ctx context.Context, workspaceID string, messages []chat.Message) error {
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("chatlog: encode %s: %w", workspaceID, err)
	}

	row := models.ChatLog{
		WorkspaceID: workspaceID,
		Messages:    payload,
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"messages", "updated_at"}),
		}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("chatlog: save %s: %w", workspaceID, err)
	}
	return nil
}

// PruneIdle deletes logs not written since the cutoff. Used by maintenance.
func (s *DatabaseStore) PruneIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("updated_at < ?", cutoff).
		Delete(&models.ChatLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("chatlog: prune: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Close is a no-op; the underlying database handle is owned by the caller.
func (s *DatabaseStore) Close() error { return nil }
