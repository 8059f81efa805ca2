// Package directory answers the identity questions the chat gateway asks:
// is this user a member of that workspace, and what name do we show for
// them. It is the only part of the wider CRUD surface the realtime core
// touches, and it is read-only here.
package directory

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/models"
)

// ErrUserNotFound is returned when a display name lookup misses.
var ErrUserNotFound = errors.New("directory: user not found")

// Service resolves workspace membership and user display names.
type Service struct {
	db *gorm.DB
}

// NewService constructs a directory service.
func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, errors.New("directory: db is required")
	}
	return &Service{db: db}, nil
}

// IsMember reports whether the user belongs to the workspace.
func (s *Service) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.WorkspaceMember{}).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DisplayName returns the chat label for a user.
func (s *Service) DisplayName(ctx context.Context, userID string) (string, error) {
	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	return user.Name(), nil
}
