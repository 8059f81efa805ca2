package chat

import (
	"context"
	"errors"
)

// HistoryStore is the durable key-value contract a room uses to survive
// restarts. Each key is written only by its owning room (last-writer-wins);
// Load returning an empty slice and nil error means no history yet.
type HistoryStore interface {
	Load(ctx context.Context, workspaceID string) ([]Message, error)
	Save(ctx context.Context, workspaceID string, messages []Message) error
}

// ErrRoomClosed is returned when an operation reaches a room that has been
// shut down by its registry.
var ErrRoomClosed = errors.New("chat: room closed")
