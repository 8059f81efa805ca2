package chat

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tallyhq/tally/pkg/logger"
)

// Registry guarantees at most one live room per workspace id. Rooms are
// created lazily on first access and run until the registry is closed; this
// is the single-writer guarantee every room invariant leans on.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	store        HistoryStore
	log          *zap.Logger
	now          func() time.Time
	reapInterval time.Duration
}

// RegistryOption customises the registry.
type RegistryOption func(*Registry)

// WithReapInterval overrides the reaper cadence, primarily for tests.
func WithReapInterval(interval time.Duration) RegistryOption {
	return func(reg *Registry) {
		if interval > 0 {
			reg.reapInterval = interval
		}
	}
}

// WithClock overrides the clock rooms stamp messages and presence with.
func WithClock(now func() time.Time) RegistryOption {
	return func(reg *Registry) {
		if now != nil {
			reg.now = now
		}
	}
}

// NewRegistry constructs a room registry backed by the supplied store.
func NewRegistry(store HistoryStore, opts ...RegistryOption) *Registry {
	reg := &Registry{
		rooms:        make(map[string]*Room),
		store:        store,
		log:          logger.WithModule("chat"),
		now:          time.Now,
		reapInterval: defaultReapInterval,
	}

	for _, opt := range opts {
		opt(reg)
	}

	return reg
}

// Room resolves the room for a workspace id, creating and starting it on
// first access. The same id always maps to the same instance.
func (reg *Registry) Room(workspaceID string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.closed {
		return nil, ErrRoomClosed
	}

	if room, ok := reg.rooms[workspaceID]; ok {
		return room, nil
	}

	room := newRoom(workspaceID, reg.store, reg.log, reg.now, reg.reapInterval)
	reg.rooms[workspaceID] = room
	go room.run()

	reg.log.Debug("room created", zap.String("workspace_id", workspaceID))
	return room, nil
}

// Close stops every room, waiting for their loops to exit. Further Room
// calls fail with ErrRoomClosed.
func (reg *Registry) Close() {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return
	}
	reg.closed = true
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.Unlock()

	for _, room := range rooms {
		room.stop()
	}
}
