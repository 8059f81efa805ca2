package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tallyhq/tally/pkg/metrics"
)

const (
	// HistoryCap bounds the in-memory and persisted message log; the oldest
	// entries are dropped on overflow.
	HistoryCap = 1000

	// historyOnAttach is how many trailing messages a joining session receives.
	historyOnAttach = 50

	defaultReapInterval = 60 * time.Second
	storeTimeout        = 5 * time.Second
)

// Identity carries the authenticated caller attributes a session is bound to.
type Identity struct {
	UserID   string
	UserName string
}

// Snapshot is the polling-fallback view of a room: trailing messages plus
// the current presence set.
type Snapshot struct {
	Messages    []Message    `json:"messages"`
	OnlineUsers []OnlineUser `json:"onlineUsers"`
}

// Room coordinates one workspace's chat. All state is owned by a single
// goroutine fed through the commands channel, so events are processed one at
// a time and no locks guard sessions, presence, or history.
type Room struct {
	workspaceID  string
	store        HistoryStore
	log          *zap.Logger
	now          func() time.Time
	reapInterval time.Duration

	commands chan any
	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	// Owned by the run loop.
	sessions []*Session
	online   map[string]OnlineUser
	history  []Message
}

type attachCmd struct {
	session *Session
}

type detachCmd struct {
	session *Session
	reason  string
}

type inboundCmd struct {
	session *Session
	frame   ClientFrame
}

type snapshotCmd struct {
	limit int
	reply chan Snapshot
}

func newRoom(workspaceID string, store HistoryStore, log *zap.Logger, now func() time.Time, reapInterval time.Duration) *Room {
	if now == nil {
		now = time.Now
	}
	if reapInterval <= 0 {
		reapInterval = defaultReapInterval
	}

	return &Room{
		workspaceID:  workspaceID,
		store:        store,
		log:          log.With(zap.String("workspace_id", workspaceID)),
		now:          now,
		reapInterval: reapInterval,
		commands:     make(chan any, 32),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		online:       make(map[string]OnlineUser),
	}
}

// run is the room's event loop. History is loaded before the first command is
// taken, so no inbound event observes an unseeded log.
func (r *Room) run() {
	defer close(r.stopped)

	r.loadHistory()

	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-r.commands:
			r.dispatch(cmd)
		case <-ticker.C:
			r.reapBrokenSessions()
		case <-r.done:
			r.shutdown()
			return
		}
	}
}

func (r *Room) loadHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	messages, err := r.store.Load(ctx, r.workspaceID)
	if err != nil {
		// Degrade to an empty log instead of refusing the room.
		r.log.Warn("history load failed, starting empty", zap.Error(err))
		return
	}

	if len(messages) > HistoryCap {
		messages = messages[len(messages)-HistoryCap:]
	}
	r.history = messages
	r.log.Debug("history loaded", zap.Int("messages", len(messages)))
}

func (r *Room) dispatch(cmd any) {
	switch c := cmd.(type) {
	case attachCmd:
		r.attach(c.session)
	case detachCmd:
		r.detach(c.session, c.reason)
	case inboundCmd:
		r.handleInbound(c.session, c.frame)
	case snapshotCmd:
		c.reply <- r.snapshot(c.limit)
	}
}

// Serve binds an upgraded connection to this room and blocks until the
// connection ends. The attach command is queued before the read loop starts,
// so a session never delivers an event ahead of its own registration.
func (r *Room) Serve(conn *websocket.Conn, identity Identity) {
	session := newSession(r, conn, uuid.NewString(), identity.UserID, identity.UserName, r.now())

	if !r.post(attachCmd{session: session}) {
		_ = conn.Close()
		return
	}

	go session.writeLoop()
	session.readLoop(r.log)

	if !r.post(detachCmd{session: session, reason: "connection closed"}) {
		session.close()
	}
}

// Snapshot returns the last limit messages and current presence, answered
// through the room loop so it serializes with inbound events.
func (r *Room) Snapshot(ctx context.Context, limit int) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !r.post(snapshotCmd{limit: limit, reply: reply}) {
		return Snapshot{}, ErrRoomClosed
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-r.done:
		return Snapshot{}, ErrRoomClosed
	}
}

func (r *Room) inbound(session *Session, frame ClientFrame) {
	r.post(inboundCmd{session: session, frame: frame})
}

func (r *Room) post(cmd any) bool {
	select {
	case r.commands <- cmd:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	<-r.stopped
}

func (r *Room) attach(session *Session) {
	r.sessions = append(r.sessions, session)
	if _, ok := r.online[session.userID]; !ok {
		r.online[session.userID] = OnlineUser{
			UserID:   session.userID,
			UserName: session.userName,
			JoinedAt: session.joinedAt,
		}
	}
	metrics.ChatSessions.WithLabelValues(r.workspaceID).Set(float64(len(r.sessions)))

	r.broadcast(FrameUserJoined, encodeFrame(presenceChangeFrame{
		Type:        FrameUserJoined,
		UserID:      session.userID,
		UserName:    session.userName,
		OnlineUsers: r.presence(),
	}), session)

	session.trySend(encodeFrame(historyFrame{Type: FrameHistory, Messages: r.tail(historyOnAttach)}))
	session.trySend(encodeFrame(onlineUsersFrame{Type: FrameOnlineUsers, OnlineUsers: r.presence()}))

	r.log.Debug("session attached",
		zap.String("session_id", session.id),
		zap.String("user_id", session.userID),
		zap.Int("sessions", len(r.sessions)),
	)
}

func (r *Room) handleInbound(session *Session, frame ClientFrame) {
	switch frame.Type {
	case FrameMessage:
		r.appendMessage(session, frame.Content)
	case FrameTyping:
		r.broadcast(FrameTyping, encodeFrame(typingFrame{
			Type:     FrameTyping,
			UserID:   session.userID,
			UserName: session.userName,
		}), session)
	case FramePing:
		session.trySend(encodeFrame(pongFrame{Type: FramePong}))
	default:
		session.trySend(encodeFrame(errorFrame{Type: FrameError, Message: "unsupported frame type"}))
	}
}

// appendMessage persists the grown log before anything is broadcast, so a
// message is never visible to clients unless it is durable. A failed write
// fails only this event: the sender gets an error frame and the log is left
// as it was.
func (r *Room) appendMessage(session *Session, content string) {
	message := Message{
		ID:        uuid.NewString(),
		UserID:    session.userID,
		UserName:  session.userName,
		Content:   content,
		Timestamp: r.now().UTC(),
		Kind:      KindMessage,
	}

	next := append(r.history, message)
	if len(next) > HistoryCap {
		trimmed := make([]Message, HistoryCap)
		copy(trimmed, next[len(next)-HistoryCap:])
		next = trimmed
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := r.store.Save(ctx, r.workspaceID, next); err != nil {
		metrics.ChatPersistFailures.Inc()
		r.log.Warn("message persist failed",
			zap.String("message_id", message.ID),
			zap.Error(err),
		)
		session.trySend(encodeFrame(errorFrame{Type: FrameError, Message: "message could not be saved"}))
		return
	}

	r.history = next
	r.broadcast(FrameNewMessage, encodeFrame(newMessageFrame{Type: FrameNewMessage, Message: message}), nil)
}

// detach removes the session from the registry and presence and announces it
// once. Invoking it again for the same session is a no-op. The departure is
// only announced when the user's last session went away; closing one of
// several sessions leaves presence untouched and stays silent.
func (r *Room) detach(session *Session, reason string) {
	if !r.remove(session) {
		return
	}

	if _, stillOnline := r.online[session.userID]; !stillOnline {
		r.broadcast(FrameUserLeft, encodeFrame(presenceChangeFrame{
			Type:        FrameUserLeft,
			UserID:      session.userID,
			UserName:    session.userName,
			OnlineUsers: r.presence(),
		}), session)
	}

	r.log.Debug("session detached",
		zap.String("session_id", session.id),
		zap.String("user_id", session.userID),
		zap.String("reason", reason),
		zap.Int("sessions", len(r.sessions)),
	)
}

// remove drops a session from both collections without announcing it.
// Reports false when the session was already removed.
func (r *Room) remove(session *Session) bool {
	idx := -1
	for i, s := range r.sessions {
		if s == session {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	session.close()
	r.sessions = append(r.sessions[:idx], r.sessions[idx+1:]...)

	if !r.userHasLiveSession(session.userID) {
		delete(r.online, session.userID)
	}
	metrics.ChatSessions.WithLabelValues(r.workspaceID).Set(float64(len(r.sessions)))
	return true
}

func (r *Room) userHasLiveSession(userID string) bool {
	for _, s := range r.sessions {
		if s.userID == userID {
			return true
		}
	}
	return false
}

// broadcast sends one pre-serialized frame to every session except the
// excluded one. A failed send marks that session quit without aborting
// delivery to the rest; quit sessions are compacted away afterwards.
func (r *Room) broadcast(frameType string, payload []byte, exclude *Session) {
	for _, s := range r.sessions {
		if s == exclude {
			continue
		}
		if !s.trySend(payload) {
			s.markBroken()
		}
	}
	metrics.ChatBroadcasts.WithLabelValues(frameType).Inc()

	r.compact()
}

// compact detaches sessions whose transport broke during fan-out. Each
// detach may itself mark further sessions broken; the set strictly shrinks,
// so the recursion terminates.
func (r *Room) compact() {
	for _, s := range append([]*Session(nil), r.sessions...) {
		if s.Broken() {
			r.detach(s, "send failure")
		}
	}
}

// reapBrokenSessions removes every session whose transport is no longer
// open. Removals are announced once, in a single batched broadcast; a sweep
// that finds nothing broadcasts nothing.
func (r *Room) reapBrokenSessions() {
	var removed []*Session
	for _, s := range append([]*Session(nil), r.sessions...) {
		if s.Broken() && r.remove(s) {
			removed = append(removed, s)
		}
	}
	if len(removed) == 0 {
		return
	}

	metrics.ChatReapedSessions.Add(float64(len(removed)))
	r.log.Info("reaped broken sessions", zap.Int("count", len(removed)))

	if len(removed) == 1 {
		s := removed[0]
		if _, stillOnline := r.online[s.userID]; stillOnline {
			return
		}
		r.broadcast(FrameUserLeft, encodeFrame(presenceChangeFrame{
			Type:        FrameUserLeft,
			UserID:      s.userID,
			UserName:    s.userName,
			OnlineUsers: r.presence(),
		}), nil)
		return
	}

	r.broadcast(FrameOnlineUsers, encodeFrame(onlineUsersFrame{
		Type:        FrameOnlineUsers,
		OnlineUsers: r.presence(),
	}), nil)
}

func (r *Room) snapshot(limit int) Snapshot {
	return Snapshot{
		Messages:    r.tail(limit),
		OnlineUsers: r.presence(),
	}
}

func (r *Room) shutdown() {
	for _, s := range append([]*Session(nil), r.sessions...) {
		r.remove(s)
	}
	r.log.Debug("room stopped")
}

// presence returns the online set ordered by join time. The slice is a copy;
// callers may hold it beyond the current event.
func (r *Room) presence() []OnlineUser {
	users := lo.Values(r.online)
	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].UserID < users[j].UserID
		}
		return users[i].JoinedAt.Before(users[j].JoinedAt)
	})
	return users
}

// tail returns a copy of the last limit messages.
func (r *Room) tail(limit int) []Message {
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]Message, limit)
	copy(out, r.history[len(r.history)-limit:])
	return out
}
