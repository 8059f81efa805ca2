package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryStore is an in-memory HistoryStore with a switchable failure mode.
type memoryStore struct {
	mu      sync.Mutex
	logs    map[string][]Message
	saveErr error
	loadErr error
	saves   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{logs: make(map[string][]Message)}
}

func (s *memoryStore) Load(_ context.Context, workspaceID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]Message(nil), s.logs[workspaceID]...), nil
}

func (s *memoryStore) Save(_ context.Context, workspaceID string, messages []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.logs[workspaceID] = append([]Message(nil), messages...)
	s.saves++
	return nil
}

func (s *memoryStore) stored(workspaceID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.logs[workspaceID]...)
}

func (s *memoryStore) failSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func seedMessages(count int) []Message {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	messages := make([]Message, count)
	for i := range messages {
		messages[i] = Message{
			ID:        uuid.NewString(),
			UserID:    "user-seed",
			UserName:  "Seed User",
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Kind:      KindMessage,
		}
	}
	return messages
}

// roomHarness runs a room behind a real websocket endpoint so tests exercise
// the same transport path production uses.
type roomHarness struct {
	t      *testing.T
	room   *Room
	server *httptest.Server
}

func newRoomHarness(t *testing.T, store HistoryStore) *roomHarness {
	t.Helper()

	room := newRoom("ws-1", store, zap.NewNop(), time.Now, time.Hour)
	go room.run()
	t.Cleanup(room.stop)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		room.Serve(conn, Identity{
			UserID:   r.Header.Get("X-User-Id"),
			UserName: r.Header.Get("X-User-Name"),
		})
	}))
	t.Cleanup(server.Close)

	return &roomHarness{t: t, room: room, server: server}
}

func (h *roomHarness) dial(userID, userName string) *websocket.Conn {
	h.t.Helper()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	header := http.Header{}
	header.Set("X-User-Id", userID)
	header.Set("X-User-Name", userName)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(h.t, err)
	if resp != nil {
		resp.Body.Close()
	}
	h.t.Cleanup(func() { conn.Close() })
	return conn
}

// wsPipe returns both ends of a real websocket connection for tests that
// drive room state directly.
func wsPipe(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	select {
	case server = <-serverConns:
	case <-time.After(5 * time.Second):
		t.Fatal("server connection never arrived")
	}

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// drainFrameTypes empties a session's send buffer and returns the frame types
// queued in order.
func drainFrameTypes(t *testing.T, s *Session) []string {
	t.Helper()

	var types []string
	for {
		select {
		case payload := <-s.send:
			var envelope struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(payload, &envelope))
			types = append(types, envelope.Type)
		default:
			return types
		}
	}
}

// readFrame blocks for the next frame and returns its type plus raw payload.
func readFrame(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(payload, &envelope))
	return envelope.Type, payload
}

// awaitFrame reads until a frame of the wanted type arrives, failing if a
// different unexpected type shows up first.
func awaitFrame(t *testing.T, conn *websocket.Conn, want string) []byte {
	t.Helper()

	for i := 0; i < 10; i++ {
		frameType, payload := readFrame(t, conn)
		if frameType == want {
			return payload
		}
	}
	t.Fatalf("frame %q never arrived", want)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame ClientFrame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func TestAttachDeliversHistoryThenPresence(t *testing.T) {
	store := newMemoryStore()
	store.logs["ws-1"] = seedMessages(3)

	harness := newRoomHarness(t, store)
	conn := harness.dial("user-1", "Ada")

	frameType, payload := readFrame(t, conn)
	require.Equal(t, FrameHistory, frameType)

	var history struct {
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(payload, &history))
	require.Len(t, history.Messages, 3)
	require.Equal(t, "message 0", history.Messages[0].Content)
	require.Equal(t, "message 2", history.Messages[2].Content)

	frameType, payload = readFrame(t, conn)
	require.Equal(t, FrameOnlineUsers, frameType)

	var online struct {
		OnlineUsers []OnlineUser `json:"onlineUsers"`
	}
	require.NoError(t, json.Unmarshal(payload, &online))
	require.Len(t, online.OnlineUsers, 1)
	require.Equal(t, "user-1", online.OnlineUsers[0].UserID)
	require.Equal(t, "Ada", online.OnlineUsers[0].UserName)
}

func TestAttachLimitsHistoryFrame(t *testing.T) {
	store := newMemoryStore()
	store.logs["ws-1"] = seedMessages(historyOnAttach + 25)

	harness := newRoomHarness(t, store)
	conn := harness.dial("user-1", "Ada")

	payload := awaitFrame(t, conn, FrameHistory)

	var history struct {
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(payload, &history))
	require.Len(t, history.Messages, historyOnAttach)
	// Oldest of the delivered slice is 25 in, newest is the final seed.
	require.Equal(t, "message 25", history.Messages[0].Content)
	require.Equal(t, fmt.Sprintf("message %d", historyOnAttach+24), history.Messages[historyOnAttach-1].Content)
}

func TestUserJoinedBroadcastExcludesNewcomer(t *testing.T) {
	harness := newRoomHarness(t, newMemoryStore())

	first := harness.dial("user-1", "Ada")
	awaitFrame(t, first, FrameOnlineUsers)

	second := harness.dial("user-2", "Grace")

	payload := awaitFrame(t, first, FrameUserJoined)
	var joined struct {
		UserID      string       `json:"userId"`
		UserName    string       `json:"userName"`
		OnlineUsers []OnlineUser `json:"onlineUsers"`
	}
	require.NoError(t, json.Unmarshal(payload, &joined))
	require.Equal(t, "user-2", joined.UserID)
	require.Equal(t, "Grace", joined.UserName)
	require.Len(t, joined.OnlineUsers, 2)

	// The newcomer's first frames are its own history and presence; it must
	// not see a user_joined for itself.
	frameType, _ := readFrame(t, second)
	require.Equal(t, FrameHistory, frameType)
	frameType, _ = readFrame(t, second)
	require.Equal(t, FrameOnlineUsers, frameType)
}

func TestMessageBroadcastIncludesSenderAndPersistsFirst(t *testing.T) {
	store := newMemoryStore()
	harness := newRoomHarness(t, store)

	sender := harness.dial("user-1", "Ada")
	awaitFrame(t, sender, FrameOnlineUsers)
	receiver := harness.dial("user-2", "Grace")
	awaitFrame(t, receiver, FrameOnlineUsers)

	sendFrame(t, sender, ClientFrame{Type: FrameMessage, Content: "hello room"})

	for _, conn := range []*websocket.Conn{sender, receiver} {
		payload := awaitFrame(t, conn, FrameNewMessage)
		var frame struct {
			Message Message `json:"message"`
		}
		require.NoError(t, json.Unmarshal(payload, &frame))
		require.Equal(t, "hello room", frame.Message.Content)
		require.Equal(t, "user-1", frame.Message.UserID)
		require.Equal(t, "Ada", frame.Message.UserName)
		require.Equal(t, KindMessage, frame.Message.Kind)
		require.NotEmpty(t, frame.Message.ID)
		require.False(t, frame.Message.Timestamp.IsZero())
	}

	stored := store.stored("ws-1")
	require.Len(t, stored, 1)
	require.Equal(t, "hello room", stored[0].Content)
}

func TestPersistFailureLeavesLogUntouched(t *testing.T) {
	store := newMemoryStore()
	harness := newRoomHarness(t, store)

	sender := harness.dial("user-1", "Ada")
	awaitFrame(t, sender, FrameOnlineUsers)

	store.failSaves(errors.New("disk full"))
	sendFrame(t, sender, ClientFrame{Type: FrameMessage, Content: "doomed"})

	payload := awaitFrame(t, sender, FrameError)
	var errFrame struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(payload, &errFrame))
	require.Equal(t, "message could not be saved", errFrame.Message)

	snap, err := harness.room.Snapshot(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, snap.Messages)
	require.Empty(t, store.stored("ws-1"))

	// The room keeps working after a failed write.
	store.failSaves(nil)
	sendFrame(t, sender, ClientFrame{Type: FrameMessage, Content: "recovered"})
	awaitFrame(t, sender, FrameNewMessage)

	snap, err = harness.room.Snapshot(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, "recovered", snap.Messages[0].Content)
}

func TestTypingBroadcastExcludesSender(t *testing.T) {
	harness := newRoomHarness(t, newMemoryStore())

	typer := harness.dial("user-1", "Ada")
	awaitFrame(t, typer, FrameOnlineUsers)
	watcher := harness.dial("user-2", "Grace")
	awaitFrame(t, watcher, FrameOnlineUsers)
	awaitFrame(t, typer, FrameUserJoined)

	sendFrame(t, typer, ClientFrame{Type: FrameTyping})

	payload := awaitFrame(t, watcher, FrameTyping)
	var typing struct {
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}
	require.NoError(t, json.Unmarshal(payload, &typing))
	require.Equal(t, "user-1", typing.UserID)
	require.Equal(t, "Ada", typing.UserName)

	// A ping answered with a pong proves no typing frame was queued ahead of
	// it for the sender.
	sendFrame(t, typer, ClientFrame{Type: FramePing})
	frameType, _ := readFrame(t, typer)
	require.Equal(t, FramePong, frameType)
}

func TestPingAnsweredWithPong(t *testing.T) {
	harness := newRoomHarness(t, newMemoryStore())

	conn := harness.dial("user-1", "Ada")
	awaitFrame(t, conn, FrameOnlineUsers)

	sendFrame(t, conn, ClientFrame{Type: FramePing})
	frameType, _ := readFrame(t, conn)
	require.Equal(t, FramePong, frameType)
}

func TestMalformedFrameGetsErrorNotDisconnect(t *testing.T) {
	harness := newRoomHarness(t, newMemoryStore())

	conn := harness.dial("user-1", "Ada")
	awaitFrame(t, conn, FrameOnlineUsers)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	frameType, _ := readFrame(t, conn)
	require.Equal(t, FrameError, frameType)

	// Connection survives; a valid frame still round-trips.
	sendFrame(t, conn, ClientFrame{Type: FramePing})
	frameType, _ = readFrame(t, conn)
	require.Equal(t, FramePong, frameType)
}

func TestDisconnectBroadcastsUserLeftOnce(t *testing.T) {
	harness := newRoomHarness(t, newMemoryStore())

	stayer := harness.dial("user-1", "Ada")
	awaitFrame(t, stayer, FrameOnlineUsers)
	leaver := harness.dial("user-2", "Grace")
	awaitFrame(t, stayer, FrameUserJoined)

	require.NoError(t, leaver.Close())

	payload := awaitFrame(t, stayer, FrameUserLeft)
	var left struct {
		UserID      string       `json:"userId"`
		OnlineUsers []OnlineUser `json:"onlineUsers"`
	}
	require.NoError(t, json.Unmarshal(payload, &left))
	require.Equal(t, "user-2", left.UserID)
	require.Len(t, left.OnlineUsers, 1)
	require.Equal(t, "user-1", left.OnlineUsers[0].UserID)

	// Exactly one announcement: the next frame the stayer sees must come from
	// fresh activity, not a duplicate user_left.
	sendFrame(t, stayer, ClientFrame{Type: FramePing})
	frameType, _ := readFrame(t, stayer)
	require.Equal(t, FramePong, frameType)
}

// Driven state-level, like the reaper tests: a transport-level fence races
// the detach command and cannot pin what a partial detach broadcasts.
func TestPresenceSurvivesWhileUserHasAnotherSession(t *testing.T) {
	room := newRoom("ws-1", newMemoryStore(), zap.NewNop(), time.Now, time.Hour)

	observer := attachedSession(t, room, "s1", "observer", "Olive")
	first := attachedSession(t, room, "s2", "user-1", "Ada")
	second := attachedSession(t, room, "s3", "user-1", "Ada")
	drainFrameTypes(t, observer)

	// Closing one of two sessions keeps the user online and stays silent.
	room.detach(first, "connection closed")
	require.Contains(t, room.online, "user-1")
	require.Len(t, room.sessions, 2)
	require.Empty(t, drainFrameTypes(t, observer))

	// The last session going away announces the departure once.
	room.detach(second, "connection closed")
	require.NotContains(t, room.online, "user-1")

	var payload []byte
	select {
	case payload = <-observer.send:
	default:
		t.Fatal("expected a user_left broadcast")
	}

	var left struct {
		Type        string       `json:"type"`
		UserID      string       `json:"userId"`
		OnlineUsers []OnlineUser `json:"onlineUsers"`
	}
	require.NoError(t, json.Unmarshal(payload, &left))
	require.Equal(t, FrameUserLeft, left.Type)
	require.Equal(t, "user-1", left.UserID)
	require.Len(t, left.OnlineUsers, 1)
	require.Equal(t, "observer", left.OnlineUsers[0].UserID)

	require.Empty(t, drainFrameTypes(t, observer))
}

func TestHistoryCapDropsOldestFirst(t *testing.T) {
	store := newMemoryStore()
	store.logs["ws-1"] = seedMessages(HistoryCap)
	oldest := store.logs["ws-1"][0]
	second := store.logs["ws-1"][1]

	harness := newRoomHarness(t, store)
	conn := harness.dial("user-1", "Ada")
	awaitFrame(t, conn, FrameOnlineUsers)

	sendFrame(t, conn, ClientFrame{Type: FrameMessage, Content: "over the cap"})
	awaitFrame(t, conn, FrameNewMessage)

	snap, err := harness.room.Snapshot(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, snap.Messages, HistoryCap)
	require.NotEqual(t, oldest.ID, snap.Messages[0].ID)
	require.Equal(t, second.ID, snap.Messages[0].ID)
	require.Equal(t, "over the cap", snap.Messages[HistoryCap-1].Content)

	stored := store.stored("ws-1")
	require.Len(t, stored, HistoryCap)
	require.Equal(t, second.ID, stored[0].ID)
}

func TestSnapshotLimitsToTrailingMessages(t *testing.T) {
	store := newMemoryStore()
	store.logs["ws-1"] = seedMessages(10)

	harness := newRoomHarness(t, store)

	snap, err := harness.room.Snapshot(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, snap.Messages, 4)
	require.Equal(t, "message 6", snap.Messages[0].Content)
	require.Equal(t, "message 9", snap.Messages[3].Content)
	require.Empty(t, snap.OnlineUsers)
}

func TestLoadFailureStartsWithEmptyLog(t *testing.T) {
	store := newMemoryStore()
	store.loadErr = errors.New("backend down")

	harness := newRoomHarness(t, store)
	conn := harness.dial("user-1", "Ada")

	payload := awaitFrame(t, conn, FrameHistory)
	var history struct {
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(payload, &history))
	require.Empty(t, history.Messages)
}

func TestSnapshotOnClosedRoomFails(t *testing.T) {
	harness := newRoomHarness(t, newMemoryStore())
	harness.room.stop()

	_, err := harness.room.Snapshot(context.Background(), 0)
	require.ErrorIs(t, err, ErrRoomClosed)
}
