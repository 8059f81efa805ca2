package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 16 // 64 KiB
	sendBufferSize = 64
)

// Session is one live transport connection bound to a user inside a room.
// Registry membership and presence bookkeeping are owned exclusively by the
// room loop; the session itself only carries identity and the transport.
type Session struct {
	id       string
	userID   string
	userName string
	room     *Room
	conn     *websocket.Conn
	joinedAt time.Time

	send      chan []byte
	closed    chan struct{}
	broken    atomic.Bool
	closeOnce sync.Once
}

func newSession(room *Room, conn *websocket.Conn, id, userID, userName string, joinedAt time.Time) *Session {
	return &Session{
		id:       id,
		userID:   userID,
		userName: userName,
		room:     room,
		conn:     conn,
		joinedAt: joinedAt,
		send:     make(chan []byte, sendBufferSize),
		closed:   make(chan struct{}),
	}
}

// trySend enqueues a pre-serialized frame without blocking. A full buffer or
// a broken transport reports failure so the caller can mark the session quit.
func (s *Session) trySend(payload []byte) bool {
	if s.Broken() {
		return false
	}

	select {
	case s.send <- payload:
		return true
	case <-s.closed:
		return false
	default:
		return false
	}
}

// Broken reports whether the transport is no longer in an open state.
func (s *Session) Broken() bool {
	return s.broken.Load()
}

func (s *Session) markBroken() {
	s.broken.Store(true)
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.markBroken()
		close(s.closed)
		_ = s.conn.Close()
	})
}

// writeLoop drains the send buffer onto the socket and keeps the connection
// alive with websocket-level pings.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.markBroken()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.markBroken()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readLoop parses inbound frames and hands them to the room. Malformed
// payloads are answered with an error frame to this session only.
func (s *Session) readLoop(log *zap.Logger) {
	defer s.close()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug("unexpected close", zap.String("user_id", s.userID), zap.Error(err))
			}
			s.markBroken()
			return
		}

		if len(payload) == 0 {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := DecodeClientFrame(payload)
		if err != nil {
			s.trySend(encodeFrame(errorFrame{Type: FrameError, Message: "invalid frame"}))
			continue
		}

		s.room.inbound(s, frame)
	}
}
