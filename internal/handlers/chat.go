package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	iauth "github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/chat"
	"github.com/tallyhq/tally/internal/directory"
	"github.com/tallyhq/tally/internal/middleware"
	apperrors "github.com/tallyhq/tally/pkg/errors"
	"github.com/tallyhq/tally/pkg/logger"
	"github.com/tallyhq/tally/pkg/response"
)

// The gateway consumes its collaborators through narrow seams: token
// verification, membership, and the user directory are products of the wider
// platform, not of the realtime core.

// TokenVerifier validates bearer tokens presented at the gateway.
type TokenVerifier interface {
	ValidateAccessToken(token string) (*iauth.Claims, error)
}

// MembershipStore answers workspace membership checks.
type MembershipStore interface {
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

// UserDirectory resolves user display names.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// ChatHandler authenticates callers, resolves their workspace room, and
// hands upgraded connections to it. It holds no chat state of its own.
type ChatHandler struct {
	rooms    *chat.Registry
	tokens   TokenVerifier
	members  MembershipStore
	users    UserDirectory
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewChatHandler constructs the chat gateway handler.
func NewChatHandler(rooms *chat.Registry, tokens TokenVerifier, members MembershipStore, users UserDirectory) (*ChatHandler, error) {
	if rooms == nil {
		return nil, errors.New("chat handler: room registry is required")
	}
	if tokens == nil {
		return nil, errors.New("chat handler: token verifier is required")
	}
	if members == nil {
		return nil, errors.New("chat handler: membership store is required")
	}
	if users == nil {
		return nil, errors.New("chat handler: user directory is required")
	}

	return &ChatHandler{
		rooms:   rooms,
		tokens:  tokens,
		members: members,
		users:   users,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Allow same-origin requests and explicit localhost development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
		log: logger.WithModule("gateway"),
	}, nil
}

// Stream authenticates the caller and upgrades the request into a chat
// session bound to the workspace's room. Authorization is complete before
// the upgrade; the room never sees an unauthenticated transport.
func (h *ChatHandler) Stream(c *gin.Context) {
	workspaceID := strings.TrimSpace(c.Param("workspaceID"))
	if workspaceID == "" {
		response.Error(c, apperrors.NewBadRequest("workspace id is required"))
		return
	}

	token := bearerToken(c)
	if token == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	claims, err := h.tokens.ValidateAccessToken(token)
	if err != nil {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	identity, appErr := h.authorize(c.Request.Context(), workspaceID, claims.UserID)
	if appErr != nil {
		response.Error(c, appErr)
		return
	}

	room, err := h.rooms.Room(workspaceID)
	if err != nil {
		response.Error(c, apperrors.Wrap(err, "chat is shutting down"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		return
	}

	room.Serve(conn, identity)
}

// Messages is the polling fallback: the last 100 messages plus presence,
// over plain HTTP for clients without a socket.
func (h *ChatHandler) Messages(c *gin.Context) {
	snap, appErr := h.snapshot(c, 100)
	if appErr != nil {
		response.Error(c, appErr)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"messages":    snap.Messages,
		"onlineUsers": snap.OnlineUsers,
	})
}

// Online returns the current presence set for a workspace room.
func (h *ChatHandler) Online(c *gin.Context) {
	snap, appErr := h.snapshot(c, 0)
	if appErr != nil {
		response.Error(c, appErr)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"onlineUsers": snap.OnlineUsers})
}

func (h *ChatHandler) snapshot(c *gin.Context, limit int) (chat.Snapshot, *apperrors.AppError) {
	workspaceID := strings.TrimSpace(c.Param("workspaceID"))
	if workspaceID == "" {
		return chat.Snapshot{}, apperrors.NewBadRequest("workspace id is required")
	}

	userID := strings.TrimSpace(c.GetString(middleware.CtxUserIDKey))
	if userID == "" {
		return chat.Snapshot{}, apperrors.ErrUnauthorized
	}

	if _, appErr := h.authorize(c.Request.Context(), workspaceID, userID); appErr != nil {
		return chat.Snapshot{}, appErr
	}

	room, err := h.rooms.Room(workspaceID)
	if err != nil {
		return chat.Snapshot{}, apperrors.Wrap(err, "chat is shutting down")
	}

	snap, err := room.Snapshot(c.Request.Context(), limit)
	if err != nil {
		return chat.Snapshot{}, apperrors.Wrap(err, "failed to read room state")
	}
	return snap, nil
}

func (h *ChatHandler) authorize(ctx context.Context, workspaceID, userID string) (chat.Identity, *apperrors.AppError) {
	member, err := h.members.IsMember(ctx, workspaceID, userID)
	if err != nil {
		return chat.Identity{}, apperrors.Wrap(err, "failed to check workspace membership")
	}
	if !member {
		return chat.Identity{}, apperrors.ErrWorkspaceMembership
	}

	name, err := h.users.DisplayName(ctx, userID)
	if errors.Is(err, directory.ErrUserNotFound) {
		return chat.Identity{}, apperrors.ErrNotFound
	}
	if err != nil {
		return chat.Identity{}, apperrors.Wrap(err, "failed to resolve display name")
	}

	return chat.Identity{UserID: userID, UserName: name}, nil
}

func bearerToken(c *gin.Context) string {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		authz := c.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token = strings.TrimSpace(authz[7:])
		}
	}
	return token
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
