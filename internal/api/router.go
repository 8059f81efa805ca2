package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/chat"
	"github.com/tallyhq/tally/internal/directory"
	"github.com/tallyhq/tally/internal/handlers"
	"github.com/tallyhq/tally/internal/middleware"
)

// NewRouter builds the Gin engine, wires middleware and registers the chat
// gateway routes. The wider CRUD surface mounts under /api in other services.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, rooms *chat.Registry) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if rooms == nil {
		return nil, fmt.Errorf("room registry must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())

	// Health endpoint (public)
	r.GET("/health", handlers.Health())

	dir, err := directory.NewService(db)
	if err != nil {
		return nil, err
	}

	chatHandler, err := handlers.NewChatHandler(rooms, jwt, dir, dir)
	if err != nil {
		return nil, err
	}

	// Websocket entry point; authentication happens inside the handler so
	// browser clients can pass the token as a query parameter.
	r.GET("/ws/chat/:workspaceID", chatHandler.Stream)

	// Polling fallback for clients without a socket.
	api := r.Group("/api")
	api.Use(middleware.Auth(jwt))
	{
		api.GET("/workspaces/:workspaceID/chat/messages", chatHandler.Messages)
		api.GET("/workspaces/:workspaceID/chat/online", chatHandler.Online)
	}

	// Metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
