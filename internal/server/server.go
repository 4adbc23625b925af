// Package server exposes the chat relay over HTTP: REST endpoints for
// conversation management and an SSE endpoint that streams generation
// events as they happen.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"go.uber.org/zap"

	"github.com/samsaffron/chatrelay/internal/cancel"
	"github.com/samsaffron/chatrelay/internal/chat"
	"github.com/samsaffron/chatrelay/internal/store"
)

// TurnRunner runs one chat turn, emitting events through the callback.
// Satisfied by chat.Orchestrator.
type TurnRunner interface {
	RunTurn(ctx context.Context, req chat.TurnRequest, emit chat.EmitFunc) error
}

// AuthFunc resolves the owner id for a request. Returning an error
// rejects the request with 401.
type AuthFunc func(c *echo.Context) (string, error)

// TokenAuth authenticates with a static bearer token; every
// authenticated request maps to the single owner id. An empty token
// disables the check, for localhost deployments.
func TokenAuth(token, owner string) AuthFunc {
	return func(c *echo.Context) (string, error) {
		if token == "" {
			return owner, nil
		}
		header := c.Request().Header.Get("Authorization")
		if bearer, ok := strings.CutPrefix(header, "Bearer "); ok && bearer == token {
			return owner, nil
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
	}
}

// Server wires the HTTP routes to the store and orchestrator.
type Server struct {
	echo     *echo.Echo
	http     *http.Server
	store    store.Store
	runner   TurnRunner
	registry *cancel.Registry
	auth     AuthFunc
	log      *zap.SugaredLogger
}

func New(st store.Store, runner TurnRunner, registry *cancel.Registry, auth AuthFunc, log *zap.SugaredLogger) *Server {
	e := echo.New()
	s := &Server{
		echo:     e,
		store:    st,
		runner:   runner,
		registry: registry,
		auth:     auth,
		log:      log,
	}
	s.registerRoutes(e)
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	api := e.Group("/api")

	api.POST("/chat", s.handleChat)
	api.POST("/chat/:id/cancel", s.handleCancel)

	api.GET("/conversations", s.listConversations)
	api.POST("/conversations", s.createConversation)
	api.GET("/conversations/:id", s.getConversation)
	api.PATCH("/conversations/:id", s.renameConversation)
	api.DELETE("/conversations/:id", s.deleteConversation)
	api.POST("/conversations/:id/clear", s.clearConversation)
	api.POST("/conversations/:id/regenerate", s.handleRegenerate)
	api.PATCH("/conversations/:id/messages/:msg_id", s.editMessage)

	api.GET("/search", s.handleSearch)
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("listening", "addr", addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
