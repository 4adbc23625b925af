package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samsaffron/chatrelay/internal/chat"
	"github.com/samsaffron/chatrelay/internal/llm"
	"github.com/samsaffron/chatrelay/internal/store"
)

// pingInterval is how often an SSE comment is written to keep idle
// proxies from closing the stream.
const pingInterval = 15 * time.Second

type chatRequest struct {
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	Images         []string `json:"images"`
	Model          string   `json:"model"`
	VoiceMode      bool     `json:"voice_mode"`
	Voice          string   `json:"voice"`
}

type conversationResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Thinking   string         `json:"thinking,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func toConversationResponse(conv store.Conversation) conversationResponse {
	return conversationResponse{
		ID:        conv.ID,
		Title:     conv.Title,
		Model:     conv.Model,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
}

func toMessageResponse(msg store.Message) messageResponse {
	return messageResponse{
		ID:         msg.ID,
		Role:       string(msg.Role),
		Content:    msg.Content,
		Thinking:   msg.Thinking,
		ToolCallID: msg.ToolCallID,
		ToolCalls:  msg.ToolCalls,
		CreatedAt:  msg.CreatedAt,
	}
}

// sseWriter serializes SSE frames. Headers go out lazily on the first
// frame so pre-stream failures can still become plain HTTP errors.
// The mutex matters: the ping ticker writes from its own goroutine.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *sseWriter) event(name string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) didStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// comment writes an SSE comment line. Comments are ignored by
// EventSource clients, which makes them the keepalive of choice.
func (s *sseWriter) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *Server) handleChat(c *echo.Context) error {
	owner, err := s.auth(c)
	if err != nil {
		return err
	}

	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content required")
	}

	return s.streamTurn(c, chat.TurnRequest{
		ConvID:    req.ConversationID,
		Owner:     owner,
		Content:   req.Content,
		Images:    req.Images,
		Model:     req.Model,
		VoiceMode: req.VoiceMode,
		Voice:     req.Voice,
	})
}

func (s *Server) handleRegenerate(c *echo.Context) error {
	owner, err := s.auth(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	convID := c.Param("id")

	var req struct {
		// MessageID forks the conversation at an earlier user
		// message; empty means the most recent one.
		MessageID string `json:"message_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if _, err := s.store.Get(ctx, convID, owner); err != nil {
		return mapStoreError(err)
	}
	messages, err := s.store.Messages(ctx, convID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	target := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != llm.RoleUser {
			continue
		}
		if req.MessageID == "" || messages[i].ID == req.MessageID {
			target = i
			break
		}
	}
	if target < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no user message to regenerate from")
	}
	// Drop everything after the chosen user message and answer it
	// again.
	if err := s.store.TruncateMessages(ctx, convID, messages[target].Sequence+1); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return s.streamTurn(c, chat.TurnRequest{
		ConvID:     convID,
		Owner:      owner,
		Regenerate: true,
	})
}

// streamTurn runs one turn over SSE, with a comment ping to hold the
// connection open through long thinking stretches and proxies.
func (s *Server) streamTurn(c *echo.Context, req chat.TurnRequest) error {
	ctx := c.Request().Context()
	w := newSSEWriter(c.Response())

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.comment("ping"); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	err := s.runner.RunTurn(ctx, req, func(ev chat.Event) error {
		return w.event(ev.Name, ev.Data)
	})
	if err != nil {
		if !w.didStart() {
			return mapStoreError(err)
		}
		// Stream already open; the orchestrator has emitted what it
		// could, nothing more to send.
		s.log.Warnw("turn ended with error", "conversation", req.ConvID, "error", err)
	}
	return nil
}

func (s *Server) handleCancel(c *echo.Context) error {
	owner, err := s.auth(c)
	if err != nil {
		return err
	}
	convID := c.Param("id")
	if _, err := s.store.Get(c.Request().Context(), convID, owner); err != nil {
		return mapStoreError(err)
	}
	wasGenerating := s.registry.Cancel(convID)
	return c.JSON(http.StatusOK, map[string]interface{}{"was_generating": wasGenerating})
}

func (s *Server) listConversations(c *echo.Context) error {
	owner, err := s.auth(c)
	if err != nil {
		return err
	}
	convs, err := s.store.List(c.Request().Context(), owner)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, toConversationResponse(conv))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) createConversation(c *echo.Context) error {
	owner, err := s.auth(c)
	if err != nil {
		return err
	}
	var req struct {
		Model string `json:"model"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	conv, err := s.store.Create(c.Request().Context(), owner, req.Model)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, toConversationResponse(*conv))
}

func (s *Server) getConversation(c *echo.Context) error {
	owner, err := s.auth(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	conv, err := s.store.Get(ctx, c.Param("id"), owner)
	if err != nil {
		return mapStoreError(err)
	}
	messages, err := s.store.Messages(ctx, conv.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	msgs := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		msgs = append(msgs, toMessageResponse(msg))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversation": toConversationResponse(*conv),
		"messages":     msgs,
	})
}

func (s *Server) renameConversation(c *echo.Context) error {
	owner, err := s.auth(c)
	if err != nil {
		return err
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	if err := s.store.Rename(c.Request().Context(), c.Param("id"), owner, req.Title); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deleteConversation(c *echo.Context) error {
	owner, err := s.auth(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := s.store.Get(ctx, c.Param("id"), owner); err != nil {
		return mapStoreError(err)
	}
	if err := s.store.Delete(ctx, c.Param("id"), owner); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) clearConversation(c *echo.Context) error {
	owner, err := s.auth(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	conv, err := s.store.Get(ctx, c.Param("id"), owner)
	if err != nil {
		return mapStoreError(err)
	}
	if err := s.store.ClearMessages(ctx, conv.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// editMessage rewrites the content of one stored message, typically a
// user message the client wants to correct before regenerating from
// that point.
func (s *Server) editMessage(c *echo.Context) error {
	owner, err := s.auth(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	var req struct {
		Content string `json:"content"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content required")
	}
	conv, err := s.store.Get(ctx, c.Param("id"), owner)
	if err != nil {
		return mapStoreError(err)
	}
	if err := s.store.UpdateMessage(ctx, conv.ID, c.Param("msg_id"), req.Content); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "message not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSearch(c *echo.Context) error {
	owner, err := s.auth(c)
	if err != nil {
		return err
	}
	query := strings.TrimSpace(c.QueryParam("q"))
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	results, err := s.store.Search(c.Request().Context(), owner, query, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	return c.JSON(http.StatusOK, results)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	case errors.Is(err, chat.ErrConversationBusy):
		return echo.NewHTTPError(http.StatusConflict, "a reply is already being generated")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
