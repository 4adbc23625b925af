// Package store persists conversations and their messages. The
// orchestration core never touches rows directly; it goes through the
// Store interface so tests can substitute an in-memory fake.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/samsaffron/chatrelay/internal/llm"
)

var (
	// ErrNotFound is returned when a conversation or message does
	// not exist or is not owned by the caller.
	ErrNotFound = errors.New("not found")
)

// Conversation metadata. Messages are loaded separately.
type Conversation struct {
	ID            string
	Owner         string
	Model         string
	Title         string
	Summary       string
	SummaryTokens int
	// SummaryUpTo is the highest message sequence absorbed into the
	// summary; -1 when no compaction has happened.
	SummaryUpTo int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is one persisted conversation turn.
type Message struct {
	ID        string
	ConvID    string
	Sequence  int
	Role      llm.Role
	Content   string
	Thinking  string
	// ToolCallID links a role=tool result to the call it answers.
	ToolCallID string
	Images     []string
	ToolCalls  []llm.ToolCall
	Compacted  bool
	CreatedAt  time.Time
}

// SearchResult is one full-text search hit.
type SearchResult struct {
	ConvID  string
	Title   string
	Snippet string
	Role    llm.Role
}

// Store is the persistence contract the orchestrator and HTTP layer
// depend on.
type Store interface {
	Create(ctx context.Context, owner, model string) (*Conversation, error)
	Get(ctx context.Context, id, owner string) (*Conversation, error)
	List(ctx context.Context, owner string) ([]Conversation, error)
	Rename(ctx context.Context, id, owner, title string) error
	Delete(ctx context.Context, id, owner string) error

	AddMessage(ctx context.Context, convID string, msg *Message) error
	UpdateMessage(ctx context.Context, convID, msgID, content string) error
	FinalizeMessage(ctx context.Context, convID, msgID, content, thinking string, toolCalls []llm.ToolCall) error
	Messages(ctx context.Context, convID string) ([]Message, error)
	TruncateMessages(ctx context.Context, convID string, fromSeq int) error
	ClearMessages(ctx context.Context, convID string) error

	SetSummary(ctx context.Context, convID, text string, tokens, upToSeq int) error

	Search(ctx context.Context, owner, query string, limit int) ([]SearchResult, error)

	AddMemoryNote(ctx context.Context, owner, note string) error
	MemoryNotes(ctx context.Context, owner string, limit int) ([]string, error)

	Close() error
}
