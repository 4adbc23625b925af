package llm

import (
	"context"
	"encoding/json"
)

// Provider streams model output events for a request.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Stream(ctx context.Context, req Request) (Stream, error)
	// Complete runs a single non-streaming turn and returns the
	// assistant text. Used for summarization, titling and
	// classification calls.
	Complete(ctx context.Context, req Request) (string, error)
}

// Capabilities describe optional provider features.
type Capabilities struct {
	ToolCalls bool // Provider supports native tool calling
	Thinking  bool // Provider emits chain-of-thought deltas
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Request represents a single model turn.
type Request struct {
	Model           string
	Messages        []Message
	Tools           []ToolSpec
	Temperature     float64
	TopP            float64
	MaxOutputTokens int
	// DisableThinking suppresses chain-of-thought on providers that
	// support it. Set on tool follow-up turns.
	DisableThinking bool
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of conversation context sent to a provider.
// Images carry base64-encoded attachments merged into the user turn.
type Message struct {
	Role       Role
	Content    string
	Images     []string
	ToolCalls  []ToolCall
	ToolCallID string // role=tool: id of the call this result answers
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ToolCall is a model-requested tool invocation. Arguments hold the
// parsed JSON object; RawArguments keeps the wire string for
// diagnostics when parsing failed.
type ToolCall struct {
	ID           string
	Name         string
	Arguments    map[string]interface{}
	RawArguments string
}

// EventType describes streaming events.
type EventType string

const (
	EventThinking EventType = "thinking"
	EventContent  EventType = "content"
	EventToolCall EventType = "tool_call"
	EventUsage    EventType = "usage"
	EventDone     EventType = "done"
)

// Event represents one normalized streamed update. Exactly one payload
// field is meaningful per event, selected by Type.
type Event struct {
	Type EventType
	Text string    // EventThinking / EventContent
	Tool *ToolCall // EventToolCall
	Use  *Usage    // EventUsage
}

// Usage captures token usage if available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

func SystemText(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func UserText(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// MarshalArguments renders the call arguments back to a JSON string
// for providers that expect stringified arguments on the wire.
func (c ToolCall) MarshalArguments() string {
	if c.Arguments == nil {
		return c.RawArguments
	}
	b, err := json.Marshal(c.Arguments)
	if err != nil {
		return c.RawArguments
	}
	return string(b)
}
