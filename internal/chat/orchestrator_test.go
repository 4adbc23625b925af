package chat

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/samsaffron/chatrelay/internal/cancel"
	"github.com/samsaffron/chatrelay/internal/config"
	"github.com/samsaffron/chatrelay/internal/llm"
	"github.com/samsaffron/chatrelay/internal/store"
	"github.com/samsaffron/chatrelay/internal/tools"
)

// fakeStore is an in-memory store.Store for orchestrator tests.
type fakeStore struct {
	mu     sync.Mutex
	convs  map[string]*store.Conversation
	msgs   map[string][]store.Message
	notes  []string
	nextID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs: make(map[string]*store.Conversation),
		msgs:  make(map[string][]store.Message),
	}
}

func (f *fakeStore) Create(ctx context.Context, owner, model string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	conv := &store.Conversation{
		ID:          fmt.Sprintf("conv-%d", f.nextID),
		Owner:       owner,
		Model:       model,
		SummaryUpTo: -1,
	}
	f.convs[conv.ID] = conv
	return conv, nil
}

func (f *fakeStore) Get(ctx context.Context, id, owner string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok || conv.Owner != owner {
		return nil, store.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (f *fakeStore) List(ctx context.Context, owner string) ([]store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Conversation
	for _, conv := range f.convs {
		if conv.Owner == owner {
			out = append(out, *conv)
		}
	}
	return out, nil
}

func (f *fakeStore) Rename(ctx context.Context, id, owner, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok || conv.Owner != owner {
		return store.ErrNotFound
	}
	conv.Title = title
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.convs, id)
	delete(f.msgs, id)
	return nil
}

func (f *fakeStore) AddMessage(ctx context.Context, convID string, msg *store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = fmt.Sprintf("msg-%d", f.nextID)
	msg.ConvID = convID
	msg.Sequence = 1
	if n := len(f.msgs[convID]); n > 0 {
		msg.Sequence = f.msgs[convID][n-1].Sequence + 1
	}
	f.msgs[convID] = append(f.msgs[convID], *msg)
	return nil
}

func (f *fakeStore) UpdateMessage(ctx context.Context, convID, msgID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.msgs[convID] {
		if f.msgs[convID][i].ID == msgID {
			f.msgs[convID][i].Content = content
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) FinalizeMessage(ctx context.Context, convID, msgID, content, thinking string, toolCalls []llm.ToolCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.msgs[convID] {
		if f.msgs[convID][i].ID == msgID {
			f.msgs[convID][i].Content = content
			f.msgs[convID][i].Thinking = thinking
			f.msgs[convID][i].ToolCalls = toolCalls
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) Messages(ctx context.Context, convID string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message(nil), f.msgs[convID]...), nil
}

func (f *fakeStore) TruncateMessages(ctx context.Context, convID string, fromSeq int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []store.Message
	for _, msg := range f.msgs[convID] {
		if msg.Sequence < fromSeq {
			kept = append(kept, msg)
		}
	}
	f.msgs[convID] = kept
	return nil
}

func (f *fakeStore) ClearMessages(ctx context.Context, convID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[convID] = nil
	if conv, ok := f.convs[convID]; ok {
		conv.Summary = ""
		conv.SummaryTokens = 0
		conv.SummaryUpTo = -1
	}
	return nil
}

func (f *fakeStore) SetSummary(ctx context.Context, convID, text string, tokens, upToSeq int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[convID]
	if !ok {
		return store.ErrNotFound
	}
	conv.Summary = text
	conv.SummaryTokens = tokens
	conv.SummaryUpTo = upToSeq
	for i := range f.msgs[convID] {
		if f.msgs[convID][i].Sequence <= upToSeq {
			f.msgs[convID][i].Compacted = true
		}
	}
	return nil
}

func (f *fakeStore) Search(ctx context.Context, owner, query string, limit int) ([]store.SearchResult, error) {
	return nil, nil
}

func (f *fakeStore) AddMemoryNote(ctx context.Context, owner, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeStore) MemoryNotes(ctx context.Context, owner string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notes...), nil
}

func (f *fakeStore) Close() error { return nil }

// lastMessage returns the most recent message with the given role.
func (f *fakeStore) lastMessage(t *testing.T, convID string, role llm.Role) store.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs[convID]) - 1; i >= 0; i-- {
		if f.msgs[convID][i].Role == role {
			return f.msgs[convID][i]
		}
	}
	t.Fatalf("no %s message in %s", role, convID)
	return store.Message{}
}

// scriptStream replays a fixed event sequence then EOF.
type scriptStream struct {
	events []llm.Event
	idx    int
}

func (s *scriptStream) Recv() (llm.Event, error) {
	if s.idx >= len(s.events) {
		return llm.Event{}, io.EOF
	}
	ev := s.events[s.idx]
	s.idx++
	return ev, nil
}

func (s *scriptStream) Close() error { return nil }

// blockingStream replays events then blocks until Close.
type blockingStream struct {
	events []llm.Event
	idx    int
	closed chan struct{}
	once   sync.Once
}

func newBlockingStream(events ...llm.Event) *blockingStream {
	return &blockingStream{events: events, closed: make(chan struct{})}
}

func (s *blockingStream) Recv() (llm.Event, error) {
	if s.idx < len(s.events) {
		ev := s.events[s.idx]
		s.idx++
		return ev, nil
	}
	<-s.closed
	return llm.Event{}, io.EOF
}

func (s *blockingStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// stallStream pauses before handing out each event, simulating an
// upstream that goes quiet mid-reply.
type stallStream struct {
	items []stallItem
	idx   int
}

type stallItem struct {
	delay time.Duration
	ev    llm.Event
}

func (s *stallStream) Recv() (llm.Event, error) {
	if s.idx >= len(s.items) {
		return llm.Event{}, io.EOF
	}
	item := s.items[s.idx]
	s.idx++
	time.Sleep(item.delay)
	return item.ev, nil
}

func (s *stallStream) Close() error { return nil }

// fakeProvider hands out pre-built streams in order and records every
// request it receives.
type fakeProvider struct {
	mu           sync.Mutex
	caps         llm.Capabilities
	streams      []llm.Stream
	reqs         []llm.Request
	completeText string
	completeErr  error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Capabilities() llm.Capabilities { return p.caps }

func (p *fakeProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if len(p.streams) == 0 {
		return nil, fmt.Errorf("no scripted stream left")
	}
	s := p.streams[0]
	p.streams = p.streams[1:]
	return s, nil
}

func (p *fakeProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	return p.completeText, p.completeErr
}

func (p *fakeProvider) requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.reqs...)
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []llm.ToolCall
	result map[string]interface{}
}

func (e *fakeExecutor) Execute(ctx context.Context, call llm.ToolCall, userID, convID string) map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
	return e.result
}

func (e *fakeExecutor) Specs() []llm.ToolSpec {
	return []llm.ToolSpec{{Name: "web_search", Description: "search the web"}}
}

// eventLog collects emitted events; onEvent runs synchronously inside
// the emit callback, which tests use to inject cancellation mid-stream.
type eventLog struct {
	mu      sync.Mutex
	events  []Event
	onEvent func(Event)
}

func (l *eventLog) emit(ev Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	if l.onEvent != nil {
		l.onEvent(ev)
	}
	return nil
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		out = append(out, ev.Name)
	}
	return out
}

func (l *eventLog) has(name string) bool {
	for _, n := range l.names() {
		if n == name {
			return true
		}
	}
	return false
}

// hasTokenKey reports whether any token event carried the given data
// key, e.g. "thinking_done" or "cancelled".
func (l *eventLog) hasTokenKey(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Name != "token" {
			continue
		}
		if _, ok := ev.Data[key]; ok {
			return true
		}
	}
	return false
}

func (l *eventLog) content() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for _, ev := range l.events {
		if ev.Name == "token" {
			if text, ok := ev.Data["content"].(string); ok {
				b.WriteString(text)
			}
		}
	}
	return b.String()
}

func newTestOrchestrator(st store.Store, p llm.Provider, exec tools.Executor) *Orchestrator {
	settings := Settings{
		Chat:     config.ChatConfig{Temperature: 0.7, MaxTokens: 1024},
		Thinking: config.ThinkingConfig{SoftLimit: 3000, HardLimit: 30000},
	}
	compactor := NewCompactor(config.CompactionConfig{}, nil, zap.NewNop().Sugar())
	route := func(model string) (llm.Provider, int) { return p, 8192 }
	return NewOrchestrator(st, route, exec, cancel.NewRegistry(), compactor, nil, settings, zap.NewNop().Sugar())
}

func TestRunTurnStreamsAndPersists(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{streams: []llm.Stream{&scriptStream{events: []llm.Event{
		{Type: llm.EventThinking, Text: "pondering"},
		{Type: llm.EventContent, Text: "Hello"},
		{Type: llm.EventContent, Text: " there."},
		{Type: llm.EventDone},
	}}}}
	orch := newTestOrchestrator(st, provider, nil)

	log := &eventLog{}
	err := orch.RunTurn(context.Background(), TurnRequest{
		Owner:   "alice",
		Content: "hi",
		Model:   "test-model",
	}, log.emit)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	names := log.names()
	if names[0] != "conversation" {
		t.Errorf("first event = %q, want conversation", names[0])
	}
	if names[len(names)-1] != "done" {
		t.Errorf("last event = %q, want done", names[len(names)-1])
	}
	if !log.hasTokenKey("thinking_done") {
		t.Error("missing thinking_done boundary event")
	}
	// thinking_done must come before the first content token.
	seenBoundary := false
	for _, ev := range log.events {
		if ev.Name != "token" {
			continue
		}
		if _, ok := ev.Data["thinking_done"]; ok {
			seenBoundary = true
		}
		if _, ok := ev.Data["content"]; ok && !seenBoundary {
			t.Fatal("content token before thinking_done")
		}
	}
	if got := log.content(); got != "Hello there." {
		t.Errorf("streamed content = %q", got)
	}

	msg := st.lastMessage(t, "conv-1", llm.RoleAssistant)
	if msg.Content != "Hello there." {
		t.Errorf("stored content = %q", msg.Content)
	}
	if msg.Thinking != "pondering" {
		t.Errorf("stored thinking = %q", msg.Thinking)
	}
	user := st.lastMessage(t, "conv-1", llm.RoleUser)
	if user.Content != "hi" {
		t.Errorf("stored user message = %q", user.Content)
	}
}

func TestRunTurnKeepaliveStopsAfterContent(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{streams: []llm.Stream{&stallStream{items: []stallItem{
		{ev: llm.Event{Type: llm.EventContent, Text: "First."}},
		// Long enough for at least two keepalive ticks to fire.
		{delay: 2200 * time.Millisecond, ev: llm.Event{Type: llm.EventContent, Text: " Second."}},
	}}}}
	orch := newTestOrchestrator(st, provider, nil)

	log := &eventLog{}
	if err := orch.RunTurn(context.Background(), TurnRequest{
		Owner: "alice", Content: "hi", Model: "test-model",
	}, log.emit); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	// The initial keepalive opens a reasoning phase, so the boundary
	// marker must still arrive before the first content token even
	// though the model never thought.
	seenBoundary, seenContent := false, false
	for _, ev := range log.events {
		if ev.Name != "token" {
			continue
		}
		if _, ok := ev.Data["thinking_done"]; ok {
			seenBoundary = true
		}
		if _, ok := ev.Data["content"]; ok {
			if !seenBoundary {
				t.Fatal("content token before thinking_done")
			}
			seenContent = true
			continue
		}
		if _, ok := ev.Data["thinking"]; ok && seenContent {
			t.Fatal("thinking keepalive emitted after content tokens")
		}
	}
	if got := log.content(); got != "First. Second." {
		t.Errorf("streamed content = %q", got)
	}
}

func TestRunTurnRejectsConcurrentTurn(t *testing.T) {
	st := newFakeStore()
	conv, _ := st.Create(context.Background(), "alice", "test-model")
	provider := &fakeProvider{}
	orch := newTestOrchestrator(st, provider, nil)

	orch.lockFor(conv.ID).TryAcquire(1)
	defer orch.lockFor(conv.ID).Release(1)

	err := orch.RunTurn(context.Background(), TurnRequest{
		ConvID: conv.ID, Owner: "alice", Content: "hi",
	}, (&eventLog{}).emit)
	if err != ErrConversationBusy {
		t.Fatalf("err = %v, want ErrConversationBusy", err)
	}
}

func TestRunTurnUnknownConversation(t *testing.T) {
	orch := newTestOrchestrator(newFakeStore(), &fakeProvider{}, nil)
	err := orch.RunTurn(context.Background(), TurnRequest{
		ConvID: "missing", Owner: "alice", Content: "hi",
	}, (&eventLog{}).emit)
	if err != store.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunTurnCancelledMidStream(t *testing.T) {
	st := newFakeStore()
	stream := newBlockingStream(
		llm.Event{Type: llm.EventContent, Text: "Partial answer"},
	)
	provider := &fakeProvider{streams: []llm.Stream{stream}}
	orch := newTestOrchestrator(st, provider, nil)

	log := &eventLog{}
	log.onEvent = func(ev Event) {
		if ev.Name == "token" {
			if _, ok := ev.Data["content"]; ok {
				orch.Registry().Cancel("conv-1")
			}
		}
	}

	err := orch.RunTurn(context.Background(), TurnRequest{
		Owner: "alice", Content: "hi", Model: "test-model",
	}, log.emit)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if !log.hasTokenKey("cancelled") {
		t.Fatal("missing cancelled token event")
	}
	if log.has("done") {
		t.Error("done event emitted after cancellation")
	}

	msg := st.lastMessage(t, "conv-1", llm.RoleAssistant)
	if !strings.HasPrefix(msg.Content, "Partial answer") {
		t.Errorf("partial content lost: %q", msg.Content)
	}
	if !strings.HasSuffix(msg.Content, cancelMarker) {
		t.Errorf("missing cancellation marker: %q", msg.Content)
	}
}

func TestRunTurnApologyOnEmptyReply(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{streams: []llm.Stream{&scriptStream{events: []llm.Event{
		{Type: llm.EventThinking, Text: "hmm"},
		{Type: llm.EventDone},
	}}}}
	orch := newTestOrchestrator(st, provider, nil)

	log := &eventLog{}
	if err := orch.RunTurn(context.Background(), TurnRequest{
		Owner: "alice", Content: "hi", Model: "test-model",
	}, log.emit); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	msg := st.lastMessage(t, "conv-1", llm.RoleAssistant)
	if msg.Content != apologyFallback {
		t.Errorf("stored content = %q, want apology fallback", msg.Content)
	}
	if !log.has("done") {
		t.Error("missing done event")
	}
}

func TestRunTurnThinkingHardLimitForcesStop(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{streams: []llm.Stream{&scriptStream{events: []llm.Event{
		{Type: llm.EventThinking, Text: strings.Repeat("x", 200)},
		{Type: llm.EventContent, Text: "never reached"},
	}}}}
	orch := newTestOrchestrator(st, provider, nil)
	orch.settings.Thinking.HardLimit = 10

	// A runaway reasoning stream is stopped and finalized like any
	// other turn, not surfaced as a failure.
	log := &eventLog{}
	err := orch.RunTurn(context.Background(), TurnRequest{
		Owner: "alice", Content: "hi", Model: "test-model",
	}, log.emit)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if log.has("error") {
		t.Error("error event emitted for a forced stop")
	}
	if !log.has("done") {
		t.Error("missing done event after forced stop")
	}
	if strings.Contains(log.content(), "never reached") {
		t.Error("content streamed past the hard stop")
	}

	msg := st.lastMessage(t, "conv-1", llm.RoleAssistant)
	if msg.Content != apologyFallback {
		t.Errorf("stored content = %q, want apology fallback", msg.Content)
	}
	if msg.Thinking == "" {
		t.Error("collected thinking not persisted")
	}
}

func TestRunTurnNativeToolRound(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{
		caps: llm.Capabilities{ToolCalls: true},
		streams: []llm.Stream{
			&scriptStream{events: []llm.Event{
				{Type: llm.EventToolCall, Tool: &llm.ToolCall{
					ID:        "call-1",
					Name:      "web_search",
					Arguments: map[string]interface{}{"query": "weather"},
				}},
			}},
			&scriptStream{events: []llm.Event{
				{Type: llm.EventContent, Text: "It is sunny."},
			}},
		},
	}
	exec := &fakeExecutor{result: map[string]interface{}{"success": true, "answer": "sunny"}}
	orch := newTestOrchestrator(st, provider, exec)

	log := &eventLog{}
	if err := orch.RunTurn(context.Background(), TurnRequest{
		Owner: "alice", Content: "weather?", Model: "test-model",
	}, log.emit); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if len(exec.calls) != 1 || exec.calls[0].Name != "web_search" {
		t.Fatalf("executor calls = %+v", exec.calls)
	}
	if !log.has("tool_call") || !log.has("tool_result") {
		t.Error("missing tool_call/tool_result events")
	}

	// Both finalized assistant message events carry the available
	// tools in their metadata.
	assistantMsgs := 0
	for _, ev := range log.events {
		if ev.Name != "message" || ev.Data["role"] != string(llm.RoleAssistant) {
			continue
		}
		assistantMsgs++
		names, ok := ev.Data["tools_available"].([]string)
		if !ok || len(names) != 1 || names[0] != "web_search" {
			t.Errorf("tools_available = %v", ev.Data["tools_available"])
		}
	}
	if assistantMsgs != 2 {
		t.Errorf("assistant message events = %d, want 2", assistantMsgs)
	}

	// First request advertises tools, the follow-up must not and must
	// have thinking disabled.
	reqs := provider.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider requests = %d, want 2", len(reqs))
	}
	if len(reqs[0].Tools) == 0 {
		t.Error("first request missing tool specs")
	}
	if len(reqs[1].Tools) != 0 {
		t.Error("follow-up request still advertises tools")
	}
	if !reqs[1].DisableThinking {
		t.Error("follow-up request did not disable thinking")
	}

	toolMsg := st.lastMessage(t, "conv-1", llm.RoleTool)
	if toolMsg.ToolCallID != "call-1" {
		t.Errorf("tool result call id = %q", toolMsg.ToolCallID)
	}
	if !strings.Contains(toolMsg.Content, "sunny") {
		t.Errorf("tool result content = %q", toolMsg.Content)
	}

	final := st.lastMessage(t, "conv-1", llm.RoleAssistant)
	if final.Content != "It is sunny." {
		t.Errorf("final content = %q", final.Content)
	}
	if !log.has("done") {
		t.Error("missing done event")
	}
}

func TestRunTurnEmbeddedToolRound(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{
		// No native tool support: the call arrives embedded in text.
		streams: []llm.Stream{
			&scriptStream{events: []llm.Event{
				{Type: llm.EventContent, Text: `{"function_call": {"name": "web_search", "arguments": {"query": "go releases"}}}`},
			}},
			&scriptStream{events: []llm.Event{
				{Type: llm.EventContent, Text: "Go 1.25 is the latest release."},
			}},
		},
	}
	exec := &fakeExecutor{result: map[string]interface{}{"success": true}}
	orch := newTestOrchestrator(st, provider, exec)

	log := &eventLog{}
	if err := orch.RunTurn(context.Background(), TurnRequest{
		Owner: "alice", Content: "latest go?", Model: "test-model",
	}, log.emit); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if len(exec.calls) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(exec.calls))
	}
	if got := exec.calls[0].Arguments["query"]; got != "go releases" {
		t.Errorf("query argument = %v", got)
	}

	final := st.lastMessage(t, "conv-1", llm.RoleAssistant)
	if final.Content != "Go 1.25 is the latest release." {
		t.Errorf("final content = %q", final.Content)
	}
}

func TestRunTurnExtractsMemoryNotes(t *testing.T) {
	st := newFakeStore()
	provider := &fakeProvider{streams: []llm.Stream{&scriptStream{events: []llm.Event{
		{Type: llm.EventContent, Text: "Noted, I'll remember that. [MEMORY: user prefers metric units]"},
	}}}}
	orch := newTestOrchestrator(st, provider, nil)

	log := &eventLog{}
	if err := orch.RunTurn(context.Background(), TurnRequest{
		Owner: "alice", Content: "I use metric", Model: "test-model",
	}, log.emit); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	notes, _ := st.MemoryNotes(context.Background(), "alice", 20)
	if len(notes) != 1 || notes[0] != "user prefers metric units" {
		t.Fatalf("notes = %v", notes)
	}
	if !log.has("content_replace") {
		t.Error("missing content_replace after memory extraction")
	}
	msg := st.lastMessage(t, "conv-1", llm.RoleAssistant)
	if strings.Contains(msg.Content, "[MEMORY:") {
		t.Errorf("memory tag leaked into stored content: %q", msg.Content)
	}
}

func TestRunTurnRegenerateSkipsUserMessage(t *testing.T) {
	st := newFakeStore()
	conv, _ := st.Create(context.Background(), "alice", "test-model")
	st.AddMessage(context.Background(), conv.ID, &store.Message{Role: llm.RoleUser, Content: "hi"})

	provider := &fakeProvider{streams: []llm.Stream{&scriptStream{events: []llm.Event{
		{Type: llm.EventContent, Text: "Second take."},
	}}}}
	orch := newTestOrchestrator(st, provider, nil)

	if err := orch.RunTurn(context.Background(), TurnRequest{
		ConvID: conv.ID, Owner: "alice", Regenerate: true,
	}, (&eventLog{}).emit); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	msgs, _ := st.Messages(context.Background(), conv.ID)
	users := 0
	for _, m := range msgs {
		if m.Role == llm.RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Errorf("user messages = %d, want 1 (regenerate must not add one)", users)
	}
}
