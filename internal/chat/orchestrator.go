package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/samsaffron/chatrelay/internal/cancel"
	"github.com/samsaffron/chatrelay/internal/config"
	"github.com/samsaffron/chatrelay/internal/llm"
	"github.com/samsaffron/chatrelay/internal/memory"
	"github.com/samsaffron/chatrelay/internal/store"
	"github.com/samsaffron/chatrelay/internal/tools"
	"github.com/samsaffron/chatrelay/internal/tts"
)

// ErrConversationBusy is returned when a turn is requested for a
// conversation that is already generating a reply.
var ErrConversationBusy = errors.New("conversation is already generating a reply")

const (
	cancelMarker    = "*[Generation cancelled by user]*"
	apologyFallback = "I apologize, but I wasn't able to generate a response. Please try again."

	// Keepalive cadence for clients doing blocking reads, and the
	// cadence at which partial assistant content is flushed to the
	// database.
	keepaliveInterval = time.Second
	persistInterval   = time.Second
	persistChars      = 100

	titleTimeout = 30 * time.Second
)

// RouteFunc resolves a model name to the provider that serves it and
// the provider's context window size in tokens.
type RouteFunc func(model string) (llm.Provider, int)

// Settings carry the per-turn generation knobs the orchestrator
// applies to every provider request.
type Settings struct {
	Chat     config.ChatConfig
	Thinking config.ThinkingConfig
	TTS      config.TTSConfig
}

// Orchestrator runs full chat turns: it persists the user message,
// streams the assistant reply token by token, coordinates tool
// round-trips, compaction, speech synthesis and cancellation, and
// finalizes the assistant message when the stream ends.
type Orchestrator struct {
	store     store.Store
	route     RouteFunc
	executor  tools.Executor
	registry  *cancel.Registry
	compactor *Compactor
	synth     *tts.Synthesizer
	settings  Settings
	log       *zap.SugaredLogger

	// One weighted semaphore per conversation guards against
	// concurrent turns on the same conversation.
	locks sync.Map
}

func NewOrchestrator(st store.Store, route RouteFunc, executor tools.Executor, registry *cancel.Registry, compactor *Compactor, synth *tts.Synthesizer, settings Settings, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		route:     route,
		executor:  executor,
		registry:  registry,
		compactor: compactor,
		synth:     synth,
		settings:  settings,
		log:       log,
	}
}

// TurnRequest describes one inbound chat turn.
type TurnRequest struct {
	ConvID  string
	Owner   string
	Content string
	Images  []string
	// Model is used when the turn creates a new conversation;
	// existing conversations keep their model.
	Model string
	// VoiceMode enables streaming speech synthesis for this turn.
	VoiceMode bool
	Voice     string
	// Regenerate skips persisting a user message and regenerates the
	// assistant reply from the existing history.
	Regenerate bool
}

// Registry exposes the cancellation registry so the HTTP layer can
// serve cancel requests against the same flags the session loop polls.
func (o *Orchestrator) Registry() *cancel.Registry {
	return o.registry
}

// RunTurn executes a complete chat turn, emitting events through emit
// as they happen. It returns ErrConversationBusy when a turn is
// already running for the conversation and store.ErrNotFound when the
// conversation does not exist.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest, emit EmitFunc) error {
	conv, created, err := o.resolveConversation(ctx, req)
	if err != nil {
		return err
	}

	lock := o.lockFor(conv.ID)
	if !lock.TryAcquire(1) {
		return ErrConversationBusy
	}
	defer lock.Release(1)

	o.registry.Begin(conv.ID)
	defer o.registry.Clear(conv.ID)

	em := &emitter{emit: emit, lastEmit: time.Now()}
	em.send(conversationEvent(conv.ID))
	// Immediate keepalive so clients doing a blocking first read get
	// bytes before the provider connection is even opened.
	em.sendThinking("")

	if !req.Regenerate {
		user := &store.Message{Role: llm.RoleUser, Content: req.Content, Images: req.Images}
		if err := o.store.AddMessage(ctx, conv.ID, user); err != nil {
			return fmt.Errorf("persist user message: %w", err)
		}
		em.send(messageEvent(user.ID, string(llm.RoleUser), nil))
	}

	provider, contextSize := o.route(conv.Model)
	if provider == nil {
		return fmt.Errorf("no provider serves model %q", conv.Model)
	}

	if err := o.generate(ctx, em, provider, contextSize, conv, req); err != nil {
		return err
	}

	if created && !req.Regenerate && req.Content != "" {
		o.titleAsync(provider, conv, req.Content)
	}
	return nil
}

func (o *Orchestrator) resolveConversation(ctx context.Context, req TurnRequest) (*store.Conversation, bool, error) {
	if req.ConvID != "" {
		conv, err := o.store.Get(ctx, req.ConvID, req.Owner)
		return conv, false, err
	}
	conv, err := o.store.Create(ctx, req.Owner, req.Model)
	return conv, true, err
}

func (o *Orchestrator) lockFor(convID string) *semaphore.Weighted {
	v, _ := o.locks.LoadOrStore(convID, semaphore.NewWeighted(1))
	return v.(*semaphore.Weighted)
}

// systemPrompt builds the effective system prompt for an owner:
// the configured prompt plus any remembered facts.
func (o *Orchestrator) systemPrompt(ctx context.Context, owner string) string {
	prompt := o.settings.Chat.SystemPrompt
	notes, err := o.store.MemoryNotes(ctx, owner, 20)
	if err != nil {
		o.log.Warnw("failed to load memory notes", "owner", owner, "error", err)
		return prompt
	}
	if len(notes) == 0 {
		return prompt
	}
	return strings.TrimSpace(prompt + "\n\nRemembered facts about the user:\n- " + strings.Join(notes, "\n- "))
}

// generate runs the primary stream plus, when the model requests
// tools, the tool round-trip and follow-up stream.
func (o *Orchestrator) generate(ctx context.Context, em *emitter, provider llm.Provider, contextSize int, conv *store.Conversation, req TurnRequest) error {
	outbound, err := o.compactor.Prepare(ctx, o.store, conv, o.systemPrompt(ctx, conv.Owner), contextSize)
	if err != nil {
		em.send(errorEvent("failed to prepare context"))
		return err
	}

	placeholder := &store.Message{Role: llm.RoleAssistant}
	if err := o.store.AddMessage(ctx, conv.ID, placeholder); err != nil {
		return fmt.Errorf("persist assistant placeholder: %w", err)
	}

	speech := o.newSpeech(req)

	llmReq := llm.Request{
		Model:           conv.Model,
		Messages:        outbound,
		Temperature:     o.settings.Chat.Temperature,
		TopP:            o.settings.Chat.TopP,
		MaxOutputTokens: o.settings.Chat.MaxTokens,
	}
	if o.executor != nil && provider.Capabilities().ToolCalls {
		llmReq.Tools = o.executor.Specs()
	}

	res := o.streamTurn(ctx, em, provider, conv, placeholder.ID, llmReq, speech)
	switch res.status {
	case statusCancelled:
		return o.finishCancelled(ctx, em, conv, placeholder.ID, res, speech)
	case statusFailed:
		return o.finishFailed(ctx, em, conv, placeholder.ID, res, speech)
	case statusHardStop:
		// Runaway thinking is a forced stop, not a failure: finalize
		// normally with whatever was collected.
		o.log.Warnw("thinking hit the hard token limit, stopping the stream",
			"conversation", conv.ID, "limit", o.settings.Thinking.HardLimit)
		return o.finishTurn(ctx, em, conv, placeholder.ID, res.content, res.thinking, nil, nil, speech)
	}

	calls := res.calls
	content := res.content
	if len(calls) == 0 {
		// Models without native tool calling embed the call in the
		// text stream instead.
		if embedded := llm.ParseEmbeddedToolCalls(content); len(embedded) > 0 {
			calls = embedded
			content = llm.StripEmbeddedToolCalls(content)
		}
	}
	if len(calls) > 0 && o.executor != nil {
		return o.runToolRound(ctx, em, provider, contextSize, conv, placeholder.ID, content, res.thinking, calls, speech)
	}

	return o.finishTurn(ctx, em, conv, placeholder.ID, content, res.thinking, nil, nil, speech)
}

// finishTurn applies end-of-stream post-processing to the assistant
// reply and closes out the turn: memory extraction, media stripping,
// the empty-reply apology, speech flush, finalize, done.
func (o *Orchestrator) finishTurn(ctx context.Context, em *emitter, conv *store.Conversation, msgID, content, thinking string, toolCalls []llm.ToolCall, meta map[string]interface{}, speech *speechState) error {
	cleaned, notes := memory.Extract(content)
	cleaned = tts.StripMedia(cleaned)
	if strings.TrimSpace(cleaned) == "" {
		cleaned = apologyFallback
		em.sendContent(cleaned)
	} else if cleaned != content {
		em.send(contentReplaceEvent(cleaned))
	}
	for _, note := range notes {
		if err := o.store.AddMemoryNote(ctx, conv.Owner, note); err != nil {
			o.log.Warnw("failed to save memory note", "error", err)
		}
	}

	if speech != nil {
		speech.finish(ctx, em)
	}

	if err := o.store.FinalizeMessage(ctx, conv.ID, msgID, cleaned, thinking, toolCalls); err != nil {
		return fmt.Errorf("finalize assistant message: %w", err)
	}
	em.send(messageEvent(msgID, string(llm.RoleAssistant), meta))
	em.send(doneEvent("stop"))
	return nil
}

// finishCancelled persists whatever partial content exists with the
// cancellation marker appended. No done event is emitted; the
// cancelled event is the terminal one.
func (o *Orchestrator) finishCancelled(ctx context.Context, em *emitter, conv *store.Conversation, msgID string, res streamResult, speech *speechState) error {
	content := res.content
	if strings.TrimSpace(content) != "" {
		content += "\n\n" + cancelMarker
	} else {
		content = cancelMarker
	}
	if speech != nil {
		speech.discard(ctx)
	}
	if err := o.store.FinalizeMessage(ctx, conv.ID, msgID, content, res.thinking, res.calls); err != nil {
		o.log.Warnw("failed to persist cancelled message", "conversation", conv.ID, "error", err)
	}
	em.closeThinking()
	em.send(cancelledEvent(cancelMarker))
	return nil
}

// finishFailed keeps any partial content so the user does not lose
// what already streamed, and surfaces the error to the client.
func (o *Orchestrator) finishFailed(ctx context.Context, em *emitter, conv *store.Conversation, msgID string, res streamResult, speech *speechState) error {
	if speech != nil {
		speech.discard(ctx)
	}
	if err := o.store.FinalizeMessage(ctx, conv.ID, msgID, res.content, res.thinking, res.calls); err != nil {
		o.log.Warnw("failed to persist partial message", "conversation", conv.ID, "error", err)
	}
	msg := "generation failed"
	if res.err != nil {
		msg = res.err.Error()
	}
	em.send(errorEvent(msg))
	return res.err
}

type turnStatus int

const (
	statusOK turnStatus = iota
	statusCancelled
	statusFailed
	statusHardStop
)

type streamResult struct {
	thinking string
	content  string
	calls    []llm.ToolCall
	status   turnStatus
	err      error
}

// streamTurn consumes one provider stream, relaying events, polling
// the cancellation flag, enforcing thinking limits and persisting
// partial content on a cadence.
func (o *Orchestrator) streamTurn(ctx context.Context, em *emitter, provider llm.Provider, conv *store.Conversation, msgID string, req llm.Request, speech *speechState) streamResult {
	stream, err := provider.Stream(ctx, req)
	if err != nil {
		return streamResult{status: statusFailed, err: fmt.Errorf("open stream: %w", err)}
	}
	defer stream.Close()

	type recvItem struct {
		ev  llm.Event
		err error
	}
	recvCh := make(chan recvItem, 16)
	turnDone := make(chan struct{})
	defer close(turnDone)
	go func() {
		for {
			ev, err := stream.Recv()
			select {
			case recvCh <- recvItem{ev, err}:
			case <-turnDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var res streamResult
	var thinking, content strings.Builder
	softWarned := false
	lastPersist := time.Now()
	persistedLen := 0
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

loop:
	for {
		if o.registry.Cancelled(conv.ID) {
			res.status = statusCancelled
			break
		}
		select {
		case item := <-recvCh:
			if item.err == io.EOF {
				res.status = statusOK
				break loop
			}
			if item.err != nil {
				res.status = statusFailed
				res.err = item.err
				break loop
			}
			em.activity = true
			switch item.ev.Type {
			case llm.EventThinking:
				thinking.WriteString(item.ev.Text)
				em.sendThinking(item.ev.Text)
				tok := EstimateTokens(thinking.String())
				if o.settings.Thinking.HardLimit > 0 && tok > o.settings.Thinking.HardLimit {
					res.status = statusHardStop
					break loop
				}
				if !softWarned && o.settings.Thinking.SoftLimit > 0 && tok > o.settings.Thinking.SoftLimit {
					softWarned = true
					o.log.Warnw("thinking running long", "conversation", conv.ID, "tokens", tok)
				}
			case llm.EventContent:
				content.WriteString(item.ev.Text)
				em.sendContent(item.ev.Text)
				if speech != nil {
					speech.feed(ctx, item.ev.Text)
				}
				if time.Since(lastPersist) >= persistInterval || content.Len()-persistedLen >= persistChars {
					if err := o.store.UpdateMessage(ctx, conv.ID, msgID, content.String()); err != nil {
						o.log.Warnw("failed to persist partial content", "conversation", conv.ID, "error", err)
					}
					lastPersist = time.Now()
					persistedLen = content.Len()
				}
			case llm.EventToolCall:
				if item.ev.Tool != nil {
					res.calls = append(res.calls, *item.ev.Tool)
				}
			}
		case <-keepalive.C:
			if speech != nil {
				speech.drain(em)
			}
			// Artificial thinking keepalives stop at the first real
			// provider event; from then on only protocol pings cover
			// upstream silence.
			if !em.activity && em.idle(keepaliveInterval) {
				em.sendThinking("")
			}
		case <-ctx.Done():
			res.status = statusFailed
			res.err = ctx.Err()
			break loop
		}
	}

	res.thinking = thinking.String()
	res.content = content.String()
	return res
}

const titlePrompt = "Write a title of at most six words for the conversation that starts with the message below. Reply with the title only, no quotes or punctuation around it."

// titleAsync names a freshly created conversation in the background.
func (o *Orchestrator) titleAsync(provider llm.Provider, conv *store.Conversation, firstMessage string) {
	go func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), titleTimeout)
		defer cancelFn()
		title, err := provider.Complete(ctx, llm.Request{
			Model: conv.Model,
			Messages: []llm.Message{
				llm.SystemText(titlePrompt),
				llm.UserText(firstMessage),
			},
			MaxOutputTokens: 32,
			DisableThinking: true,
		})
		if err != nil {
			o.log.Debugw("auto-title failed", "conversation", conv.ID, "error", err)
			return
		}
		title = clampTitle(title)
		if title == "" {
			return
		}
		if err := o.store.Rename(ctx, conv.ID, conv.Owner, title); err != nil {
			o.log.Debugw("auto-title rename failed", "conversation", conv.ID, "error", err)
		}
	}()
}

func clampTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	words := strings.Fields(title)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}

// emitter wraps the caller's emit callback. Once a send fails the
// client is treated as gone and further events are dropped, while the
// turn itself runs to completion so the reply is still persisted.
// It also tracks the thinking/content boundary: any thinking token,
// keepalive included, opens a reasoning phase that must be closed with
// a single thinking_done marker before the first content token.
type emitter struct {
	emit     EmitFunc
	gone     bool
	lastEmit time.Time

	// activity flips on the first real provider event and turns off
	// artificial thinking keepalives for the rest of the turn.
	activity       bool
	thinkingOpen   bool
	thinkingClosed bool
}

func (e *emitter) send(ev Event) {
	if e.gone {
		return
	}
	if err := e.emit(ev); err != nil {
		e.gone = true
		return
	}
	e.lastEmit = time.Now()
}

func (e *emitter) sendThinking(text string) {
	e.thinkingOpen = true
	e.send(thinkingTokenEvent(text))
}

func (e *emitter) sendContent(text string) {
	e.closeThinking()
	e.send(contentTokenEvent(text))
}

func (e *emitter) closeThinking() {
	if e.thinkingOpen && !e.thinkingClosed {
		e.thinkingClosed = true
		e.send(thinkingDoneEvent())
	}
}

func (e *emitter) idle(d time.Duration) bool {
	return time.Since(e.lastEmit) >= d
}

// speechState accumulates streamed tokens into sentences and keeps
// the in-flight synthesis tasks for one turn.
type speechState struct {
	synth   *tts.Synthesizer
	buf     *tts.SentenceBuffer
	tasks   *tts.TaskSet
	voice   string
	emitted int
	log     *zap.SugaredLogger
}

func (o *Orchestrator) newSpeech(req TurnRequest) *speechState {
	if !req.VoiceMode || o.synth == nil || !o.settings.TTS.Enabled {
		return nil
	}
	return &speechState{
		synth: o.synth,
		buf:   tts.NewSentenceBuffer(o.settings.TTS.MinSentenceLen, o.settings.TTS.MaxSentenceLen),
		tasks: tts.NewTaskSet(),
		voice: req.Voice,
		log:   o.log,
	}
}

func (s *speechState) feed(ctx context.Context, token string) {
	for _, sentence := range s.buf.Add(token) {
		s.dispatch(ctx, sentence)
	}
}

func (s *speechState) dispatch(ctx context.Context, sentence string) {
	clean := tts.CleanForSpeech(tts.StripMedia(sentence))
	if strings.TrimSpace(clean) == "" {
		return
	}
	s.tasks.Dispatch(ctx, s.synth, clean, s.voice)
}

func (s *speechState) drain(em *emitter) {
	for _, chunk := range s.tasks.Drain() {
		s.emitChunk(em, chunk)
	}
}

// finish flushes the trailing partial sentence, waits for all pending
// synthesis and emits the terminal tts_done event.
func (s *speechState) finish(ctx context.Context, em *emitter) {
	if rest := s.buf.Flush(); rest != "" {
		s.dispatch(ctx, rest)
	}
	for _, chunk := range s.tasks.Join(ctx) {
		s.emitChunk(em, chunk)
	}
	em.send(ttsDoneEvent(s.emitted))
}

// discard waits out pending tasks without emitting audio. Used on
// cancellation and failure so synthesis goroutines do not leak.
func (s *speechState) discard(ctx context.Context) {
	s.buf.Flush()
	s.tasks.Join(ctx)
}

func (s *speechState) emitChunk(em *emitter, chunk tts.Chunk) {
	if chunk.Err != nil {
		s.log.Warnw("speech synthesis failed", "chunk", chunk.Index, "error", chunk.Err)
		return
	}
	em.send(ttsChunkEvent(chunk.Index, chunk.Text, chunk.Audio))
	s.emitted++
}
