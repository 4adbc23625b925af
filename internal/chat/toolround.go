package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samsaffron/chatrelay/internal/llm"
	"github.com/samsaffron/chatrelay/internal/store"
)

const (
	toolFollowupFallback = "I ran the requested tool but couldn't summarize the result. The raw output is attached to this conversation."

	// Transient instruction appended to the follow-up context. It is
	// never persisted; the stored history keeps only the calls and
	// their results.
	toolAnswerInstruction = "Use the tool results above to answer the user's question directly. Do not call any more tools."
)

// runToolRound executes the model's requested tool calls, persists
// each result, then streams a follow-up turn with thinking disabled so
// the model answers from the results.
func (o *Orchestrator) runToolRound(ctx context.Context, em *emitter, provider llm.Provider, contextSize int, conv *store.Conversation, msgID, content, thinking string, calls []llm.ToolCall, speech *speechState) error {
	meta := map[string]interface{}{"tools_available": toolNames(o.executor.Specs())}

	// The assistant message that requested the tools is finalized
	// first so the calls are on record even if execution fails.
	if err := o.store.FinalizeMessage(ctx, conv.ID, msgID, content, thinking, calls); err != nil {
		return fmt.Errorf("finalize tool-call message: %w", err)
	}
	em.send(messageEvent(msgID, string(llm.RoleAssistant), meta))

	for _, call := range calls {
		if o.registry.Cancelled(conv.ID) {
			return o.cancelToolRound(ctx, em, conv)
		}
		em.send(toolCallEvent(call.Name, call.Arguments))

		result := o.executor.Execute(ctx, call, conv.Owner, conv.ID)
		result = llm.SanitizeToolResult(result)

		if o.registry.Cancelled(conv.ID) {
			return o.cancelToolRound(ctx, em, conv)
		}

		body, err := json.Marshal(result)
		if err != nil {
			body = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()))
		}
		toolMsg := &store.Message{
			Role:       llm.RoleTool,
			Content:    string(body),
			ToolCallID: call.ID,
		}
		if err := o.store.AddMessage(ctx, conv.ID, toolMsg); err != nil {
			return fmt.Errorf("persist tool result: %w", err)
		}
		em.send(toolResultEvent(call.Name, result))
	}

	// Rebuild the context so the follow-up sees the calls and results
	// just persisted, then steer it with a transient instruction.
	outbound, err := o.compactor.Prepare(ctx, o.store, conv, o.systemPrompt(ctx, conv.Owner), contextSize)
	if err != nil {
		em.send(errorEvent("failed to prepare follow-up context"))
		return err
	}
	outbound = append(outbound, llm.SystemText(toolAnswerInstruction))

	followup := &store.Message{Role: llm.RoleAssistant}
	if err := o.store.AddMessage(ctx, conv.ID, followup); err != nil {
		return fmt.Errorf("persist follow-up placeholder: %w", err)
	}

	llmReq := llm.Request{
		Model:           conv.Model,
		Messages:        outbound,
		Temperature:     o.settings.Chat.Temperature,
		TopP:            o.settings.Chat.TopP,
		MaxOutputTokens: o.settings.Chat.MaxTokens,
		DisableThinking: true,
	}

	res := o.streamTurn(ctx, em, provider, conv, followup.ID, llmReq, speech)
	switch res.status {
	case statusCancelled:
		return o.finishCancelled(ctx, em, conv, followup.ID, res, speech)
	case statusFailed:
		return o.finishFailed(ctx, em, conv, followup.ID, res, speech)
	}

	followupContent := llm.StripEmbeddedToolCalls(res.content)
	if strings.TrimSpace(followupContent) == "" {
		followupContent = toolFollowupFallback
		em.sendContent(followupContent)
	}
	return o.finishTurn(ctx, em, conv, followup.ID, followupContent, res.thinking, nil, meta, speech)
}

func toolNames(specs []llm.ToolSpec) []string {
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	return names
}

// cancelToolRound ends a turn that was cancelled between tool
// executions. The tool-call message is already finalized, so only the
// marker remains to record.
func (o *Orchestrator) cancelToolRound(ctx context.Context, em *emitter, conv *store.Conversation) error {
	marker := &store.Message{Role: llm.RoleAssistant, Content: cancelMarker}
	if err := o.store.AddMessage(ctx, conv.ID, marker); err != nil {
		o.log.Warnw("failed to persist cancellation marker", "conversation", conv.ID, "error", err)
	}
	em.closeThinking()
	em.send(cancelledEvent(cancelMarker))
	return nil
}
