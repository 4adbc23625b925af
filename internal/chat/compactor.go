package chat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/samsaffron/chatrelay/internal/config"
	"github.com/samsaffron/chatrelay/internal/llm"
	"github.com/samsaffron/chatrelay/internal/store"
)

const truncationNotice = "[Earlier conversation history was truncated to fit the context window.]"

// EstimateTokens approximates token count with the chars/4 heuristic.
// Approximate only: under-counts dense code/JSON and some non-English
// text. Good enough to drive compaction decisions.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

func estimateMessages(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg.Content) + 4 // per-message framing overhead
		for _, call := range msg.ToolCalls {
			total += EstimateTokens(call.MarshalArguments())
		}
	}
	return total
}

// Compactor rewrites conversation history to fit a model's context
// budget, folding old messages into a running summary when enabled
// and falling back to plain truncation when not (or when the
// summarization call fails).
type Compactor struct {
	cfg        config.CompactionConfig
	summarizer llm.Provider
	log        *zap.SugaredLogger
}

func NewCompactor(cfg config.CompactionConfig, summarizer llm.Provider, log *zap.SugaredLogger) *Compactor {
	return &Compactor{cfg: cfg, summarizer: summarizer, log: log}
}

// Prepare returns the outbound message list for one turn: system
// prompt, spliced summary, active history. Compaction may run a
// summarization call and update the stored summary as a side effect;
// any failure there degrades to truncation, never blocks the turn.
func (c *Compactor) Prepare(ctx context.Context, st store.Store, conv *store.Conversation, systemPrompt string, contextSize int) ([]llm.Message, error) {
	stored, err := st.Messages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	var active []store.Message
	for _, msg := range stored {
		if !msg.Compacted {
			active = append(active, msg)
		}
	}

	budget := contextSize - contextSize*c.cfg.ReservePercent/100
	if c.cfg.Enabled && c.summarizer != nil {
		threshold := contextSize * c.cfg.ThresholdPercent / 100
		if estimateMessages(toLLMMessages(active)) > threshold {
			active = c.compact(ctx, st, conv, active)
		}
	}

	var outbound []llm.Message
	if systemPrompt != "" {
		outbound = append(outbound, llm.SystemText(systemPrompt))
	}
	// A summary from this or any earlier turn is spliced back in as
	// a synthetic system message so context stays cumulative.
	if conv.Summary != "" {
		outbound = append(outbound, llm.SystemText("Summary of the earlier conversation:\n"+conv.Summary))
	}
	outbound = append(outbound, toLLMMessages(active)...)

	// Compaction reduces but does not guarantee a hard bound.
	return simpleTruncate(outbound, budget), nil
}

// compact folds everything but the protected tail into the summary.
// Returns the messages that remain active. Fail-open: on any error
// the input comes back unchanged and truncation handles the excess.
func (c *Compactor) compact(ctx context.Context, st store.Store, conv *store.Conversation, active []store.Message) []store.Message {
	protected := c.cfg.ProtectedMessages
	if protected < 1 {
		protected = 1
	}
	if len(active) <= protected {
		return active
	}
	prefix := active[:len(active)-protected]

	summary, err := c.summarize(ctx, conv.Summary, prefix)
	if err != nil {
		c.log.Warnw("compaction failed, falling back to truncation",
			"conversation", conv.ID, "err", err)
		return active
	}

	upTo := prefix[len(prefix)-1].Sequence
	tokens := EstimateTokens(summary)
	if err := st.SetSummary(ctx, conv.ID, summary, tokens, upTo); err != nil {
		c.log.Warnw("failed to persist summary", "conversation", conv.ID, "err", err)
		return active
	}
	conv.Summary = summary
	conv.SummaryTokens = tokens
	conv.SummaryUpTo = upTo
	c.log.Infow("compacted conversation history",
		"conversation", conv.ID, "absorbed", len(prefix), "summary_tokens", tokens)
	return active[len(prefix):]
}

// summarize produces a new cumulative summary. The prior summary is
// part of the prompt so earlier compactions are folded forward, never
// discarded.
func (c *Compactor) summarize(ctx context.Context, priorSummary string, prefix []store.Message) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize the following conversation concisely, preserving facts, names, decisions and open tasks. ")
	b.WriteString("Write plain prose, no preamble.\n\n")
	if priorSummary != "" {
		b.WriteString("Summary so far:\n")
		b.WriteString(priorSummary)
		b.WriteString("\n\nNew messages to fold into the summary:\n")
	} else {
		b.WriteString("Conversation:\n")
	}
	for _, msg := range prefix {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}

	summary, err := c.summarizer.Complete(ctx, llm.Request{
		Messages:        []llm.Message{llm.UserText(b.String())},
		MaxOutputTokens: 1024,
		DisableThinking: true,
	})
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty text")
	}
	return summary, nil
}

// simpleTruncate drops middle history when the estimate exceeds
// budget: leading system messages stay, the most recent suffix stays,
// and a single notice replaces what fell out. The final user message
// survives no matter what.
func simpleTruncate(messages []llm.Message, budget int) []llm.Message {
	if estimateMessages(messages) <= budget {
		return messages
	}

	// Leading system messages (prompt plus any summary splice).
	head := 0
	for head < len(messages) && messages[head].Role == llm.RoleSystem {
		head++
	}
	system := messages[:head]
	rest := messages[head:]
	if len(rest) == 0 {
		return messages
	}

	headTokens := estimateMessages(system) + EstimateTokens(truncationNotice) + 4
	remaining := budget - headTokens

	// Walk back from the end keeping whatever fits. The last
	// message (the triggering user message) is always kept even if
	// it alone busts the budget; the provider's own truncation
	// deals with that.
	keepFrom := len(rest)
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := EstimateTokens(rest[i].Content) + 4
		if used+cost > remaining && keepFrom < len(rest) {
			break
		}
		used += cost
		keepFrom = i
	}

	if keepFrom == 0 {
		return messages
	}

	out := make([]llm.Message, 0, len(system)+1+len(rest)-keepFrom)
	out = append(out, system...)
	out = append(out, llm.SystemText(truncationNotice))
	out = append(out, rest[keepFrom:]...)
	return out
}

func toLLMMessages(stored []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(stored))
	for _, msg := range stored {
		m := llm.Message{
			Role:       msg.Role,
			Content:    msg.Content,
			Images:     msg.Images,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
		}
		out = append(out, m)
	}
	return out
}
