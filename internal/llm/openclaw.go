package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// httpClientTimeout is generous on purpose: long-form generations can
// legitimately run for minutes. Liveness while streaming is handled by
// the orchestrator's bounded-wait loop, not by this deadline.
const httpClientTimeout = 10 * time.Minute

var defaultHTTPClient = &http.Client{
	Timeout: httpClientTimeout,
}

// OpenClawProvider implements Provider against an OpenAI-compatible
// chat-completions gateway (the hosted Claude relay). Also usable for
// LM Studio and similar compatible servers.
type OpenClawProvider struct {
	baseURL string
	apiKey  string
	model   string
	name    string
	headers map[string]string
}

func NewOpenClawProvider(baseURL, apiKey, model, name string) *OpenClawProvider {
	return NewOpenClawProviderWithHeaders(baseURL, apiKey, model, name, nil)
}

func NewOpenClawProviderWithHeaders(baseURL, apiKey, model, name string, headers map[string]string) *OpenClawProvider {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &OpenClawProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		name:    name,
		headers: headers,
	}
}

func (p *OpenClawProvider) Name() string {
	return fmt.Sprintf("%s (%s)", p.name, p.model)
}

func (p *OpenClawProvider) Capabilities() Capabilities {
	return Capabilities{ToolCalls: true, Thinking: true}
}

// OpenAI-compatible request/response structures.
type oaiChatRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
	Thinking    *bool        `json:"thinking,omitempty"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    interface{}   `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type oaiChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []oaiChoice  `json:"choices"`
	Usage   *oaiUsage    `json:"usage,omitempty"`
	Error   *oaiAPIError `json:"error,omitempty"`
}

type oaiChoice struct {
	Index        int       `json:"index"`
	Message      *oaiDelta `json:"message,omitempty"`
	Delta        *oaiDelta `json:"delta,omitempty"`
	FinishReason string    `json:"finish_reason"`
}

// oaiDelta covers both streamed deltas and full messages. Gateways
// disagree on the chain-of-thought field name, so both are read.
type oaiDelta struct {
	Role      string        `json:"role,omitempty"`
	Content   string        `json:"content,omitempty"`
	Reasoning string        `json:"reasoning_content,omitempty"`
	Thinking  string        `json:"thinking,omitempty"`
	ToolCalls []oaiToolCall `json:"tool_calls,omitempty"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type oaiAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *OpenClawProvider) makeRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for key, value := range p.headers {
		if value == "" {
			continue
		}
		httpReq.Header.Set(key, value)
	}
	return defaultHTTPClient.Do(httpReq)
}

func (p *OpenClawProvider) buildChatRequest(req Request, stream bool) (oaiChatRequest, error) {
	messages := buildCompatMessages(req.Messages)
	if len(messages) == 0 {
		return oaiChatRequest{}, fmt.Errorf("no messages provided")
	}
	tools, err := buildCompatTools(req.Tools)
	if err != nil {
		return oaiChatRequest{}, err
	}
	chatReq := oaiChatRequest{
		Model:    chooseModel(req.Model, p.model),
		Messages: messages,
		Tools:    tools,
		Stream:   stream,
	}
	if req.Temperature > 0 {
		v := req.Temperature
		chatReq.Temperature = &v
	}
	if req.TopP > 0 {
		v := req.TopP
		chatReq.TopP = &v
	}
	if req.MaxOutputTokens > 0 {
		v := req.MaxOutputTokens
		chatReq.MaxTokens = &v
	}
	if req.DisableThinking {
		f := false
		chatReq.Thinking = &f
	}
	return chatReq, nil
}

func (p *OpenClawProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		chatReq, err := p.buildChatRequest(req, true)
		if err != nil {
			return err
		}
		body, err := json.Marshal(chatReq)
		if err != nil {
			return err
		}
		resp, err := p.makeRequest(ctx, "POST", "/chat/completions", body)
		if err != nil {
			return fmt.Errorf("%s API request failed: %w", p.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			errBody, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%s API error (status %d): %s", p.name, resp.StatusCode, string(errBody))
		}

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		toolState := newCompatToolState()
		var lastUsage *Usage
		finished := false

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chatResp oaiChatResponse
			if err := json.Unmarshal([]byte(data), &chatResp); err != nil {
				// Non-JSON chunks are skipped, not fatal.
				continue
			}
			if chatResp.Error != nil {
				return fmt.Errorf("%s API error: %s", p.name, chatResp.Error.Message)
			}
			if chatResp.Usage != nil {
				lastUsage = &Usage{
					InputTokens:  chatResp.Usage.PromptTokens,
					OutputTokens: chatResp.Usage.CompletionTokens,
				}
			}

			for _, choice := range chatResp.Choices {
				if choice.Delta != nil {
					if thinking := choice.Delta.thinkingText(); thinking != "" {
						events <- Event{Type: EventThinking, Text: thinking}
					}
					if choice.Delta.Content != "" {
						events <- Event{Type: EventContent, Text: choice.Delta.Content}
					}
					if len(choice.Delta.ToolCalls) > 0 {
						toolState.Add(choice.Delta.ToolCalls)
					}
				}
				if choice.FinishReason != "" {
					finished = true
				}
			}
		}
		if err := scanner.Err(); err != nil && !finished {
			return fmt.Errorf("%s streaming error: %w", p.name, err)
		}

		for _, call := range toolState.Calls() {
			c := call
			events <- Event{Type: EventToolCall, Tool: &c}
		}
		if lastUsage != nil {
			events <- Event{Type: EventUsage, Use: lastUsage}
		}
		events <- Event{Type: EventDone}
		return nil
	}), nil
}

func (p *OpenClawProvider) Complete(ctx context.Context, req Request) (string, error) {
	chatReq, err := p.buildChatRequest(req, false)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return "", err
	}
	resp, err := p.makeRequest(ctx, "POST", "/chat/completions", body)
	if err != nil {
		return "", fmt.Errorf("%s API request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s API error (status %d): %s", p.name, resp.StatusCode, string(respBody))
	}
	var chatResp oaiChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("%s API error: %s", p.name, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message == nil {
		return "", fmt.Errorf("%s returned no choices", p.name)
	}
	return chatResp.Choices[0].Message.Content, nil
}

func (d *oaiDelta) thinkingText() string {
	if d.Reasoning != "" {
		return d.Reasoning
	}
	return d.Thinking
}

func buildCompatMessages(messages []Message) []oaiMessage {
	var result []oaiMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant:
			if msg.Role == RoleAssistant && len(msg.ToolCalls) > 0 {
				result = append(result, oaiMessage{
					Role:      "assistant",
					Content:   msg.Content,
					ToolCalls: buildCompatToolCalls(msg.ToolCalls),
				})
				continue
			}
			if msg.Role == RoleUser && len(msg.Images) > 0 {
				parts := []oaiContentPart{{Type: "text", Text: msg.Content}}
				for _, img := range msg.Images {
					url := img
					if !strings.HasPrefix(url, "data:") {
						url = "data:image/png;base64," + url
					}
					parts = append(parts, oaiContentPart{
						Type:     "image_url",
						ImageURL: &oaiImageURL{URL: url},
					})
				}
				result = append(result, oaiMessage{Role: "user", Content: parts})
				continue
			}
			if msg.Content == "" {
				continue
			}
			result = append(result, oaiMessage{Role: string(msg.Role), Content: msg.Content})
		case RoleTool:
			result = append(result, oaiMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return result
}

func buildCompatToolCalls(calls []ToolCall) []oaiToolCall {
	out := make([]oaiToolCall, 0, len(calls))
	for _, call := range calls {
		tc := oaiToolCall{ID: call.ID, Type: "function"}
		tc.Function.Name = call.Name
		tc.Function.Arguments = call.MarshalArguments()
		out = append(out, tc)
	}
	return out
}

func buildCompatTools(specs []ToolSpec) ([]oaiTool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]oaiTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool schema %s: %w", spec.Name, err)
		}
		tools = append(tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return tools, nil
}

func chooseModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}

// compatToolState assembles streamed tool-call fragments keyed by
// choice index. Fragments set the id and name once and append to a
// growing arguments string; arguments are parsed only when the stream
// finishes.
type compatToolState struct {
	byIndex map[int]*toolCallState
	order   []int
}

type toolCallState struct {
	id   string
	name string
	args strings.Builder
}

func newCompatToolState() *compatToolState {
	return &compatToolState{byIndex: make(map[int]*toolCallState)}
}

func (s *compatToolState) Add(calls []oaiToolCall) {
	for _, call := range calls {
		idx := call.Index
		state, ok := s.byIndex[idx]
		if !ok {
			state = &toolCallState{}
			s.byIndex[idx] = state
			s.order = append(s.order, idx)
		}
		if call.ID != "" {
			state.id = call.ID
		}
		if call.Function.Name != "" {
			state.name = call.Function.Name
		}
		if call.Function.Arguments != "" {
			state.args.WriteString(call.Function.Arguments)
		}
	}
}

func (s *compatToolState) Calls() []ToolCall {
	sort.Ints(s.order)
	calls := make([]ToolCall, 0, len(s.order))
	for _, idx := range s.order {
		state := s.byIndex[idx]
		if state.name == "" {
			continue
		}
		raw := state.args.String()
		call := ToolCall{
			ID:           state.id,
			Name:         state.name,
			RawArguments: raw,
		}
		if raw != "" {
			var parsed map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
				call.Arguments = parsed
			}
		}
		if call.Arguments == nil {
			call.Arguments = map[string]interface{}{}
		}
		calls = append(calls, call)
	}
	return calls
}
