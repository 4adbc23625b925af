package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OllamaProvider implements Provider against a local Ollama server's
// native /api/chat endpoint (newline-delimited JSON, not SSE). Used
// for the uncensored "Lexi" model and the "Omega" tool planner.
type OllamaProvider struct {
	baseURL string
	model   string
	name    string
}

func NewOllamaProvider(baseURL, model, name string) *OllamaProvider {
	return &OllamaProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		name:    name,
	}
}

func (p *OllamaProvider) Name() string {
	return fmt.Sprintf("%s (%s)", p.name, p.model)
}

func (p *OllamaProvider) Capabilities() Capabilities {
	// Tool use on local models goes through text-embedded call
	// parsing, not native tool calling.
	return Capabilities{ToolCalls: false, Thinking: true}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Think    *bool           `json:"think,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role     string   `json:"role"`
	Content  string   `json:"content"`
	Images   []string `json:"images,omitempty"`
	Thinking string   `json:"thinking,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func (p *OllamaProvider) buildChatRequest(req Request, stream bool) ollamaChatRequest {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := string(msg.Role)
		if msg.Role == RoleTool {
			// Ollama has no tool role; fold results in as user
			// context so local models still see them.
			role = "user"
		}
		messages = append(messages, ollamaMessage{
			Role:    role,
			Content: msg.Content,
			Images:  msg.Images,
		})
	}
	chatReq := ollamaChatRequest{
		Model:    chooseModel(req.Model, p.model),
		Messages: messages,
		Stream:   stream,
	}
	if req.DisableThinking {
		f := false
		chatReq.Think = &f
	}
	opts := &ollamaOptions{}
	used := false
	if req.Temperature > 0 {
		v := req.Temperature
		opts.Temperature = &v
		used = true
	}
	if req.TopP > 0 {
		v := req.TopP
		opts.TopP = &v
		used = true
	}
	if req.MaxOutputTokens > 0 {
		v := req.MaxOutputTokens
		opts.NumPredict = &v
		used = true
	}
	if used {
		chatReq.Options = opts
	}
	return chatReq
}

func (p *OllamaProvider) post(ctx context.Context, chatReq ollamaChatRequest) (*http.Response, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return defaultHTTPClient.Do(httpReq)
}

func (p *OllamaProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		resp, err := p.post(ctx, p.buildChatRequest(req, true))
		if err != nil {
			return fmt.Errorf("%s request failed: %w", p.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			errBody, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%s error (status %d): %s", p.name, resp.StatusCode, string(errBody))
		}

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		var usage *Usage
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				return fmt.Errorf("%s error: %s", p.name, chunk.Error)
			}
			if chunk.Message.Thinking != "" {
				events <- Event{Type: EventThinking, Text: chunk.Message.Thinking}
			}
			if chunk.Message.Content != "" {
				events <- Event{Type: EventContent, Text: chunk.Message.Content}
			}
			if chunk.Done {
				if chunk.EvalCount > 0 || chunk.PromptEvalCount > 0 {
					usage = &Usage{
						InputTokens:  chunk.PromptEvalCount,
						OutputTokens: chunk.EvalCount,
					}
				}
				break
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("%s streaming error: %w", p.name, err)
		}
		if usage != nil {
			events <- Event{Type: EventUsage, Use: usage}
		}
		events <- Event{Type: EventDone}
		return nil
	}), nil
}

func (p *OllamaProvider) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := p.post(ctx, p.buildChatRequest(req, false))
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s error (status %d): %s", p.name, resp.StatusCode, string(respBody))
	}
	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if chatResp.Error != "" {
		return "", fmt.Errorf("%s error: %s", p.name, chatResp.Error)
	}
	return chatResp.Message.Content, nil
}
