package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Synthesizer speaks sentences via an OpenAI-compatible
// /v1/audio/speech endpoint.
type Synthesizer struct {
	baseURL string
	apiKey  string
	model   string
	voice   string
	client  *http.Client
}

func NewSynthesizer(baseURL, apiKey, model, voice string) *Synthesizer {
	return &Synthesizer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		voice:   voice,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type speechRequest struct {
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Input          string `json:"input"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize returns encoded audio for one sentence.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if voice == "" {
		voice = s.voice
	}
	body, err := json.Marshal(speechRequest{
		Model:          s.model,
		Voice:          voice,
		Input:          text,
		ResponseFormat: "mp3",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("speech error (status %d): %s", resp.StatusCode, string(errBody))
	}
	return io.ReadAll(resp.Body)
}

// Chunk is one completed synthesis result.
type Chunk struct {
	Index int
	Text  string
	Audio []byte
	Err   error
}

// TaskSet tracks in-flight synthesis goroutines for one stream so
// they can be drained each loop iteration and joined at stream end.
// No task outlives its request.
type TaskSet struct {
	wg      sync.WaitGroup
	results chan Chunk
	next    int
}

func NewTaskSet() *TaskSet {
	return &TaskSet{results: make(chan Chunk, 32)}
}

// Dispatch starts synthesis of one sentence in the background.
func (t *TaskSet) Dispatch(ctx context.Context, s *Synthesizer, text, voice string) {
	index := t.next
	t.next++
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		audio, err := s.Synthesize(ctx, text, voice)
		select {
		case t.results <- Chunk{Index: index, Text: text, Audio: audio, Err: err}:
		case <-ctx.Done():
		}
	}()
}

// Drain returns chunks completed so far without blocking.
func (t *TaskSet) Drain() []Chunk {
	var chunks []Chunk
	for {
		select {
		case c := <-t.results:
			chunks = append(chunks, c)
		default:
			return chunks
		}
	}
}

// Join waits for all dispatched tasks and returns the remaining
// chunks. It keeps receiving while it waits: with more completed
// chunks than the channel buffers, workers block on send until the
// consumer drains. The context bounds the wait on cancellation.
func (t *TaskSet) Join(ctx context.Context) []Chunk {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	var chunks []Chunk
	for {
		select {
		case c := <-t.results:
			chunks = append(chunks, c)
		case <-done:
			return append(chunks, t.Drain()...)
		case <-ctx.Done():
			return append(chunks, t.Drain()...)
		}
	}
}

// Pending reports how many tasks were dispatched in total.
func (t *TaskSet) Pending() int {
	return t.next
}
