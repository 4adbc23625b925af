// Package chat drives one end-to-end conversation turn: context
// building and compaction, provider streaming with keepalives and
// cancellation, tool round-trips, TTS dispatch and incremental
// persistence.
package chat

// Event is one named SSE event emitted to the client.
type Event struct {
	Name string
	Data map[string]interface{}
}

// EmitFunc delivers one event to the client. An error means the
// connection is gone; the loop stops emitting but still finishes
// persistence.
type EmitFunc func(Event) error

func conversationEvent(convID string) Event {
	return Event{Name: "conversation", Data: map[string]interface{}{"conversation_id": convID}}
}

func thinkingTokenEvent(text string) Event {
	return Event{Name: "token", Data: map[string]interface{}{"thinking": text}}
}

func contentTokenEvent(text string) Event {
	return Event{Name: "token", Data: map[string]interface{}{"content": text}}
}

func thinkingDoneEvent() Event {
	return Event{Name: "token", Data: map[string]interface{}{"thinking_done": true}}
}

func cancelledEvent(marker string) Event {
	return Event{Name: "token", Data: map[string]interface{}{"content": marker, "cancelled": true}}
}

func toolCallEvent(name string, args map[string]interface{}) Event {
	return Event{Name: "tool_call", Data: map[string]interface{}{"name": name, "arguments": args}}
}

func toolResultEvent(name string, result map[string]interface{}) Event {
	return Event{Name: "tool_result", Data: map[string]interface{}{"name": name, "result": result}}
}

func messageEvent(msgID, role string, meta map[string]interface{}) Event {
	data := map[string]interface{}{"id": msgID, "role": role}
	for k, v := range meta {
		data[k] = v
	}
	return Event{Name: "message", Data: data}
}

func contentReplaceEvent(content string) Event {
	return Event{Name: "content_replace", Data: map[string]interface{}{"content": content}}
}

func ttsChunkEvent(index int, text string, audio []byte) Event {
	return Event{Name: "tts_chunk", Data: map[string]interface{}{
		"index": index,
		"text":  text,
		"audio": audio, // base64-encoded by the JSON layer
	}}
}

func ttsDoneEvent(chunks int) Event {
	return Event{Name: "tts_done", Data: map[string]interface{}{"chunks": chunks}}
}

func errorEvent(msg string) Event {
	return Event{Name: "error", Data: map[string]interface{}{"message": msg}}
}

func doneEvent(reason string) Event {
	return Event{Name: "done", Data: map[string]interface{}{"reason": reason}}
}
