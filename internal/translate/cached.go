package translate

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	agate "github.com/cascadelabs/agate/internal"
)

// CachedAnthropicResponse builds a complete Anthropic message around cached
// response text.
func CachedAnthropicResponse(text, model string) []byte {
	msg := map[string]any{
		"id":            "msg_" + uuid.NewString(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       []map[string]any{{"type": "text", "text": text}},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
	}
	b, _ := json.Marshal(msg)
	return b
}

// CachedOpenAIResponse builds a complete chat.completion around cached
// response text.
func CachedOpenAIResponse(text, model string) []byte {
	resp := map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0},
	}
	b, _ := json.Marshal(resp)
	return b
}

// CachedAnthropicStream replays cached text as the full Anthropic event
// sequence so streaming callers cannot tell a hit from a live generation.
func CachedAnthropicStream(text, model string) <-chan agate.StreamFrame {
	out := make(chan agate.StreamFrame, 8)

	go func() {
		defer close(out)
		emit := func(event string, payload map[string]any) {
			out <- agate.StreamFrame{Event: event, Data: marshalEvent(payload)}
		}

		emit("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            "msg_" + uuid.NewString(),
				"type":          "message",
				"role":          "assistant",
				"model":         model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})
		emit("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
		emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": text},
		})
		emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
		emit("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
			"usage": map[string]any{"output_tokens": 0},
		})
		emit("message_stop", map[string]any{"type": "message_stop"})
		out <- agate.StreamFrame{Done: true}
	}()

	return out
}

// CachedOpenAIStream replays cached text as one chat.completion.chunk
// carrying the full content, then the terminal chunk.
func CachedOpenAIStream(text, model string) <-chan agate.StreamFrame {
	out := make(chan agate.StreamFrame, 4)

	go func() {
		defer close(out)
		id := "chatcmpl-" + uuid.NewString()
		created := time.Now().Unix()

		out <- agate.StreamFrame{Data: marshalEvent(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         map[string]any{"role": "assistant", "content": text},
				"finish_reason": nil,
			}},
		})}
		out <- agate.StreamFrame{Data: marshalEvent(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         map[string]any{},
				"finish_reason": "stop",
			}},
		})}
		out <- agate.StreamFrame{Done: true}
	}()

	return out
}
