package translate

import (
	"context"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/tokencount"
	"github.com/cascadelabs/agate/internal/upstream/sseutil"
)

// AnthropicStream converts upstream Gemini SSE frames into the Anthropic
// event sequence: message_start, then content_block events driven by the
// part processor, then message_delta and message_stop. A stream that closes
// before any data arrived yields ErrEmptyStream so the caller can retry.
func AnthropicStream(ctx context.Context, model string, events <-chan sseutil.Event) <-chan agate.StreamFrame {
	out := make(chan agate.StreamFrame, 8)

	go func() {
		defer close(out)

		send := func(f agate.StreamFrame) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}
		emit := func(event string, payload map[string]any) {
			send(agate.StreamFrame{Event: event, Data: marshalEvent(payload)})
		}
		pp := newPartProcessor(emit)

		started := false
		finishReason := ""
		var outputTokens int64

		for ev := range events {
			if ev.Err != nil {
				if !started {
					send(agate.StreamFrame{Err: ev.Err})
					return
				}
				// Mid-stream read errors surface as an error event; the
				// terminal events still close the message cleanly.
				emit("error", map[string]any{
					"type":  "error",
					"error": map[string]any{"type": "api_error", "message": ev.Err.Error()},
				})
				break
			}

			r := gjson.ParseBytes(ev.Data)
			if !r.IsObject() {
				emit("error", map[string]any{
					"type":  "error",
					"error": map[string]any{"type": "api_error", "message": "unparseable upstream event"},
				})
				continue
			}

			if !started {
				started = true
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
						"usage": map[string]any{
							"input_tokens":  r.Get("usageMetadata.promptTokenCount").Int(),
							"output_tokens": 0,
						},
					},
				})
			}

			r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
				pp.Process(part)
				return true
			})
			if fr := r.Get("candidates.0.finishReason").String(); fr != "" {
				finishReason = fr
			}
			if u := r.Get("usageMetadata.candidatesTokenCount"); u.Exists() {
				outputTokens = u.Int()
			}
		}

		if !started {
			send(agate.StreamFrame{Err: agate.ErrEmptyStream})
			return
		}

		pp.Finish()
		emit("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   anthropicStop(finishReason, false),
				"stop_sequence": nil,
			},
			"usage": map[string]any{"output_tokens": outputTokens},
		})
		emit("message_stop", map[string]any{"type": "message_stop"})
		send(agate.StreamFrame{Done: true})
	}()

	return out
}

// LocalAnthropicStream re-wraps local OpenAI chat.completion.chunk frames
// into the Anthropic event sequence with a single text block. Local servers
// rarely report usage on streams, so inputEstimate supplies
// usage.input_tokens and output tokens are estimated from the text when the
// chunks carry none.
func LocalAnthropicStream(ctx context.Context, model string, inputEstimate int, events <-chan sseutil.Event) <-chan agate.StreamFrame {
	out := make(chan agate.StreamFrame, 8)

	go func() {
		defer close(out)

		send := func(f agate.StreamFrame) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}
		emit := func(event string, payload map[string]any) {
			send(agate.StreamFrame{Event: event, Data: marshalEvent(payload)})
		}

		started := false
		finish := ""
		var textLen int
		var outputTokens int64
		for ev := range events {
			if ev.Err != nil {
				if !started {
					send(agate.StreamFrame{Err: ev.Err})
					return
				}
				break
			}
			r := gjson.ParseBytes(ev.Data)
			if !started {
				started = true
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
						"usage":         map[string]any{"input_tokens": inputEstimate, "output_tokens": 0},
					},
				})
				emit("content_block_start", map[string]any{
					"type":          "content_block_start",
					"index":         0,
					"content_block": map[string]any{"type": "text", "text": ""},
				})
			}
			if text := r.Get("choices.0.delta.content").String(); text != "" {
				textLen += len(text)
				emit("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": 0,
					"delta": map[string]any{"type": "text_delta", "text": text},
				})
			}
			if fr := r.Get("choices.0.finish_reason").String(); fr != "" {
				finish = fr
			}
			if u := r.Get("usage.completion_tokens"); u.Exists() {
				outputTokens = u.Int()
			}
		}

		if !started {
			send(agate.StreamFrame{Err: agate.ErrEmptyStream})
			return
		}

		stop := "end_turn"
		if finish == "length" {
			stop = "max_tokens"
		}
		if outputTokens == 0 {
			// Most local servers omit usage on streams.
			outputTokens = int64(tokencount.EstimateLen(textLen))
		}
		emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
		emit("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": stop, "stop_sequence": nil},
			"usage": map[string]any{"output_tokens": outputTokens},
		})
		emit("message_stop", map[string]any{"type": "message_stop"})
		send(agate.StreamFrame{Done: true})
	}()

	return out
}
