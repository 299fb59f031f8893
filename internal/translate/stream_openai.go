package translate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/upstream/sseutil"
)

// OpenAIStream converts upstream Gemini SSE frames into OpenAI
// chat.completion.chunk frames. Thought parts are skipped. The terminal
// chunk carries finish_reason; the Done frame tells the server to append
// the [DONE] sentinel. An upstream stream that closes before any data
// arrived yields ErrEmptyStream.
func OpenAIStream(ctx context.Context, model string, events <-chan sseutil.Event) <-chan agate.StreamFrame {
	out := make(chan agate.StreamFrame, 8)

	go func() {
		defer close(out)

		id := "chatcmpl-" + uuid.NewString()
		created := time.Now().Unix()

		send := func(f agate.StreamFrame) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}
		chunk := func(delta map[string]any, finishReason string) []byte {
			var fr any
			if finishReason != "" {
				fr = finishReason
			}
			return marshalEvent(map[string]any{
				"id":      id,
				"object":  "chat.completion.chunk",
				"created": created,
				"model":   model,
				"choices": []map[string]any{{
					"index":         0,
					"delta":         delta,
					"finish_reason": fr,
				}},
			})
		}

		started := false
		finishReason := ""
		for ev := range events {
			if ev.Err != nil {
				if !started {
					send(agate.StreamFrame{Err: ev.Err})
					return
				}
				break
			}
			r := gjson.ParseBytes(ev.Data)
			if !r.IsObject() {
				continue
			}

			r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
				if part.Get("thought").Bool() || !part.Get("text").Exists() {
					return true
				}
				text := part.Get("text").String()
				if text == "" {
					return true
				}
				if !started {
					started = true
					send(agate.StreamFrame{Data: chunk(map[string]any{"role": "assistant", "content": text}, "")})
					return true
				}
				send(agate.StreamFrame{Data: chunk(map[string]any{"content": text}, "")})
				return true
			})

			if fr := r.Get("candidates.0.finishReason").String(); fr != "" {
				finishReason = fr
			}
		}

		if !started {
			send(agate.StreamFrame{Err: agate.ErrEmptyStream})
			return
		}

		send(agate.StreamFrame{Data: chunk(map[string]any{}, openaiStop(finishReason, false))})
		send(agate.StreamFrame{Done: true})
	}()

	return out
}

// LocalOpenAIStream forwards local OpenAI chunks unchanged; the upstream
// already speaks the caller's protocol.
func LocalOpenAIStream(ctx context.Context, events <-chan sseutil.Event) <-chan agate.StreamFrame {
	out := make(chan agate.StreamFrame, 8)

	go func() {
		defer close(out)
		started := false
		for ev := range events {
			if ev.Err != nil {
				if !started {
					select {
					case out <- agate.StreamFrame{Err: ev.Err}:
					case <-ctx.Done():
					}
					return
				}
				break
			}
			started = true
			select {
			case out <- agate.StreamFrame{Data: ev.Data}:
			case <-ctx.Done():
				return
			}
		}
		if !started {
			select {
			case out <- agate.StreamFrame{Err: agate.ErrEmptyStream}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- agate.StreamFrame{Done: true}:
		case <-ctx.Done():
		}
	}()

	return out
}
