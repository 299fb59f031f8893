package translate

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/cascadelabs/agate/internal/tokencount"
)

// anthropicStop maps Gemini finish reasons to Anthropic stop reasons.
func anthropicStop(reason string, hasToolUse bool) string {
	if hasToolUse {
		return "tool_use"
	}
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// openaiStop maps Gemini finish reasons to OpenAI finish reasons.
func openaiStop(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

// GeminiToAnthropic maps a whole Gemini generateContent response onto the
// Anthropic message shape: thought parts become thinking blocks, text parts
// text blocks, and function calls tool_use blocks.
func GeminiToAnthropic(data []byte, model string) ([]byte, error) {
	r := gjson.ParseBytes(data)

	var blocks []map[string]any
	hasToolUse := false
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			hasToolUse = true
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    "toolu_" + uuid.NewString(),
				"name":  fc.Get("name").String(),
				"input": json.RawMessage(ensureObject([]byte(fc.Get("args").Raw))),
			})
		case part.Get("thought").Bool():
			blocks = append(blocks, map[string]any{
				"type":     "thinking",
				"thinking": part.Get("text").String(),
			})
		case part.Get("text").Exists():
			blocks = append(blocks, map[string]any{
				"type": "text",
				"text": part.Get("text").String(),
			})
		}
		return true
	})
	if blocks == nil {
		blocks = []map[string]any{}
	}

	u := r.Get("usageMetadata")
	msg := map[string]any{
		"id":            "msg_" + uuid.NewString(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       blocks,
		"stop_reason":   anthropicStop(r.Get("candidates.0.finishReason").String(), hasToolUse),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  u.Get("promptTokenCount").Int(),
			"output_tokens": u.Get("candidatesTokenCount").Int(),
		},
	}
	return json.Marshal(msg)
}

// GeminiToOpenAI maps a whole Gemini generateContent response onto the
// OpenAI chat.completion shape. Thought parts are dropped; OpenAI has no
// thinking channel.
func GeminiToOpenAI(data []byte, model string) ([]byte, error) {
	r := gjson.ParseBytes(data)

	var content string
	var toolCalls []map[string]any
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			toolCalls = append(toolCalls, map[string]any{
				"id":   "call_" + uuid.NewString(),
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": fc.Get("args").Raw,
				},
			})
		case part.Get("thought").Bool():
			// skip
		case part.Get("text").Exists():
			content += part.Get("text").String()
		}
		return true
	})

	message := map[string]any{"role": "assistant", "content": content}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	u := r.Get("usageMetadata")
	resp := map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": openaiStop(r.Get("candidates.0.finishReason").String(), len(toolCalls) > 0),
		}},
		"usage": map[string]any{
			"prompt_tokens":     u.Get("promptTokenCount").Int(),
			"completion_tokens": u.Get("candidatesTokenCount").Int(),
			"total_tokens":      u.Get("totalTokenCount").Int(),
		},
	}
	return json.Marshal(resp)
}

// OpenAIToAnthropicResponse re-wraps a local OpenAI chat.completion into a
// single-block Anthropic message for Anthropic-protocol callers.
// inputEstimate stands in for usage.input_tokens when the local server omits
// prompt usage.
func OpenAIToAnthropicResponse(data []byte, model string, inputEstimate int) ([]byte, error) {
	r := gjson.ParseBytes(data)

	content := r.Get("choices.0.message.content").String()
	stop := "end_turn"
	if r.Get("choices.0.finish_reason").String() == "length" {
		stop = "max_tokens"
	}

	inputTokens := r.Get("usage.prompt_tokens").Int()
	if inputTokens == 0 {
		inputTokens = int64(inputEstimate)
	}
	outputTokens := r.Get("usage.completion_tokens").Int()
	if outputTokens == 0 && content != "" {
		outputTokens = int64(tokencount.Estimate(content))
	}

	msg := map[string]any{
		"id":            "msg_" + uuid.NewString(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       []map[string]any{{"type": "text", "text": content}},
		"stop_reason":   stop,
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	}
	return json.Marshal(msg)
}

// ResponseText flattens an Anthropic message or OpenAI completion to the
// plain text the semantic cache stores.
func ResponseText(data []byte) string {
	r := gjson.ParseBytes(data)
	if r.Get("type").String() == "message" {
		var out string
		r.Get("content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				out += block.Get("text").String()
			}
			return true
		})
		return out
	}
	return r.Get("choices.0.message.content").String()
}
