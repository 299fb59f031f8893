package translate

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// OpenAIToGemini converts an OpenAI chat-completions request into the Gemini
// generateContent request body dispatched upstream.
func OpenAIToGemini(req *ChatRequest) (json.RawMessage, error) {
	out := &geminiRequest{}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	if len(req.Tools) > 0 {
		var openaiTools []struct {
			Function json.RawMessage `json:"function"`
		}
		if json.Unmarshal(req.Tools, &openaiTools) == nil && len(openaiTools) > 0 {
			var decls []json.RawMessage
			for _, t := range openaiTools {
				if t.Function != nil {
					decls = append(decls, t.Function)
				}
			}
			if len(decls) > 0 {
				raw, _ := json.Marshal(decls)
				out.Tools = []geminiTool{{FunctionDeclarations: raw}}
			}
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.SystemInstruction = &geminiContent{
				Parts: []geminiPart{{Text: extractText(m.Content)}},
			}
		case "user":
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: extractText(m.Content)}},
			})
		case "assistant":
			content := geminiContent{Role: "model"}
			if text := extractText(m.Content); text != "" {
				content.Parts = append(content.Parts, geminiPart{Text: text})
			}
			gjson.ParseBytes(m.ToolCalls).ForEach(func(_, tc gjson.Result) bool {
				fc, _ := json.Marshal(map[string]any{
					"name": tc.Get("function.name").String(),
					"args": json.RawMessage(argsToObject(tc.Get("function.arguments"))),
				})
				content.Parts = append(content.Parts, geminiPart{FunctionCall: fc})
				return true
			})
			if len(content.Parts) > 0 {
				out.Contents = append(out.Contents, content)
			}
		case "tool":
			fr, _ := json.Marshal(map[string]any{
				"name":     m.ToolCallID,
				"response": json.RawMessage(ensureObject(m.Content)),
			})
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{FunctionResponse: fr}},
			})
		}
	}

	return marshalGemini(out)
}

// AnthropicToGemini converts an Anthropic messages request into the Gemini
// generateContent request body.
func AnthropicToGemini(req *MessagesRequest) (json.RawMessage, error) {
	out := &geminiRequest{}

	cfg := &geminiGenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSeqs,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		cfg.MaxOutputTokens = &mt
	}
	out.GenerationConfig = cfg

	if len(req.System) > 0 {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: extractText(req.System)}},
		}
	}

	// Anthropic tools carry input_schema where Gemini wants parameters.
	if len(req.Tools) > 0 {
		var decls []json.RawMessage
		gjson.ParseBytes(req.Tools).ForEach(func(_, t gjson.Result) bool {
			d, _ := json.Marshal(map[string]any{
				"name":        t.Get("name").String(),
				"description": t.Get("description").String(),
				"parameters":  json.RawMessage(ensureObject([]byte(t.Get("input_schema").Raw))),
			})
			decls = append(decls, d)
			return true
		})
		if len(decls) > 0 {
			raw, _ := json.Marshal(decls)
			out.Tools = []geminiTool{{FunctionDeclarations: raw}}
		}
	}

	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		content := geminiContent{Role: role}

		// Plain-string content is a single text part.
		var s string
		if json.Unmarshal(m.Content, &s) == nil {
			content.Parts = append(content.Parts, geminiPart{Text: s})
		} else {
			gjson.ParseBytes(m.Content).ForEach(func(_, block gjson.Result) bool {
				switch block.Get("type").String() {
				case "text":
					content.Parts = append(content.Parts, geminiPart{Text: block.Get("text").String()})
				case "tool_use":
					fc, _ := json.Marshal(map[string]any{
						"name": block.Get("name").String(),
						"args": json.RawMessage(ensureObject([]byte(block.Get("input").Raw))),
					})
					content.Parts = append(content.Parts, geminiPart{FunctionCall: fc})
				case "tool_result":
					fr, _ := json.Marshal(map[string]any{
						"name":     block.Get("tool_use_id").String(),
						"response": map[string]any{"result": extractText([]byte(block.Get("content").Raw))},
					})
					content.Parts = append(content.Parts, geminiPart{FunctionResponse: fr})
				}
				return true
			})
		}
		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}

	return marshalGemini(out)
}

func marshalGemini(r *geminiRequest) (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("translate: marshal gemini request: %w", err)
	}
	return raw, nil
}

// argsToObject coerces OpenAI function arguments (a JSON string containing
// JSON) into the object Gemini expects.
func argsToObject(args gjson.Result) []byte {
	if args.Type == gjson.String {
		return ensureObject([]byte(args.String()))
	}
	return ensureObject([]byte(args.Raw))
}

// ensureObject returns raw if it is a JSON object, else an empty object.
func ensureObject(raw []byte) []byte {
	if gjson.ParseBytes(raw).IsObject() {
		return raw
	}
	return []byte("{}")
}
