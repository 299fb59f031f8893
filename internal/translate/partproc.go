package translate

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// partProcessor is the state machine that turns a flat run of Gemini parts
// into Anthropic content_block events. Consecutive parts of the same kind
// share one block; a kind change closes the open block and starts the next.
// Tool-call arguments are emitted as a single input_json_delta.
type partProcessor struct {
	state blockKind
	index int
	emit  func(event string, payload map[string]any)
}

func newPartProcessor(emit func(event string, payload map[string]any)) *partProcessor {
	return &partProcessor{state: blockNone, index: -1, emit: emit}
}

// Process consumes one Gemini part. executableCode parts are surfaced as
// text so callers at least see the code the model produced.
func (p *partProcessor) Process(part gjson.Result) {
	switch {
	case part.Get("functionCall").Exists():
		fc := part.Get("functionCall")
		p.open(blockToolUse, map[string]any{
			"type":  "tool_use",
			"id":    "toolu_" + uuid.NewString(),
			"name":  fc.Get("name").String(),
			"input": map[string]any{},
		})
		p.delta(map[string]any{
			"type":         "input_json_delta",
			"partial_json": string(ensureObject([]byte(fc.Get("args").Raw))),
		})
		// A function call is complete in one part.
		p.closeBlock()

	case part.Get("thought").Bool():
		p.open(blockThinking, map[string]any{"type": "thinking", "thinking": ""})
		p.delta(map[string]any{"type": "thinking_delta", "thinking": part.Get("text").String()})

	case part.Get("executableCode").Exists():
		code := part.Get("executableCode.code").String()
		p.open(blockText, map[string]any{"type": "text", "text": ""})
		p.delta(map[string]any{"type": "text_delta", "text": code})

	case part.Get("text").Exists():
		p.open(blockText, map[string]any{"type": "text", "text": ""})
		p.delta(map[string]any{"type": "text_delta", "text": part.Get("text").String()})
	}
}

// Finish closes any open block. Safe to call repeatedly.
func (p *partProcessor) Finish() {
	p.closeBlock()
}

// open starts a block of the given kind unless one is already open. Tool-use
// blocks are single-shot, so reaching open with one still open closes it.
func (p *partProcessor) open(kind blockKind, contentBlock map[string]any) {
	if p.state == kind && kind != blockToolUse {
		return
	}
	p.closeBlock()
	p.state = kind
	p.index++
	p.emit("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         p.index,
		"content_block": contentBlock,
	})
}

func (p *partProcessor) delta(delta map[string]any) {
	p.emit("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": p.index,
		"delta": delta,
	})
}

func (p *partProcessor) closeBlock() {
	if p.state == blockNone {
		return
	}
	p.emit("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": p.index,
	})
	p.state = blockNone
}

// marshalEvent renders an SSE payload; marshal of map[string]any built from
// scalars cannot fail.
func marshalEvent(payload map[string]any) []byte {
	b, _ := json.Marshal(payload)
	return b
}
