package translate

import (
	"context"
	"errors"
	"testing"

	"github.com/tidwall/gjson"

	agate "github.com/cascadelabs/agate/internal"
	"github.com/cascadelabs/agate/internal/upstream/sseutil"
)

func eventsFrom(data ...string) <-chan sseutil.Event {
	ch := make(chan sseutil.Event, len(data))
	for _, d := range data {
		ch <- sseutil.Event{Data: []byte(d)}
	}
	close(ch)
	return ch
}

func drain(t *testing.T, frames <-chan agate.StreamFrame) []agate.StreamFrame {
	t.Helper()
	var out []agate.StreamFrame
	for f := range frames {
		out = append(out, f)
	}
	return out
}

func eventNames(frames []agate.StreamFrame) []string {
	var out []string
	for _, f := range frames {
		if f.Done || f.Err != nil {
			continue
		}
		out = append(out, f.Event)
	}
	return out
}

func assertSequence(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event sequence = %v, want %v", got, want)
		}
	}
}

func TestAnthropicStreamSequence(t *testing.T) {
	t.Parallel()
	events := eventsFrom(
		`{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}],"usageMetadata":{"promptTokenCount":9}}`,
		`{"candidates":[{"content":{"parts":[{"text":" world"}]},"finishReason":"STOP"}],"usageMetadata":{"candidatesTokenCount":2}}`,
	)
	frames := drain(t, AnthropicStream(context.Background(), "claude-sonnet-4", events))

	// Consecutive text parts share one content block.
	assertSequence(t, eventNames(frames), []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	})

	start := gjson.ParseBytes(frames[0].Data)
	if start.Get("message.usage.input_tokens").Int() != 9 {
		t.Errorf("message_start usage = %s", start.Get("message.usage").Raw)
	}
	if start.Get("message.model").String() != "claude-sonnet-4" {
		t.Errorf("model = %q", start.Get("message.model").String())
	}

	delta := gjson.ParseBytes(frames[5].Data)
	if delta.Get("delta.stop_reason").String() != "end_turn" {
		t.Errorf("stop_reason = %q", delta.Get("delta.stop_reason").String())
	}
	if delta.Get("usage.output_tokens").Int() != 2 {
		t.Errorf("output_tokens = %d", delta.Get("usage.output_tokens").Int())
	}

	last := frames[len(frames)-1]
	if !last.Done {
		t.Error("stream should end with a Done frame")
	}
}

func TestAnthropicStreamBlockTransitions(t *testing.T) {
	t.Parallel()
	events := eventsFrom(
		`{"candidates":[{"content":{"parts":[{"thought":true,"text":"mull"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"answer"},{"functionCall":{"name":"f","args":{"x":1}}}]},"finishReason":"STOP"}]}`,
	)
	frames := drain(t, AnthropicStream(context.Background(), "m", events))

	assertSequence(t, eventNames(frames), []string{
		"message_start",
		"content_block_start", // thinking
		"content_block_delta",
		"content_block_stop",
		"content_block_start", // text
		"content_block_delta",
		"content_block_stop",
		"content_block_start", // tool_use, single-shot
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	})

	if got := gjson.GetBytes(frames[1].Data, "content_block.type").String(); got != "thinking" {
		t.Errorf("first block = %q", got)
	}
	if got := gjson.GetBytes(frames[2].Data, "delta.thinking").String(); got != "mull" {
		t.Errorf("thinking delta = %s", frames[2].Data)
	}
	tool := gjson.ParseBytes(frames[7].Data)
	if tool.Get("content_block.type").String() != "tool_use" || tool.Get("content_block.name").String() != "f" {
		t.Errorf("tool block = %s", frames[7].Data)
	}
	if got := gjson.GetBytes(frames[8].Data, "delta.partial_json").String(); got != `{"x":1}` {
		t.Errorf("input_json_delta = %q", got)
	}
	// Indexes advance per block.
	if gjson.GetBytes(frames[7].Data, "index").Int() != 2 {
		t.Errorf("tool block index = %d", gjson.GetBytes(frames[7].Data, "index").Int())
	}
}

func TestAnthropicStreamEmpty(t *testing.T) {
	t.Parallel()
	frames := drain(t, AnthropicStream(context.Background(), "m", eventsFrom()))
	if len(frames) != 1 || !errors.Is(frames[0].Err, agate.ErrEmptyStream) {
		t.Fatalf("frames = %+v, want single ErrEmptyStream", frames)
	}
}

func TestAnthropicStreamMidStreamError(t *testing.T) {
	t.Parallel()
	ch := make(chan sseutil.Event, 2)
	ch <- sseutil.Event{Data: []byte(`{"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}`)}
	ch <- sseutil.Event{Err: errors.New("connection reset")}
	close(ch)

	frames := drain(t, AnthropicStream(context.Background(), "m", ch))
	names := eventNames(frames)

	var sawError bool
	for _, n := range names {
		if n == "error" {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected an error event, got %v", names)
	}
	// The message still closes cleanly after the error event.
	if names[len(names)-1] != "message_stop" {
		t.Errorf("last event = %q, want message_stop", names[len(names)-1])
	}
	if !frames[len(frames)-1].Done {
		t.Error("stream should still end with Done")
	}
}

func TestOpenAIStream(t *testing.T) {
	t.Parallel()
	events := eventsFrom(
		`{"candidates":[{"content":{"parts":[{"thought":true,"text":"skipme"},{"text":"Hel"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}]}`,
	)
	frames := drain(t, OpenAIStream(context.Background(), "gpt-4o", events))

	if len(frames) != 4 {
		t.Fatalf("frame count = %d, want 4", len(frames))
	}
	first := gjson.ParseBytes(frames[0].Data)
	if first.Get("choices.0.delta.role").String() != "assistant" {
		t.Errorf("first chunk missing role: %s", frames[0].Data)
	}
	if first.Get("choices.0.delta.content").String() != "Hel" {
		t.Errorf("first chunk content = %q", first.Get("choices.0.delta.content").String())
	}
	if got := gjson.GetBytes(frames[1].Data, "choices.0.delta.content").String(); got != "lo" {
		t.Errorf("second chunk content = %q", got)
	}
	term := gjson.ParseBytes(frames[2].Data)
	if term.Get("choices.0.finish_reason").String() != "stop" {
		t.Errorf("terminal chunk = %s", frames[2].Data)
	}
	if !frames[3].Done {
		t.Error("want trailing Done frame")
	}
}

func TestOpenAIStreamEmpty(t *testing.T) {
	t.Parallel()
	frames := drain(t, OpenAIStream(context.Background(), "m", eventsFrom()))
	if len(frames) != 1 || !errors.Is(frames[0].Err, agate.ErrEmptyStream) {
		t.Fatalf("frames = %+v, want single ErrEmptyStream", frames)
	}

	// Events that never produce text also count as empty.
	frames = drain(t, OpenAIStream(context.Background(), "m",
		eventsFrom(`{"candidates":[{"content":{"parts":[{"thought":true,"text":"only thoughts"}]}}]}`)))
	if len(frames) != 1 || !errors.Is(frames[0].Err, agate.ErrEmptyStream) {
		t.Fatalf("thought-only frames = %+v, want single ErrEmptyStream", frames)
	}
}

func TestLocalOpenAIStreamPassthrough(t *testing.T) {
	t.Parallel()
	chunk := `{"object":"chat.completion.chunk","choices":[{"delta":{"content":"hi"}}]}`
	frames := drain(t, LocalOpenAIStream(context.Background(), eventsFrom(chunk)))
	if len(frames) != 2 {
		t.Fatalf("frame count = %d, want 2", len(frames))
	}
	if string(frames[0].Data) != chunk {
		t.Errorf("chunk altered: %s", frames[0].Data)
	}
	if !frames[1].Done {
		t.Error("want trailing Done frame")
	}

	empty := drain(t, LocalOpenAIStream(context.Background(), eventsFrom()))
	if len(empty) != 1 || !errors.Is(empty[0].Err, agate.ErrEmptyStream) {
		t.Fatalf("empty frames = %+v", empty)
	}
}

func TestLocalAnthropicStream(t *testing.T) {
	t.Parallel()
	events := eventsFrom(
		`{"choices":[{"delta":{"role":"assistant","content":"local "}}]}`,
		`{"choices":[{"delta":{"content":"reply"},"finish_reason":"length"}]}`,
	)
	frames := drain(t, LocalAnthropicStream(context.Background(), "llama3", 7, events))

	assertSequence(t, eventNames(frames), []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	})

	if got := gjson.GetBytes(frames[0].Data, "message.usage.input_tokens").Int(); got != 7 {
		t.Errorf("estimated input_tokens = %d, want 7", got)
	}

	delta := gjson.ParseBytes(frames[5].Data)
	if delta.Get("delta.stop_reason").String() != "max_tokens" {
		t.Errorf("stop_reason = %q", delta.Get("delta.stop_reason").String())
	}
	// "local reply" is 11 bytes; the estimator rounds up to 3 tokens.
	if got := delta.Get("usage.output_tokens").Int(); got != 3 {
		t.Errorf("estimated output_tokens = %d, want 3", got)
	}
}

func TestCachedStreams(t *testing.T) {
	t.Parallel()
	frames := drain(t, CachedAnthropicStream("cached text", "m"))
	assertSequence(t, eventNames(frames), []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	})
	if got := gjson.GetBytes(frames[2].Data, "delta.text").String(); got != "cached text" {
		t.Errorf("cached delta = %q", got)
	}

	oframes := drain(t, CachedOpenAIStream("cached text", "m"))
	if len(oframes) != 3 || !oframes[2].Done {
		t.Fatalf("openai cached frames = %d", len(oframes))
	}
	if got := gjson.GetBytes(oframes[0].Data, "choices.0.delta.content").String(); got != "cached text" {
		t.Errorf("cached chunk = %q", got)
	}
	if got := gjson.GetBytes(oframes[1].Data, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("cached terminal = %s", oframes[1].Data)
	}
}
