package sseutil

import (
	"context"
	"fmt"
	"io"
)

// Event is one upstream SSE data frame, or a terminal error.
type Event struct {
	Data []byte
	Err  error
}

// ReadDataLines reads "data: <json>" frames from body and sends them on ch.
// The channel is closed at EOF; a read error is delivered as a final Event.
// The data payload of each frame is copied so it outlives the scanner buffer.
func ReadDataLines(ctx context.Context, body io.ReadCloser, ch chan<- Event) {
	defer close(ch)
	defer body.Close()

	scanner := NewScanner(body)
	for scanner.Scan() {
		_, data, ok := ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			return
		}
		select {
		case ch <- Event{Data: []byte(data)}:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case ch <- Event{Err: fmt.Errorf("read stream: %w", err)}:
		case <-ctx.Done():
		}
	}
}
