package testutil

import (
	"context"
	"sync"
)

// Notice is one delivered notification.
type Notice struct {
	Title   string
	Message string
}

// FakeNotifier records notifications for assertions.
type FakeNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *FakeNotifier) Notify(_ context.Context, title, message string) {
	n.mu.Lock()
	n.notices = append(n.notices, Notice{Title: title, Message: message})
	n.mu.Unlock()
}

// Notices returns a copy of everything delivered so far.
func (n *FakeNotifier) Notices() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}
