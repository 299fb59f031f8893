package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	agate "github.com/cascadelabs/agate/internal"
)

// Bootstrap owns the single HTTP server instance. Starting while one is
// already running is refused; teardown clears the references on both the
// success and failure paths so a later Start sees a clean slate.
type Bootstrap struct {
	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// Start binds addr and begins serving handler. The bind happens
// synchronously so a port conflict surfaces here, not from the serve
// goroutine. errCh receives the eventual Serve error.
func (b *Bootstrap) Start(addr string, handler http.Handler, errCh chan<- error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.srv != nil {
		return fmt.Errorf("%w: server already running", agate.ErrConfig)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: bind %s: %v", agate.ErrConfig, addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.srv = srv
	b.ln = ln

	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if errCh != nil {
			errCh <- err
		}
	}()

	slog.Info("server listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown gracefully stops the server. References are cleared whether or
// not shutdown succeeds.
func (b *Bootstrap) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	srv := b.srv
	b.srv = nil
	b.ln = nil
	b.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Running reports whether a server instance is active.
func (b *Bootstrap) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.srv != nil
}

// Addr returns the bound address, or "" when not running.
func (b *Bootstrap) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return ""
	}
	return b.ln.Addr().String()
}
