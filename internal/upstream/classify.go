package upstream

import (
	"context"
	"errors"
	"net"
	"os"

	agate "github.com/cascadelabs/agate/internal"
)

// httpStatusError is an interface for errors carrying an HTTP status code.
type httpStatusError interface {
	HTTPStatus() int
}

// Classify maps an upstream error onto the gateway's error taxonomy:
// rate-limit shaped errors trigger cooldown + retry, auth errors mark the
// account bad, transient errors are retried with backoff, and anything else
// terminates the attempt loop.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, agate.ErrRateLimited) ||
		errors.Is(err, agate.ErrUpstreamAuth) ||
		errors.Is(err, agate.ErrTransient) ||
		errors.Is(err, agate.ErrEmptyStream) {
		return err
	}

	var he httpStatusError
	if errors.As(err, &he) {
		switch code := he.HTTPStatus(); {
		case code == 429:
			return errors.Join(agate.ErrRateLimited, err)
		case code == 401 || code == 403:
			return errors.Join(agate.ErrUpstreamAuth, err)
		case code >= 500:
			return errors.Join(agate.ErrTransient, err)
		default:
			return err
		}
	}

	if agate.IsRateLimitShaped(err) {
		return errors.Join(agate.ErrRateLimited, err)
	}

	// Timeouts and network failures are transient.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return errors.Join(agate.ErrTransient, err)
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return errors.Join(agate.ErrTransient, err)
	}

	return err
}

// Retriable reports whether a classified error should re-enter the retry loop.
func Retriable(err error) bool {
	return errors.Is(err, agate.ErrRateLimited) ||
		errors.Is(err, agate.ErrTransient) ||
		errors.Is(err, agate.ErrEmptyStream)
}
