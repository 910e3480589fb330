package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

var (
	// ErrBackendUnavailable reports a server that cannot be reached.
	ErrBackendUnavailable = errors.New("inference backend unavailable")
	// ErrBackendTimeout reports a server that did not answer in time.
	ErrBackendTimeout = errors.New("inference backend timed out")
	// ErrBackendProtocol reports a reply that could not be used.
	ErrBackendProtocol = errors.New("inference backend protocol error")
)

// errStalled is the cancellation cause used by the timeout watchdog.
var errStalled = errors.New("no data from inference backend within timeout")

// errClosed is the cancellation cause used when a consumer closes a stream.
var errClosed = errors.New("stream closed")

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// ModelMissing reports whether the server does not know the requested model.
func (e *StatusError) ModelMissing() bool {
	return e.StatusCode == http.StatusNotFound
}

// StreamError is returned when a stream fails after some content was
// delivered. Partial holds the text received before the failure.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream interrupted after %d bytes: %v", len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// classify maps a transport error to one of the backend error kinds.
// parent is the caller's context and attempt the per-attempt context whose
// cancellation cause tells watchdog expiry apart from other failures.
func classify(parent, attempt context.Context, endpoint string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(context.Cause(attempt), errStalled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, errStalled)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrBackendTimeout, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated reply: %v", ErrBackendProtocol, err)
	}

	var opErr *net.OpError
	if errors.Is(err, syscall.ECONNREFUSED) || (errors.As(err, &opErr) && opErr.Op == "dial") {
		return fmt.Errorf("%w: cannot connect to %s (is the local model server running? try `ollama serve`): %v",
			ErrBackendUnavailable, endpoint, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, endpoint, err)
}

// statusError maps a non-2xx reply to an error kind.
func statusError(code int, body []byte) error {
	statusErr := &StatusError{StatusCode: code, Message: errorMessage(body)}
	switch code {
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, statusErr)
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return fmt.Errorf("%w: %w", ErrBackendTimeout, statusErr)
	default:
		return fmt.Errorf("%w: %w", ErrBackendProtocol, statusErr)
	}
}
