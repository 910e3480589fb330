// Package inference talks to a local Ollama-compatible inference server.
//
// A Backend turns a snapshot of the conversation into a model reply. The
// reply is either complete text or a Stream that yields text chunks as the
// server produces them. Backends never look at or modify conversation state;
// they only read the messages handed to them.
//
// Failures are reported as one of three sentinel kinds so callers can decide
// how to react with errors.Is:
//
//   - ErrBackendUnavailable: the server could not be reached.
//   - ErrBackendTimeout: no reply within the configured timeout.
//   - ErrBackendProtocol: the server replied with something unusable.
//
// Failures after part of a streamed answer arrived are wrapped in a
// *StreamError carrying the partial text.
package inference

import (
	"context"

	"github.com/ZanzyTHEbar/teachmefinance/tmf/conversation"
)

// Request is a single inference call. It is built per call and not modified
// after it has been sent.
type Request struct {
	Messages []conversation.Turn
	Model    string
	Options  Options
	Stream   bool
}

// Options controls sampling and limits.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Usage captures token accounting reported by the server.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns the sum of prompt and completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Response is the reply to a Request. Exactly one of Text or Stream is
// meaningful: Stream is non-nil when the request asked for streaming.
type Response struct {
	Text   string
	Stream *Stream
	Usage  Usage
}

// Backend is the abstraction over inference servers.
type Backend interface {
	// Send performs the request. Timeouts that happen before any content
	// has been produced are retried inside Send.
	Send(ctx context.Context, req Request) (*Response, error)

	// Ping checks that the server is reachable and returns its version.
	Ping(ctx context.Context) (string, error)
}
