// Package chat drives guarded conversations with the inference backend.
//
// A Session owns one conversation and runs turns through the guard policy
// and the backend. Loop is the interactive driver on top of a Session, and
// Ask runs a single question for the one-shot command.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ZanzyTHEbar/teachmefinance/tmf/conversation"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/guard"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/inference"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/trace"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrSessionClosed is returned by Submit after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotStarted is returned by Submit before Start.
	ErrSessionNotStarted = errors.New("session not started")
)

// State is the lifecycle state of a Session.
type State int32

const (
	Idle State = iota
	AwaitingInput
	Processing
	Responding
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingInput:
		return "awaiting_input"
	case Processing:
		return "processing"
	case Responding:
		return "responding"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options controls how a Session talks to the backend.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	MaxTurns    int
	Stream      bool
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithTracer sets the tracer wrapping every turn in a span.
func WithTracer(t trace.Tracer) SessionOption {
	return func(s *Session) { s.tracer = t }
}

// TurnResult describes a completed turn.
type TurnResult struct {
	Text     string // assistant turn as stored, including Suffix
	Suffix   string // disclaimer appended by the guard, if any
	Streamed bool   // text was already written to the turn writer
	Usage    inference.Usage
	Evicted  int // turns dropped from the context window
}

// Session is a single guarded conversation. Turns are serialized; the
// transcript may be read concurrently.
type Session struct {
	id      string
	policy  *guard.Policy
	backend inference.Backend
	opts    Options
	logger  zerolog.Logger
	tracer  trace.Tracer

	turnMu sync.Mutex
	state  atomic.Int32
	conv   atomic.Pointer[conversation.Conversation]
}

// NewSession creates an idle session.
func NewSession(policy *guard.Policy, backend inference.Backend, opts Options, sopts ...SessionOption) *Session {
	if opts.MaxTurns < conversation.MinMaxTurns {
		opts.MaxTurns = conversation.MinMaxTurns
	}
	s := &Session{
		id:      uuid.New().String(),
		policy:  policy,
		backend: backend,
		opts:    opts,
		logger:  zerolog.Nop(),
		tracer:  trace.Nop{},
	}
	for _, opt := range sopts {
		opt(s)
	}
	s.logger = s.logger.With().Str("session_id", s.id).Logger()
	return s
}

// ID returns the session identifier used in logs and spans.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Start opens the conversation with the policy's system turn.
func (s *Session) Start() error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	switch s.State() {
	case Terminated:
		return ErrSessionClosed
	case Idle:
	default:
		return nil
	}
	if err := s.reset(); err != nil {
		return err
	}
	s.logger.Debug().Msg("Session started")
	return nil
}

// Reset discards the conversation and starts a new one.
func (s *Session) Reset() error {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	if s.State() == Terminated {
		return ErrSessionClosed
	}
	return s.reset()
}

func (s *Session) reset() error {
	conv, err := conversation.New(s.policy.SystemTurn())
	if err != nil {
		return err
	}
	s.conv.Store(conv)
	s.setState(AwaitingInput)
	return nil
}

// Close terminates the session. Later calls to Submit fail.
func (s *Session) Close() {
	s.setState(Terminated)
}

// Transcript returns a copy of the conversation, system turn included.
func (s *Session) Transcript() []conversation.Turn {
	conv := s.conv.Load()
	if conv == nil {
		return nil
	}
	return conv.Snapshot()
}

// Refusal renders the user-facing refusal for a rejection returned by Submit.
func (s *Session) Refusal(err error) string {
	var rejected *guard.RejectedError
	if !errors.As(err, &rejected) {
		return s.policy.Refusal(guard.Outcome{Decision: guard.Reject})
	}
	return s.policy.Refusal(rejected.Outcome())
}

// Submit runs one turn. Streamed chunks are written to w as they arrive; w
// may be nil. On success the assistant turn has been recorded. On failure
// nothing from the backend is recorded and the error is returned: a
// *guard.RejectedError, a backend error kind, a context error on
// interruption, or conversation.ErrInvalidTurnOrder, which is fatal.
func (s *Session) Submit(ctx context.Context, input string, w io.Writer) (TurnResult, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	switch s.State() {
	case Terminated:
		return TurnResult{}, ErrSessionClosed
	case Idle:
		return TurnResult{}, ErrSessionNotStarted
	}
	conv := s.conv.Load()

	s.setState(Processing)
	defer func() {
		if s.State() != Terminated {
			s.setState(AwaitingInput)
		}
	}()

	ctx, finish := s.tracer.StartSpan(ctx, "chat.turn", map[string]any{"session_id": s.id})
	result, err := s.submit(ctx, conv, input, w)
	finish(err)
	return result, err
}

func (s *Session) submit(ctx context.Context, conv *conversation.Conversation, input string, w io.Writer) (TurnResult, error) {
	text := strings.TrimSpace(input)

	if outcome := s.policy.PreCheck(input); outcome.Rejected() {
		if text != "" {
			// kept for the transcript; the next user turn replaces it
			if err := conv.Append(conversation.User(text)); err != nil {
				return TurnResult{}, err
			}
		}
		s.logger.Info().Str("rule", outcome.Rule).Str("reason", outcome.Reason).Msg("Input rejected")
		return TurnResult{}, outcome.Err()
	}

	if err := conv.Append(conversation.User(text)); err != nil {
		return TurnResult{}, err
	}
	evicted := conv.EvictIfOverBudget(s.opts.MaxTurns)
	if evicted > 0 {
		s.tracer.Event(ctx, "evicted", map[string]any{"turns": evicted})
	}

	resp, err := s.backend.Send(ctx, inference.Request{
		Messages: conv.Snapshot(),
		Model:    s.opts.Model,
		Options: inference.Options{
			Temperature: s.opts.Temperature,
			MaxTokens:   s.opts.MaxTokens,
		},
		Stream: s.opts.Stream,
	})
	if err != nil {
		s.logger.Info().Err(err).Msg("Inference failed")
		return TurnResult{}, err
	}

	s.setState(Responding)
	answer, usage, streamed, err := collect(resp, w)
	if err != nil {
		s.logger.Info().Err(err).Bool("streamed", streamed).Msg("Inference stream failed")
		return TurnResult{}, err
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return TurnResult{}, fmt.Errorf("%w: empty reply", inference.ErrBackendProtocol)
	}

	post := s.policy.PostCheck(answer)
	final := post.Apply(answer)
	if err := conv.Append(conversation.Assistant(final)); err != nil {
		return TurnResult{}, err
	}

	s.tracer.Event(ctx, "turn_complete", map[string]any{
		"annotated":         post.Decision == guard.Annotate,
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
	})
	return TurnResult{
		Text:     final,
		Suffix:   post.Suffix,
		Streamed: streamed,
		Usage:    usage,
		Evicted:  evicted,
	}, nil
}

// collect drains a response, forwarding streamed chunks to w.
func collect(resp *inference.Response, w io.Writer) (string, inference.Usage, bool, error) {
	if resp.Stream == nil {
		return resp.Text, resp.Usage, false, nil
	}

	stream := resp.Stream
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", inference.Usage{}, true, err
		}
		if w != nil {
			// write errors are ignored; the turn is still recorded
			_, _ = io.WriteString(w, chunk)
		}
	}
	return stream.Text(), stream.Usage(), true, nil
}
