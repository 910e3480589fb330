package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/ZanzyTHEbar/teachmefinance/tmf/conversation"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/guard"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/render"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// LoopOptions configures a Loop.
type LoopOptions struct {
	Model      string
	ExitTokens []string
	// Interrupts delivers SIGINT. During a turn it cancels the turn; at the
	// prompt it ends the loop. May be nil.
	Interrupts <-chan os.Signal
	Logger     zerolog.Logger
}

// Loop is the interactive read-eval-print driver for a Session.
type Loop struct {
	session    *Session
	renderer   *render.Renderer
	in         io.Reader
	model      string
	exitTokens map[string]struct{}
	exitList   []string
	interrupts <-chan os.Signal
	logger     zerolog.Logger

	// interruptPending is set when a turn consumed an interrupt it could
	// no longer cancel; the prompt then treats it as its own.
	interruptPending bool
}

// NewLoop creates a loop reading lines from in.
func NewLoop(session *Session, renderer *render.Renderer, in io.Reader, opts LoopOptions) *Loop {
	tokens := opts.ExitTokens
	if len(tokens) == 0 {
		tokens = []string{"exit", "quit"}
	}
	exit := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		exit[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &Loop{
		session:    session,
		renderer:   renderer,
		in:         in,
		model:      opts.Model,
		exitTokens: exit,
		exitList:   tokens,
		interrupts: opts.Interrupts,
		logger:     opts.Logger,
	}
}

type inputLine struct {
	text string
	err  error
}

// Run drives the conversation until an exit token, end of input, an
// interrupt at the prompt or cancellation of ctx. It returns an error only
// for failures that make continuing impossible.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.session.Start(); err != nil {
		return err
	}
	defer l.session.Close()

	lines := make(chan inputLine)
	done := make(chan struct{})
	defer close(done)
	go l.readLines(lines, done)

	l.renderer.Banner(l.model)
	for {
		l.renderer.Prompt()
		if l.interruptPending {
			l.renderer.Notice("")
			return nil
		}

		var line inputLine
		select {
		case <-ctx.Done():
			l.renderer.Notice("")
			return nil
		case <-l.interrupts:
			l.renderer.Notice("")
			return nil
		case line = <-lines:
		}
		if line.err != nil {
			l.renderer.Notice("")
			if errors.Is(line.err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read input: %w", line.err)
		}

		text := strings.TrimSpace(line.text)
		if _, ok := l.exitTokens[strings.ToLower(text)]; ok {
			return nil
		}
		switch text {
		case "":
			continue
		case "/help":
			l.renderer.Help(l.exitList)
			continue
		case "/reset":
			if err := l.session.Reset(); err != nil {
				return err
			}
			l.renderer.Notice("(started a new conversation)")
			continue
		case "/history":
			l.renderer.History(l.session.Transcript())
			continue
		}

		if err := l.turn(ctx, text); err != nil {
			return err
		}
	}
}

func (l *Loop) readLines(out chan<- inputLine, done <-chan struct{}) {
	scanner := bufio.NewScanner(l.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		select {
		case out <- inputLine{text: scanner.Text()}:
		case <-done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case out <- inputLine{err: err}:
	case <-done:
	}
}

// turn runs one submission, cancelling it on interrupt. Only fatal errors
// are returned; everything else is rendered.
func (l *Loop) turn(ctx context.Context, text string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg          conc.WaitGroup
		interrupted atomic.Bool
	)
	stop := make(chan struct{})
	wg.Go(func() {
		select {
		case <-l.interrupts:
			interrupted.Store(true)
			cancel()
		case <-stop:
		}
	})

	w := &answerWriter{renderer: l.renderer}
	result, err := l.session.Submit(turnCtx, text, w)
	close(stop)
	wg.Wait()
	if interrupted.Load() && (err == nil || guard.IsRejected(err)) {
		l.interruptPending = true
	}

	switch {
	case err == nil:
		if result.Streamed && w.started {
			l.renderer.StreamEnd(result.Suffix)
		} else {
			l.renderer.Answer(result.Text)
		}
		if result.Evicted > 0 {
			l.logger.Debug().Int("evicted", result.Evicted).Msg("Oldest turns dropped from context")
		}
	case errors.Is(err, conversation.ErrInvalidTurnOrder):
		return err
	case guard.IsRejected(err):
		l.renderer.Refusal(l.session.Refusal(err))
	case interrupted.Load() || errors.Is(err, context.Canceled):
		w.breakLine()
		l.renderer.Notice("(interrupted)")
	default:
		w.breakLine()
		l.renderer.Error(err)
	}
	return nil
}

// answerWriter prints the stream header before the first chunk.
type answerWriter struct {
	renderer *render.Renderer
	started  bool
	out      io.Writer
}

func (w *answerWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.started = true
		w.renderer.StreamHeader()
		w.out = w.renderer.Writer()
	}
	return w.out.Write(p)
}

func (w *answerWriter) breakLine() {
	if w.started {
		fmt.Fprintln(w.out)
	}
}
