package chat

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ZanzyTHEbar/teachmefinance/tmf/conversation"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/guard"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/render"
)

// Exit codes of the one-shot runner.
const (
	ExitOK       = 0
	ExitBackend  = 1
	ExitRejected = 2
	ExitInternal = 70
)

// Ask answers a single question on a fresh session. The answer, or the
// refusal, is written to stdout as plain text; failures go to stderr. The
// returned value is the process exit code.
func Ask(ctx context.Context, session *Session, question string, stdout, stderr io.Writer) int {
	if err := session.Start(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return ExitInternal
	}
	defer session.Close()

	written := &countingWriter{w: stdout}
	result, err := session.Submit(ctx, question, written)
	switch {
	case err == nil:
		if result.Streamed {
			// the suffix starts with its own blank line
			fmt.Fprintln(stdout, result.Suffix)
		} else {
			fmt.Fprintln(stdout, result.Text)
		}
		return ExitOK

	case guard.IsRejected(err):
		fmt.Fprintln(stdout, session.Refusal(err))
		return ExitRejected

	case errors.Is(err, conversation.ErrInvalidTurnOrder):
		fmt.Fprintf(stderr, "internal error: %v\n", err)
		return ExitInternal
	}

	if written.n > 0 {
		fmt.Fprintln(stdout)
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	if hint := render.Hint(err); hint != "" {
		fmt.Fprintf(stderr, "hint: %s\n", hint)
	}
	return ExitBackend
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
