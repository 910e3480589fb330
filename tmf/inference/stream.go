package inference

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// maxLineBytes bounds a single NDJSON line of a streamed reply.
var maxLineBytes = maxReplyBytes

// newLineScanner splits r into NDJSON lines of at most maxLineBytes.
func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(64*1024, maxLineBytes)), maxLineBytes)
	return sc
}

// Stream yields the chunks of a streamed reply. The stream ends with io.EOF
// once the server sent its done marker. Consumers may stop early, but must
// call Close when done.
//
// A watchdog closes the connection when no line arrives within the client
// timeout. Stream is not safe for concurrent use.
type Stream struct {
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelCauseFunc
	body     io.ReadCloser
	lines    *bufio.Scanner
	watchdog *time.Timer
	idle     time.Duration
	endpoint string

	pending []string
	text    strings.Builder
	usage   Usage
	done    bool
	err     error
	closed  bool
}

// Next returns the next chunk of text. It returns io.EOF after the done
// marker, or the failure that ended the stream.
func (s *Stream) Next() (string, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		if s.done {
			return "", io.EOF
		}
		if s.err != nil {
			return "", s.err
		}
		if err := s.readLine(); err != nil {
			s.fail(err)
		}
	}
}

// Text returns all text received so far.
func (s *Stream) Text() string {
	return s.text.String()
}

// Usage returns the token counts from the done marker. It is zero until the
// stream has completed.
func (s *Stream) Usage() Usage {
	return s.usage
}

// Close releases the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.watchdog.Stop()
	s.cancel(errClosed)
	return s.body.Close()
}

// prime reads until the first non-empty chunk or the done marker. Errors
// here happen before any content, so they are returned unwrapped.
func (s *Stream) prime() error {
	for len(s.pending) == 0 && !s.done {
		if err := s.readLine(); err != nil {
			return s.classify(err)
		}
	}
	return nil
}

// readLine consumes one NDJSON line.
func (s *Stream) readLine() error {
	if s.closed {
		return errClosed
	}
	if !s.lines.Scan() {
		err := s.lines.Err()
		switch {
		case err == nil:
			return fmt.Errorf("%w: stream ended without done marker", ErrBackendProtocol)
		case errors.Is(err, bufio.ErrTooLong):
			return fmt.Errorf("%w: stream line exceeds %d bytes", ErrBackendProtocol, maxLineBytes)
		}
		return err
	}
	s.watchdog.Reset(s.idle)
	line := bytes.TrimSpace(s.lines.Bytes())
	if len(line) == 0 {
		return nil
	}

	var chunk chatReply
	if err := decode(chunkSchema, line, &chunk); err != nil {
		return err
	}
	if chunk.Error != "" {
		return fmt.Errorf("%w: %s", ErrBackendProtocol, chunk.Error)
	}

	if text := chunk.text(); text != "" {
		s.text.WriteString(text)
		s.pending = append(s.pending, text)
	}
	if chunk.Done {
		s.done = true
		s.usage = chunk.usage()
		s.watchdog.Stop()
	}
	return nil
}

// fail records the terminal error and releases the connection.
func (s *Stream) fail(err error) {
	err = s.classify(err)
	if s.text.Len() > 0 {
		err = &StreamError{Partial: s.text.String(), Err: err}
	}
	s.err = err
	s.Close()
}

func (s *Stream) classify(err error) error {
	if errors.Is(err, ErrBackendProtocol) || errors.Is(err, ErrBackendTimeout) || errors.Is(err, ErrBackendUnavailable) {
		if s.parent.Err() != nil {
			return s.parent.Err()
		}
		return err
	}
	if errors.Is(err, errClosed) {
		return fmt.Errorf("%w: %v", ErrBackendProtocol, errClosed)
	}
	return classify(s.parent, s.ctx, s.endpoint, err)
}
