package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/teachmefinance/tmf/config"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/guard"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/inference"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubReply struct {
	text string
	err  error
}

// stubBackend replays scripted replies; the last reply repeats.
type stubBackend struct {
	mu         sync.Mutex
	replies    []stubReply
	requests   []inference.Request
	blockFirst bool
	started    chan struct{}
}

func newStubBackend(replies ...stubReply) *stubBackend {
	return &stubBackend{replies: replies, started: make(chan struct{}, 8)}
}

func (b *stubBackend) Send(ctx context.Context, req inference.Request) (*inference.Response, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	n := len(b.requests)
	reply := stubReply{text: "ok"}
	if len(b.replies) > 0 {
		reply = b.replies[min(n, len(b.replies))-1]
	}
	block := b.blockFirst && n == 1
	b.mu.Unlock()

	b.started <- struct{}{}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return &inference.Response{Text: reply.text, Usage: inference.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
}

func (b *stubBackend) Ping(context.Context) (string, error) { return "stub", nil }

func (b *stubBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *stubBackend) request(i int) inference.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[i]
}

var _ inference.Backend = (*stubBackend)(nil)

func testPolicy(t *testing.T) *guard.Policy {
	t.Helper()
	p, err := guard.New(config.Defaults().Guard)
	require.NoError(t, err)
	return p
}

func testOptions() Options {
	return Options{Model: "qwen2.5:7b-instruct", Temperature: 0.4, MaxTokens: 512, MaxTurns: 20}
}

func newStartedSession(t *testing.T, backend inference.Backend, opts Options) *Session {
	t.Helper()
	s := NewSession(testPolicy(t), backend, opts)
	require.NoError(t, s.Start())
	return s
}

// ollamaStream serves a streamed /api/chat reply made of parts. When done is
// false the stream ends without its done marker.
func ollamaStream(t *testing.T, parts []string, done bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher, _ := w.(http.Flusher)
		for _, p := range parts {
			line, _ := json.Marshal(map[string]any{
				"message": map[string]string{"role": "assistant", "content": p},
				"done":    false,
			})
			fmt.Fprintln(w, string(line))
			if flusher != nil {
				flusher.Flush()
			}
		}
		if done {
			fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":4,"prompt_eval_count":12}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func ollamaClient(endpoint string) *inference.Client {
	return inference.NewClient(inference.Config{
		Endpoint: endpoint,
		Timeout:  2 * time.Second,
	}, zerolog.Nop())
}
