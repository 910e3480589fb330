package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/teachmefinance/tmf/trace"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	chatPath    = "/api/chat"
	versionPath = "/api/version"

	// maxReplyBytes bounds a blocking reply or an error body.
	maxReplyBytes = 8 << 20

	defaultTimeout = 60 * time.Second
	minBackoff     = time.Millisecond
)

// Config configures a Client.
type Config struct {
	Endpoint   string        // Base URL, e.g. http://localhost:11434
	Timeout    time.Duration // Per attempt; also the idle bound between stream chunks
	MaxRetries int           // Extra attempts after a timeout
	Backoff    time.Duration // Delay between attempts
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTracer sets the tracer wrapping every attempt in a span.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// Client is the Backend for Ollama's HTTP API.
type Client struct {
	cfg    Config
	http   *http.Client
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewClient creates an Ollama client.
func NewClient(cfg Config, logger zerolog.Logger, opts ...Option) *Client {
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff < minBackoff {
		cfg.Backoff = minBackoff
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		tracer: trace.Nop{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send performs a chat request. Timeouts are retried up to MaxRetries times
// as long as no content has been produced; every other failure is returned
// immediately.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("inference: request has no messages")
	}
	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   req.Stream,
		Options: chatOptions{
			Temperature: req.Options.Temperature,
			NumPredict:  req.Options.MaxTokens,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("inference: encode request: %w", err)
	}

	var (
		resp    *Response
		attempt int
	)
	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxRetries), retry.NewConstant(c.cfg.Backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		r, err := c.attempt(ctx, req, body, attempt)
		if err != nil {
			if errors.Is(err, ErrBackendTimeout) {
				c.logger.Info().Int("attempt", attempt).Err(err).Msg("Inference attempt timed out")
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, req Request, body []byte, n int) (*Response, error) {
	ctx, finish := c.tracer.StartSpan(ctx, "inference.send", map[string]any{
		"attempt":  n,
		"model":    req.Model,
		"stream":   req.Stream,
		"messages": len(req.Messages),
	})

	var (
		resp *Response
		err  error
	)
	if req.Stream {
		resp, err = c.openStream(ctx, body)
	} else {
		resp, err = c.complete(ctx, body)
	}
	finish(err)
	if err == nil && resp.Stream == nil {
		c.tracer.Event(ctx, "usage", map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		})
	}
	return resp, err
}

func (c *Client) complete(ctx context.Context, body []byte) (*Response, error) {
	actx, cancel := context.WithTimeoutCause(ctx, c.cfg.Timeout, errStalled)
	defer cancel()

	httpResp, err := c.post(actx, chatPath, body, false)
	if err != nil {
		return nil, classify(ctx, actx, c.cfg.Endpoint, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxReplyBytes))
	if err != nil {
		return nil, classify(ctx, actx, c.cfg.Endpoint, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, statusError(httpResp.StatusCode, data)
	}

	var reply chatReply
	if err := decode(replySchema, data, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrBackendProtocol, reply.Error)
	}
	return &Response{Text: reply.text(), Usage: reply.usage()}, nil
}

// openStream starts a streaming request and waits for the first piece of
// content, so that a stalled or failed start is still retryable.
func (c *Client) openStream(ctx context.Context, body []byte) (*Response, error) {
	sctx, cancel := context.WithCancelCause(ctx)
	watchdog := time.AfterFunc(c.cfg.Timeout, func() { cancel(errStalled) })

	httpResp, err := c.post(sctx, chatPath, body, true)
	if err != nil {
		watchdog.Stop()
		defer cancel(nil)
		return nil, classify(ctx, sctx, c.cfg.Endpoint, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxReplyBytes))
		httpResp.Body.Close()
		watchdog.Stop()
		cancel(nil)
		return nil, statusError(httpResp.StatusCode, data)
	}

	s := &Stream{
		parent:   ctx,
		ctx:      sctx,
		cancel:   cancel,
		body:     httpResp.Body,
		lines:    newLineScanner(httpResp.Body),
		watchdog: watchdog,
		idle:     c.cfg.Timeout,
		endpoint: c.cfg.Endpoint,
	}
	if err := s.prime(); err != nil {
		s.Close()
		return nil, err
	}
	c.tracer.Event(ctx, "first_chunk", map[string]any{"bytes": len(s.Text())})
	return &Response{Stream: s}, nil
}

// Ping checks that the server answers and returns its version string.
func (c *Client) Ping(ctx context.Context) (string, error) {
	ctx, finish := c.tracer.StartSpan(ctx, "inference.ping", nil)
	version, err := c.ping(ctx)
	finish(err)
	return version, err
}

func (c *Client) ping(ctx context.Context) (string, error) {
	actx, cancel := context.WithTimeoutCause(ctx, c.cfg.Timeout, errStalled)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(actx, http.MethodGet, c.cfg.Endpoint+versionPath, nil)
	if err != nil {
		return "", fmt.Errorf("inference: build request: %w", err)
	}
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return "", classify(ctx, actx, c.cfg.Endpoint, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxReplyBytes))
	if err != nil {
		return "", classify(ctx, actx, c.cfg.Endpoint, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return "", statusError(httpResp.StatusCode, data)
	}

	var payload struct {
		Version string `json:"version"`
	}
	if err := decode(versionSchema, data, &payload); err != nil {
		return "", err
	}
	return payload.Version, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("inference: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "application/x-ndjson")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	return c.http.Do(httpReq)
}

var _ Backend = (*Client)(nil)
