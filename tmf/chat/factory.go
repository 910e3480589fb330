package chat

import (
	"net/http"

	"github.com/ZanzyTHEbar/teachmefinance/tmf/config"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/guard"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/inference"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/logging"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/trace"

	"github.com/rs/zerolog"
)

// Factory creates and wires chat components from configuration.
type Factory struct {
	cfg        *config.Config
	logger     zerolog.Logger
	httpClient *http.Client
}

// NewFactory creates a new factory. httpClient may be nil.
func NewFactory(cfg *config.Config, logger zerolog.Logger, httpClient *http.Client) *Factory {
	return &Factory{
		cfg:        cfg,
		logger:     logger,
		httpClient: httpClient,
	}
}

// CreatePolicy compiles the guard policy.
func (f *Factory) CreatePolicy() (*guard.Policy, error) {
	return guard.New(f.cfg.Guard)
}

// CreateTracer creates the tracer shared by the client and sessions.
func (f *Factory) CreateTracer() trace.Tracer {
	if f.logger.GetLevel() > zerolog.DebugLevel {
		return trace.Nop{}
	}
	return trace.NewZerologTracer(logging.Component(f.logger, "trace"))
}

// CreateClient creates the Ollama client.
func (f *Factory) CreateClient(tracer trace.Tracer) *inference.Client {
	opts := []inference.Option{inference.WithTracer(tracer)}
	if f.httpClient != nil {
		opts = append(opts, inference.WithHTTPClient(f.httpClient))
	}
	return inference.NewClient(inference.Config{
		Endpoint:   f.cfg.Endpoint,
		Timeout:    f.cfg.Timeout(),
		MaxRetries: f.cfg.Retry.MaxAttempts,
		Backoff:    f.cfg.Retry.Backoff,
	}, logging.Component(f.logger, "inference"), opts...)
}

// CreateSession wires a fresh session against the given backend.
func (f *Factory) CreateSession(policy *guard.Policy, backend inference.Backend, tracer trace.Tracer) *Session {
	return NewSession(policy, backend, Options{
		Model:       f.cfg.Model,
		Temperature: f.cfg.Temperature,
		MaxTokens:   f.cfg.MaxTokens,
		MaxTurns:    f.cfg.MaxTurns,
		Stream:      f.cfg.Stream,
	},
		WithLogger(logging.Component(f.logger, "chat")),
		WithTracer(tracer),
	)
}

// Create builds a session backed by the Ollama client, returning the client
// too so callers can probe it.
func (f *Factory) Create() (*Session, *inference.Client, error) {
	policy, err := f.CreatePolicy()
	if err != nil {
		return nil, nil, err
	}
	tracer := f.CreateTracer()
	client := f.CreateClient(tracer)
	return f.CreateSession(policy, client, tracer), client, nil
}
