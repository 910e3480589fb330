package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ZanzyTHEbar/teachmefinance/tmf"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/chat"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/config"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/conversation"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/logging"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/render"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// interrupts subscribes to SIGINT for the interactive loop.
	interrupts func() (<-chan os.Signal, func())
}

// configError wraps failures to load or validate configuration.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func (a *app) root() *Command {
	return &Command{
		Name:    tmf.DefaultAppName,
		Summary: tmf.DisplayName + ": financial education chat on a local model. Education, not advice.",
		Subcommands: []*Command{
			a.chatCommand(),
			a.askCommand(),
			a.versionCommand(),
		},
	}
}

// modelFlags registers the flags shared by commands that talk to the model.
func modelFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to a YAML config file")
	fs.StringP("model", "m", tmf.DefaultModel, "Ollama model name")
	fs.String("endpoint", tmf.DefaultEndpoint, "Ollama server URL (also OLLAMA_URL)")
	fs.Float64P("temperature", "t", 0.4, "sampling temperature")
	fs.Int("max-tokens", 512, "maximum tokens per answer")
	fs.Int("timeout", 60, "per-request timeout in seconds")
	fs.Bool("stream", true, "print answers as they are generated")
	fs.String("log-level", "warn", "log level (debug, info, warn, error)")
}

func (a *app) chatCommand() *Command {
	return &Command{
		Name:    "chat",
		Summary: "Start an interactive chat",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("chat", pflag.ContinueOnError)
			modelFlags(fs)
			fs.Int("max-turns", 20, "messages kept in the model's context")
			fs.Bool("probe", true, "check that the server is reachable before starting")
			return fs
		},
		Examples: []Example{
			{Description: "Chat with the default model", Command: "teachmefinance chat"},
			{Description: "Use another model on a remote server", Command: "teachmefinance chat -m llama3.1:8b --endpoint http://gpu-box:11434"},
		},
		Run: a.runChat,
	}
}

func (a *app) askCommand() *Command {
	return &Command{
		Name:    "ask",
		Summary: "Answer a single question and exit",
		Usage:   tmf.DefaultAppName + " ask [flags] <question>",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("ask", pflag.ContinueOnError)
			modelFlags(fs)
			return fs
		},
		Examples: []Example{
			{Command: `teachmefinance ask "What is a Roth IRA?"`},
		},
		Run: a.runAsk,
	}
}

func (a *app) versionCommand() *Command {
	return &Command{
		Name:    "version",
		Summary: "Print the version",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("version", pflag.ContinueOnError)
			fs.StringP("config", "c", "", "path to a YAML config file")
			fs.String("endpoint", tmf.DefaultEndpoint, "Ollama server URL (also OLLAMA_URL)")
			fs.Bool("server", false, "also print the version of the Ollama server")
			return fs
		},
		Run: a.runVersion,
	}
}

// setup loads configuration and builds the logger.
func (a *app) setup(flags *pflag.FlagSet) (*config.Config, zerolog.Logger, error) {
	configPath, _ := flags.GetString("config")
	cfg, err := config.LoadConfig(configPath, flags)
	if err != nil {
		return nil, zerolog.Nop(), &configError{err: err}
	}
	logger, err := logging.New(cfg.Log, a.stderr)
	if err != nil {
		return nil, zerolog.Nop(), &configError{err: err}
	}
	return cfg, logger, nil
}

func (a *app) runChat(ctx context.Context, flags *pflag.FlagSet, args []string) error {
	if len(args) > 0 {
		return &UsageError{Message: fmt.Sprintf("chat takes no arguments, got %q", strings.Join(args, " "))}
	}
	cfg, logger, err := a.setup(flags)
	if err != nil {
		return err
	}

	session, client, err := chat.NewFactory(cfg, logger, nil).Create()
	if err != nil {
		return &configError{err: err}
	}
	renderer := render.New(a.stdout)

	if cfg.Probe {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
		version, err := client.Ping(probeCtx)
		cancel()
		if err != nil {
			renderer.Error(err)
			return &ExitError{Code: chat.ExitBackend}
		}
		logger.Debug().Str("server_version", version).Str("endpoint", cfg.Endpoint).Msg("Backend reachable")
	}

	interrupts, stop := a.interrupts()
	defer stop()

	loop := chat.NewLoop(session, renderer, a.stdin, chat.LoopOptions{
		Model:      cfg.Model,
		ExitTokens: cfg.Chat.ExitTokens,
		Interrupts: interrupts,
		Logger:     logging.Component(logger, "loop"),
	})
	if err := loop.Run(ctx); err != nil {
		if errors.Is(err, conversation.ErrInvalidTurnOrder) {
			fmt.Fprintf(a.stderr, "internal error: %v\n", err)
			return &ExitError{Code: chat.ExitInternal}
		}
		return err
	}
	return nil
}

func (a *app) runAsk(ctx context.Context, flags *pflag.FlagSet, args []string) error {
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return &UsageError{Message: "ask requires a question"}
	}
	cfg, logger, err := a.setup(flags)
	if err != nil {
		return err
	}

	session, _, err := chat.NewFactory(cfg, logger, nil).Create()
	if err != nil {
		return &configError{err: err}
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	if code := chat.Ask(ctx, session, question, a.stdout, a.stderr); code != chat.ExitOK {
		return &ExitError{Code: code}
	}
	return nil
}

func (a *app) runVersion(ctx context.Context, flags *pflag.FlagSet, _ []string) error {
	fmt.Fprintf(a.stdout, "%s %s\n", tmf.DefaultAppName, tmf.Version)

	if server, _ := flags.GetBool("server"); !server {
		return nil
	}
	cfg, logger, err := a.setup(flags)
	if err != nil {
		return err
	}
	factory := chat.NewFactory(cfg, logger, nil)
	client := factory.CreateClient(factory.CreateTracer())

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	version, err := client.Ping(pingCtx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "ollama %s\n", version)
	return nil
}
