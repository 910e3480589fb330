// Command teachmefinance is a terminal chatbot for personal-finance
// education backed by a local Ollama server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Process exit codes beyond those of the one-shot runner.
const (
	exitUsage  = 64
	exitConfig = 78
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	a := &app{
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		interrupts: notifyInterrupts,
	}
	return exitCode(a.root().Execute(ctx, args, stdout), stderr)
}

// exitCode reports err on stderr when the command has not already done so
// and maps it to a process exit code.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}

	var (
		exitErr  *ExitError
		usageErr *UsageError
		cfgErr   *configError
	)
	switch {
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	case errors.As(err, &usageErr):
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	case errors.As(err, &cfgErr):
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitConfig
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

// signalContext cancels ctx on SIGINT.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

func notifyInterrupts() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	return ch, func() { signal.Stop(ch) }
}
