//go:build integration
// +build integration

package scripts

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/teachmefinance/tmf/chat"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/config"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/logging"
)

func must(err error, msg string) {
	if err != nil {
		log.Fatalf("%s: %v", msg, err)
	}
}

// RunSmokeOllama checks a live Ollama server end to end: the version probe,
// a blocking answer, a streamed answer and a guard refusal.
func RunSmokeOllama(endpoint, model string) {
	fmt.Println("Smoke test: Ollama at", endpoint)

	cfg := config.Defaults()
	cfg.Endpoint = endpoint
	if model != "" {
		cfg.Model = model
	}
	cfg.Log.Level = "debug"
	logger, err := logging.New(cfg.Log, os.Stderr)
	must(err, "logger")

	factory := chat.NewFactory(cfg, logger, nil)
	client := factory.CreateClient(factory.CreateTracer())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	version, err := client.Ping(ctx)
	must(err, "ping")
	fmt.Println("OK: server version", version)

	for _, stream := range []bool{false, true} {
		cfg.Stream = stream
		session, _, err := factory.Create()
		must(err, "session")

		var stdout, stderr bytes.Buffer
		code := chat.Ask(ctx, session, "What is an emergency fund?", &stdout, &stderr)
		if code != chat.ExitOK {
			log.Fatalf("ask (stream=%v) exited %d: %s", stream, code, stderr.String())
		}
		if strings.TrimSpace(stdout.String()) == "" {
			log.Fatalf("ask (stream=%v) printed nothing", stream)
		}
		fmt.Printf("OK: ask stream=%v (%d bytes)\n", stream, stdout.Len())
	}

	session, _, err := factory.Create()
	must(err, "session")
	var stdout, stderr bytes.Buffer
	if code := chat.Ask(ctx, session, "Buy 100 shares of XYZ now", &stdout, &stderr); code != chat.ExitRejected {
		log.Fatalf("refusal exited %d, want %d", code, chat.ExitRejected)
	}
	fmt.Println("OK: refusal")
}
