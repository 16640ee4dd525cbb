// Command drill replays a scripted conversation against a running server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/patientsim/internal/drill"
	"github.com/okian/patientsim/pkg/logger"
)

const (
	defaultTimeout  = 90 * time.Second
	defaultDeadline = 10 * time.Minute
)

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:9080", "Base URL of the service")
		script   = flag.String("script", "", "Conversation script (YAML)")
		sessions = flag.Int("sessions", 1, "Number of concurrent sessions replaying the script")
		timeout  = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		verbose  = flag.Bool("verbose", false, "Log every patient reply")
		help     = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help || *script == "" {
		drill.ShowHelp()
		return
	}
	if err := logger.InitWithFormat("console"); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)

	_, err := drill.Run(ctx, &drill.Config{
		BaseURL:  *baseURL,
		Script:   *script,
		Sessions: *sessions,
		Timeout:  *timeout,
		Verbose:  *verbose,
	})
	cancel()
	stop()
	_ = logger.Sync()
	if err != nil {
		os.Stderr.WriteString("drill failed: " + err.Error() + "\n")
		os.Exit(1)
	}
}
