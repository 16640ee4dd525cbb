// Command patientsim-mcp exposes practice sessions as an MCP stdio server.
//
// It reads the same PATIENTSIM_ configuration as the HTTP server. Logs go to
// stderr; stdout carries the protocol.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/okian/patientsim/internal/adapters/mcpserver"
	app "github.com/okian/patientsim/internal/app"
	"github.com/okian/patientsim/internal/config"
	"github.com/okian/patientsim/pkg/logger"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		os.Stderr.WriteString("patientsim-mcp: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := logger.InitWithFormat(cfg.LogFormat); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	_ = logger.SetLevelString(cfg.LogLevel)
	log := logger.Named("mcp")

	svc := app.New(cfg)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Stop(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "service shutdown failed", logger.Error(err))
		}
	}()

	engine, err := svc.Engine()
	if err != nil {
		return err
	}
	if err := mcpserver.NewServer(engine, version).Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
