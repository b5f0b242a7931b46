package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aretw0/blockq/internal/config"
	"github.com/aretw0/blockq/pkg/adapters/mcp"
)

// MCPOptions contains the configuration for the mcp command.
type MCPOptions struct {
	ConfigPath string
	// Transport is "stdio" or "sse".
	Transport string
	Addr      string
	BaseURL   string
	Debug     bool
}

// ServeMCP exposes the document as MCP tools until stdin closes (stdio) or the
// process is interrupted (sse).
func ServeMCP(opts MCPOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	// Metrics have no listener in MCP mode.
	cfg.Metrics.Enabled = false

	logger, err := createLogger(cfg.Log, opts.Debug)
	if err != nil {
		return err
	}

	sc := NewSignalContext(context.Background())
	defer sc.Cancel()

	rt, err := NewRuntime(sc, cfg, logger, opts.Debug)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			logger.Warn("Shutdown failed", "error", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- rt.Run(sc)
	}()

	srv := mcp.NewServer(rt.Document, logger.With("component", "mcp"))

	var serveErr error
	switch opts.Transport {
	case "", "stdio":
		// Ensure logs don't corrupt JSON-RPC on Stdout
		log.SetOutput(os.Stderr)
		logger.Info("Starting blockq MCP Server (Stdio)")
		serveErr = srv.ServeStdio()
	case "sse":
		baseURL := opts.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost" + opts.Addr
		}
		logger.Info("Starting blockq MCP Server (SSE)", "addr", opts.Addr)
		serveErr = srv.ServeSSE(sc, opts.Addr, baseURL)
	default:
		return fmt.Errorf("unknown transport: %s. Supported: stdio, sse", opts.Transport)
	}

	sc.Cancel()
	select {
	case err := <-runErr:
		serveErr = errors.Join(serveErr, handleExecutionError(err))
	case <-time.After(shutdownTimeout):
	}
	return handleExecutionError(serveErr)
}
