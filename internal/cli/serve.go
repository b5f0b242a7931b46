package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aretw0/blockq/internal/config"
	"github.com/aretw0/blockq/internal/presentation/tui"
	httpAdapter "github.com/aretw0/blockq/pkg/adapters/http"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions contains the configuration for the serve command.
type ServeOptions struct {
	ConfigPath string
	// Addr overrides http.addr when set.
	Addr  string
	Debug bool
	Quiet bool
	Out   io.Writer
}

// Serve runs the HTTP API, and the metrics endpoint when enabled, until interrupted.
func Serve(opts ServeOptions) error {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.HTTP.Addr = opts.Addr
	}
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

	servers := buildServers(rt)
	if !opts.Quiet {
		tui.PrintBanner(opts.Out)
		for _, srv := range servers {
			printSystemMessage(opts.Out, "Listening on %s", srv.Addr)
		}
	}

	g, ctx := errgroup.WithContext(sc)
	g.Go(func() error {
		return rt.Run(ctx)
	})
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Graceful shutdown did not complete", "addr", srv.Addr, "error", err)
				errs = append(errs, srv.Close())
			}
		}
		return errors.Join(errs...)
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := rt.Close(closeCtx)

	if !opts.Quiet {
		logCompletion(opts.Out, "Server", sc.Signal())
	}
	return errors.Join(handleExecutionError(runErr), closeErr)
}

// buildServers returns the API server, plus a separate metrics server when metrics
// are enabled on their own address. Metrics sharing the API address are mounted on it.
func buildServers(rt *Runtime) []*http.Server {
	cfg := rt.Config
	apiOpts := []httpAdapter.Option{httpAdapter.WithLogger(rt.Logger.With("component", "http"))}

	var metricsSrv *http.Server
	if rt.Metrics != nil {
		if cfg.Metrics.Addr == "" || cfg.Metrics.Addr == cfg.HTTP.Addr {
			apiOpts = append(apiOpts, httpAdapter.WithMetricsHandler(rt.Metrics.Handler()))
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", rt.Metrics.Handler())
			metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		}
	}

	servers := []*http.Server{{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpAdapter.NewHandler(rt.Document, apiOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if metricsSrv != nil {
		servers = append(servers, metricsSrv)
	}
	return servers
}
