package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/aretw0/blockq"
	"github.com/aretw0/blockq/internal/config"
	"github.com/aretw0/blockq/pkg/adapters/file"
	"github.com/aretw0/blockq/pkg/adapters/process"
	redisAdapter "github.com/aretw0/blockq/pkg/adapters/redis"
	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/observability"
	"github.com/aretw0/blockq/pkg/persistence/middleware"
	"github.com/aretw0/blockq/pkg/ports"
	"github.com/aretw0/blockq/pkg/queue"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Runtime is a Document wired from configuration, together with the background
// loops it depends on.
type Runtime struct {
	Config   config.Config
	Logger   *slog.Logger
	Document *blockq.Document
	// Metrics is nil when metrics are disabled.
	Metrics *observability.Metrics

	loops   []func(context.Context) error
	closers []func() error
}

// NewRuntime builds the document described by cfg:
//   - a Redis store, epoch source and optional lock when redis.addr is set
//   - a file store when store.path is set, memory otherwise
//   - the process backend loaded from cfg.Backends, confirming as-is for unconfigured tags
//   - the queue tuning of cfg.Queue and the blocks declared in cfg.Blocks
func NewRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, debug bool) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}

	docOpts := []blockq.Option{blockq.WithLogger(logger)}
	if debug {
		docOpts = append(docOpts, blockq.WithLifecycleHooks(createDebugHooks(logger)))
	}
	if cfg.Metrics.Enabled {
		rt.Metrics = observability.NewMetrics()
		docOpts = append(docOpts, blockq.WithLifecycleHooks(rt.Metrics.Hooks()))
	}

	queueOpts := []queue.Option{
		queue.WithAbortTimeout(cfg.Queue.AbortTimeout),
		queue.WithExecTimeout(cfg.Queue.ExecTimeout),
		queue.WithHistoryLimit(cfg.Queue.HistoryLimit),
		queue.WithRetainCompleted(cfg.Queue.RetainCompleted),
	}
	if cfg.Queue.RateLimit > 0 {
		queueOpts = append(queueOpts, queue.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.Queue.RateLimit), cfg.Queue.RateBurst)))
	}

	if cfg.Redis.Addr != "" {
		opts, err := rt.connectRedis(ctx)
		if err != nil {
			rt.close()
			return nil, err
		}
		docOpts = append(docOpts, opts.doc...)
		queueOpts = append(queueOpts, opts.queue...)
	} else if cfg.Store.Path != "" {
		store := file.New[string](cfg.Store.Path)
		persisted, err := store.List(ctx)
		if err != nil {
			return nil, err
		}
		logger.Info("Using file store", "path", cfg.Store.Path, "blocks", len(persisted))
		docOpts = append(docOpts, blockq.WithStore(store))
	}

	backend, err := newBackend(cfg.Backends, logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	if cfg.WatchBackends && cfg.Backends != "" {
		path := cfg.Backends
		rt.loops = append(rt.loops, func(ctx context.Context) error {
			return process.WatchBackends(ctx, path, backend, logger.With("component", "backends"))
		})
	}
	docOpts = append(docOpts, blockq.WithBackend(backend), blockq.WithQueueOptions(queueOpts...))

	doc, err := blockq.New(docOpts...)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("error initializing document: %w", err)
	}
	rt.Document = doc

	for _, b := range cfg.Blocks {
		if _, err := doc.AddInputBlock(ctx, domain.BlockID(b.ID), domain.InputType(b.InputType), b.Variable, b.Value); err != nil {
			rt.close()
			return nil, err
		}
	}
	return rt, nil
}

type redisOptions struct {
	doc   []blockq.Option
	queue []queue.Option
}

func (rt *Runtime) connectRedis(ctx context.Context) (redisOptions, error) {
	cfg := rt.Config.Redis
	client := redisAdapter.NewClient(cfg.Addr, cfg.Password, cfg.DB)
	rt.closers = append(rt.closers, client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return redisOptions{}, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	epochs := redisAdapter.NewEpochSource(client, cfg.Prefix,
		redisAdapter.WithPollInterval(cfg.EpochPoll),
		redisAdapter.WithEpochLogger(rt.Logger.With("component", "epoch")),
	)
	current, err := epochs.Refresh(ctx)
	if err != nil {
		return redisOptions{}, err
	}
	if current.IsZero() {
		// First process attached to this store: the environment starts now.
		if err := epochs.Publish(ctx, domain.EpochOf(time.Now())); err != nil {
			return redisOptions{}, err
		}
	}
	rt.loops = append(rt.loops, epochs.Run)

	var store ports.AttributeStore[string] = redisAdapter.NewStore[string](client, redisAdapter.WithPrefix(cfg.Prefix))
	active, fallbacks, err := cfg.Keys()
	if err != nil {
		return redisOptions{}, err
	}
	if active != nil {
		mw, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: active, FallbackKeys: fallbacks})
		if err != nil {
			return redisOptions{}, err
		}
		store = middleware.Chain(store, mw)
	}

	opts := redisOptions{
		doc: []blockq.Option{
			blockq.WithStore(store),
			blockq.WithEpochSource(epochs),
		},
	}
	if cfg.Lock {
		opts.queue = append(opts.queue, queue.WithLocker(redisAdapter.NewLocker(client, cfg.Prefix)))
	}
	rt.Logger.Info("Using Redis store", "addr", cfg.Addr, "prefix", cfg.Prefix, "lock", cfg.Lock, "encrypted", active != nil)
	return opts, nil
}

func newBackend(path string, logger *slog.Logger) (*process.Backend, error) {
	var commands map[domain.ExecutionTag]process.CommandConfig
	if path != "" {
		var err error
		commands, err = process.LoadBackends(path)
		if err != nil {
			return nil, fmt.Errorf("error loading backends: %w", err)
		}
	}
	logger.Debug("Backends loaded", "path", path, "commands", len(commands))

	return process.New(
		process.WithCommands(commands),
		process.WithFallback(ports.EchoBackend[string]()),
		process.WithBaseDir(filepath.Dir(path)),
		process.WithLogger(logger.With("component", "backend")),
	), nil
}

// Run dispatches executions and runs the background loops until ctx is done.
func (rt *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.Document.Run(ctx)
	})
	for _, loop := range rt.loops {
		g.Go(func() error {
			if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Close shuts the document down and releases connections.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Document != nil {
		if err := rt.Document.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown: %w", err))
		}
	}
	if err := rt.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (rt *Runtime) close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
