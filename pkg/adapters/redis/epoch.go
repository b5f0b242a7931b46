package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

var (
	_ ports.EpochSource    = (*EpochSource)(nil)
	_ ports.EpochPublisher = (*EpochSource)(nil)
)

// EpochSource shares the environment epoch through Redis.
//
// CurrentEpoch never touches the network: it returns the value cached by the last
// Refresh, Publish or notification received by Run.
type EpochSource struct {
	client   *backend.Client
	key      string
	channel  string
	interval time.Duration
	logger   *slog.Logger

	current atomic.Int64
}

// EpochOption configures the EpochSource.
type EpochOption func(*EpochSource)

// WithPollInterval sets how often Run re-reads the epoch besides notifications.
func WithPollInterval(d time.Duration) EpochOption {
	return func(e *EpochSource) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithEpochLogger sets the structured logger.
func WithEpochLogger(logger *slog.Logger) EpochOption {
	return func(e *EpochSource) {
		e.logger = logger
	}
}

// NewEpochSource creates an epoch source under prefix.
func NewEpochSource(client *backend.Client, prefix string, opts ...EpochOption) *EpochSource {
	e := &EpochSource{
		client:   client,
		key:      prefix + "epoch",
		channel:  prefix + "epoch:changed",
		interval: 5 * time.Second,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CurrentEpoch returns the cached epoch.
func (e *EpochSource) CurrentEpoch() domain.Epoch {
	return domain.Epoch(e.current.Load())
}

// Refresh reads the epoch from Redis into the cache. A missing key is the zero epoch.
func (e *EpochSource) Refresh(ctx context.Context) (domain.Epoch, error) {
	raw, err := e.client.Get(ctx, e.key).Result()
	if errors.Is(err, backend.Nil) {
		e.current.Store(0)
		return 0, nil
	}
	if err != nil {
		return e.CurrentEpoch(), fmt.Errorf("failed to read epoch: %w", err)
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return e.CurrentEpoch(), fmt.Errorf("malformed epoch %q: %w", raw, err)
	}
	e.current.Store(v)
	return domain.Epoch(v), nil
}

// Publish stores a new epoch and notifies every other source watching the prefix.
func (e *EpochSource) Publish(ctx context.Context, epoch domain.Epoch) error {
	v := strconv.FormatInt(int64(epoch), 10)

	pipe := e.client.Pipeline()
	pipe.Set(ctx, e.key, v, 0)
	pipe.Publish(ctx, e.channel, v)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish epoch: %w", err)
	}

	e.current.Store(int64(epoch))
	e.logger.Info("epoch published", "epoch", epoch)
	return nil
}

// Run keeps the cache current until ctx is done, from notifications and periodic polls.
func (e *EpochSource) Run(ctx context.Context) error {
	sub := e.client.Subscribe(ctx, e.channel)
	defer sub.Close()

	if _, err := e.Refresh(ctx); err != nil {
		e.logger.Warn("initial epoch refresh failed", "error", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	msgs := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("epoch subscription closed")
			}
			v, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				e.logger.Warn("ignoring malformed epoch notification", "payload", msg.Payload)
				continue
			}
			if prev := e.current.Swap(v); prev != v {
				e.logger.Info("epoch changed", "epoch", domain.Epoch(v), "previous", domain.Epoch(prev))
			}
		case <-ticker.C:
			if _, err := e.Refresh(ctx); err != nil {
				e.logger.Warn("epoch refresh failed", "error", err)
			}
		}
	}
}
