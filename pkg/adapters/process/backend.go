package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
)

// Backend implements ports.Backend by running an allow-listed command per tag.
//
// The submission is passed through environment variables (BLOCKQ_BLOCK_ID, BLOCKQ_TAG,
// BLOCKQ_ITEM_ID, BLOCKQ_REQUESTER, BLOCKQ_EPOCH, BLOCKQ_PAYLOAD) and on stdin, never
// as command-line flags. Trimmed stdout is the confirmed value. On failure, a first
// stderr line of the form "<error-kind>: reason" selects the attribute error kind.
type Backend struct {
	cmdMu    sync.RWMutex
	commands map[domain.ExecutionTag]CommandConfig
	fallback ports.Backend[string]
	baseDir  string
	logger   *slog.Logger

	mu      sync.Mutex
	running map[domain.Key]context.CancelFunc
}

var _ ports.Backend[string] = (*Backend)(nil)

// Option configures the Backend.
type Option func(*Backend)

// WithCommands populates the allow-list from a loaded config.
func WithCommands(commands map[domain.ExecutionTag]CommandConfig) Option {
	return func(b *Backend) {
		for tag, c := range commands {
			b.commands[tag] = c
		}
	}
}

// WithFallback handles tags without a configured command.
func WithFallback(fallback ports.Backend[string]) Option {
	return func(b *Backend) {
		b.fallback = fallback
	}
}

// WithBaseDir sets the working directory for executed processes.
func WithBaseDir(dir string) Option {
	return func(b *Backend) {
		b.baseDir = dir
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New creates a process backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		commands: make(map[domain.ExecutionTag]CommandConfig),
		running:  make(map[domain.Key]context.CancelFunc),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds a trusted command to the allow-list.
func (b *Backend) Register(tag domain.ExecutionTag, command string, args ...string) {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()
	b.commands[tag] = CommandConfig{Tag: tag, Command: command, Args: args}
}

// Replace swaps the whole allow-list. Running commands are not affected.
func (b *Backend) Replace(commands map[domain.ExecutionTag]CommandConfig) {
	next := make(map[domain.ExecutionTag]CommandConfig, len(commands))
	for tag, c := range commands {
		next[tag] = c
	}
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()
	b.commands = next
}

// Commands returns a copy of the allow-list.
func (b *Backend) Commands() map[domain.ExecutionTag]CommandConfig {
	b.cmdMu.RLock()
	defer b.cmdMu.RUnlock()
	out := make(map[domain.ExecutionTag]CommandConfig, len(b.commands))
	for tag, c := range b.commands {
		out[tag] = c
	}
	return out
}

// Submit runs the command registered for the submission's tag.
func (b *Backend) Submit(ctx context.Context, sub ports.Submission[string]) (string, error) {
	b.cmdMu.RLock()
	c, ok := b.commands[sub.Tag]
	b.cmdMu.RUnlock()
	if !ok {
		if b.fallback != nil {
			return b.fallback.Submit(ctx, sub)
		}
		return "", fmt.Errorf("no command registered for tag %s", sub.Tag)
	}

	if c.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, c.Timeout)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	key := domain.Key{BlockID: sub.BlockID, Tag: sub.Tag}
	b.track(key, cancel)
	defer b.untrack(key)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = b.baseDir
	cmd.WaitDelay = time.Second
	cmd.Stdin = strings.NewReader(sub.Payload)
	cmd.Env = append(cmd.Environ(), environment(c, sub)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	b.logger.Debug("backend command finished",
		"tag", sub.Tag, "block", sub.BlockID, "command", c.Command, "duration", time.Since(start), "error", err)

	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("command %s: %w", c.Command, ctx.Err())
		}
		return "", failure(c.Command, err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RequestCancel stops the command running for the key, if any.
func (b *Backend) RequestCancel(ctx context.Context, blockID domain.BlockID, tag domain.ExecutionTag) error {
	b.mu.Lock()
	cancel, ok := b.running[domain.Key{BlockID: blockID, Tag: tag}]
	b.mu.Unlock()

	if ok {
		cancel()
		return nil
	}
	if b.fallback != nil {
		return b.fallback.RequestCancel(ctx, blockID, tag)
	}
	return nil
}

func (b *Backend) track(key domain.Key, cancel context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running[key] = cancel
}

func (b *Backend) untrack(key domain.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.running, key)
}

func environment(c CommandConfig, sub ports.Submission[string]) []string {
	env := make([]string, 0, len(c.Environment)+6)
	for k, v := range c.Environment {
		env = append(env, k+"="+v)
	}
	return append(env,
		"BLOCKQ_BLOCK_ID="+string(sub.BlockID),
		"BLOCKQ_TAG="+string(sub.Tag),
		"BLOCKQ_ITEM_ID="+sub.ItemID,
		"BLOCKQ_REQUESTER="+sub.RequesterID,
		"BLOCKQ_EPOCH="+strconv.FormatInt(int64(sub.Epoch), 10),
		"BLOCKQ_PAYLOAD="+sub.Payload,
	)
}

// failure turns a failed run into the error reported to the queue.
func failure(command string, err error, stderr string) error {
	line, _, _ := strings.Cut(strings.TrimSpace(stderr), "\n")
	if name, reason, found := strings.Cut(line, ":"); found {
		if kind, perr := domain.ParseErrorKind(strings.TrimSpace(name)); perr == nil && kind != domain.ErrorNone {
			return &domain.ExecutionError{Kind: kind, Reason: strings.TrimSpace(reason)}
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("command %s exited with code %d: %s", command, exitErr.ExitCode(), strings.TrimSpace(stderr))
	}
	return fmt.Errorf("command %s: %w", command, err)
}
