package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aretw0/blockq/internal/config"
	"github.com/aretw0/blockq/internal/logging"
	"github.com/aretw0/blockq/pkg/domain"
)

// SignalContext wraps a context and captures the signal that cancelled it.
type SignalContext struct {
	context.Context
	Cancel func()
	start  sync.Once
	stop   sync.Once
	sigCh  chan os.Signal
	sigVal os.Signal
	mu     sync.Mutex
}

// NewSignalContext creates a context that is cancelled on SIGINT or SIGTERM.
// It acts as a drop-in replacement for signal.NotifyContext but allows retrieving the signal.
func NewSignalContext(parent context.Context) *SignalContext {
	ctx, cancel := context.WithCancel(parent)
	sc := &SignalContext{
		Context: ctx,
		Cancel:  cancel,
		sigCh:   make(chan os.Signal, 1),
	}

	sc.start.Do(func() {
		signal.Notify(sc.sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			select {
			case sig := <-sc.sigCh:
				sc.mu.Lock()
				sc.sigVal = sig
				sc.mu.Unlock()
				sc.Cancel()
			case <-sc.Context.Done():
				// Context cancelled elsewhere
			}
			sc.stop.Do(func() {
				signal.Stop(sc.sigCh)
			})
		}()
	})

	return sc
}

// Signal returns the signal that caused the context to be cancelled, or nil.
func (sc *SignalContext) Signal() os.Signal {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sigVal
}

// createLogger configures the application logger from the log section.
// Debug forces the debug level regardless of configuration.
func createLogger(cfg config.LogConfig, debug bool) (*slog.Logger, error) {
	level := cfg.Level
	if debug {
		level = "debug"
	}
	return logging.FromConfig(level, cfg.Format)
}

// printSystemMessage prints a standardized system message to w.
func printSystemMessage(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, ">>> %s\n", fmt.Sprintf(format, args...))
}

func createDebugHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnEnqueue: func(ctx context.Context, e *domain.ExecutionEvent) {
			logger.Debug("Enqueue", "block", e.BlockID, "tag", e.Tag, "item", e.ItemID, "epoch", e.Epoch)
		},
		OnCoalesce: func(ctx context.Context, e *domain.ExecutionEvent) {
			logger.Debug("Coalesce", "block", e.BlockID, "tag", e.Tag, "item", e.ItemID, "status", e.To)
		},
		OnTransition: func(ctx context.Context, e *domain.ExecutionEvent) {
			attrs := []any{"block", e.BlockID, "tag", e.Tag, "item", e.ItemID, "from", e.From, "to", e.To}
			if e.Outcome != domain.OutcomeNone {
				attrs = append(attrs, "outcome", e.Outcome)
			}
			if e.Duration > 0 {
				attrs = append(attrs, "duration", e.Duration)
			}
			if e.Err != nil {
				attrs = append(attrs, "error", e.Err)
			}
			logger.Debug("Transition", attrs...)
		},
	}
}

func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}

func handleExecutionError(err error) error {
	if err == nil || isInterrupted(err) {
		return nil // Exit 0 for interruptions
	}
	return err
}

func logCompletion(w io.Writer, what string, sig os.Signal) {
	switch sig {
	case nil:
		printSystemMessage(w, "%s stopped.", what)
	case os.Interrupt:
		fmt.Fprintf(w, "[CTRL+C]\n")
		printSystemMessage(w, "%s interrupted.", what)
	default:
		fmt.Fprintf(w, "\n")
		printSystemMessage(w, "%s terminated.", what)
	}
}
