package ports

import (
	"context"

	"github.com/aretw0/blockq/pkg/domain"
)

// Submission is the work handed to a Backend at dispatch time.
type Submission[T comparable] struct {
	ItemID      string
	BlockID     domain.BlockID
	Tag         domain.ExecutionTag
	RequesterID string
	Epoch       domain.Epoch
	Payload     T
}

// Backend performs tagged operations against blocks.
type Backend[T comparable] interface {
	// Submit runs the operation and returns the value to commit as the attribute's
	// confirmed value. It is called from a dedicated goroutine and may block; ctx is
	// cancelled when the execution is aborted. A *domain.ExecutionError selects a
	// specific attribute error kind; any other error surfaces as unexpected-error.
	Submit(ctx context.Context, sub Submission[T]) (T, error)

	// RequestCancel is a best-effort signal that the running operation for the key
	// should stop. Side effects already performed are not rolled back.
	RequestCancel(ctx context.Context, blockID domain.BlockID, tag domain.ExecutionTag) error
}

// BackendFunc adapts a function to the Backend interface. RequestCancel is a no-op;
// cancellation is observed through the Submit context.
type BackendFunc[T comparable] func(ctx context.Context, sub Submission[T]) (T, error)

// Submit calls f.
func (f BackendFunc[T]) Submit(ctx context.Context, sub Submission[T]) (T, error) {
	return f(ctx, sub)
}

// RequestCancel does nothing.
func (f BackendFunc[T]) RequestCancel(ctx context.Context, blockID domain.BlockID, tag domain.ExecutionTag) error {
	return nil
}

// EchoBackend confirms the submitted payload as-is.
func EchoBackend[T comparable]() BackendFunc[T] {
	return func(ctx context.Context, sub Submission[T]) (T, error) {
		return sub.Payload, nil
	}
}
