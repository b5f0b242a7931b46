package domain

import (
	"context"
	"time"
)

// ExecutionEvent describes a change of an execution item.
type ExecutionEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	ItemID    string          `json:"item_id"`
	BlockID   BlockID         `json:"block_id"`
	Tag       ExecutionTag    `json:"tag"`
	Epoch     Epoch           `json:"epoch"`
	From      ExecutionStatus `json:"from"`
	To        ExecutionStatus `json:"to"`
	Outcome   Outcome         `json:"outcome"`
	// Duration is the time spent running, set on transitions out of running/aborting.
	Duration time.Duration `json:"duration,omitempty"`
	// Err is the cause of a failed outcome.
	Err error `json:"-"`
}

// LifecycleHooks defines callbacks for queue observability.
// Hooks are invoked synchronously and must not call back into the queue.
type LifecycleHooks struct {
	OnEnqueue    func(context.Context, *ExecutionEvent)
	OnCoalesce   func(context.Context, *ExecutionEvent)
	OnTransition func(context.Context, *ExecutionEvent)
}

// Merge returns hooks calling h then other for every event.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnEnqueue:    chain(h.OnEnqueue, other.OnEnqueue),
		OnCoalesce:   chain(h.OnCoalesce, other.OnCoalesce),
		OnTransition: chain(h.OnTransition, other.OnTransition),
	}
}

func chain(a, b func(context.Context, *ExecutionEvent)) func(context.Context, *ExecutionEvent) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, e *ExecutionEvent) {
		a(ctx, e)
		b(ctx, e)
	}
}
