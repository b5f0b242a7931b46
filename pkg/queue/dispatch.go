package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
)

// commitTimeout bounds the store writes that resolve an execution.
const commitTimeout = 10 * time.Second

// Run dispatches enqueued items until ctx is done or the queue is shut down.
// It must be called from exactly one goroutine.
func (q *Queue[T]) Run(ctx context.Context) error {
	for {
		key, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case _, open := <-q.signal:
				if !open {
					return nil
				}
			}
			continue
		}

		if q.opts.limiter != nil {
			if err := q.opts.limiter.Wait(ctx); err != nil {
				q.requeue(key)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("rate limiter: %w", err)
			}
		}
		q.dispatch(ctx, key)
	}
}

func (q *Queue[T]) next() (domain.Key, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return domain.Key{}, false
	}
	key := q.ready[0]
	q.ready[0] = domain.Key{}
	q.ready = q.ready[1:]
	return key, true
}

func (q *Queue[T]) requeue(key domain.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append([]domain.Key{key}, q.ready...)
}

// dispatch fences the key's enqueued item on the current epoch and hands it to the backend.
func (q *Queue[T]) dispatch(ctx context.Context, key domain.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.slots[key]
	if !ok || s.active == nil || s.active.Status != domain.StatusEnqueued {
		// Cancelled while waiting.
		return
	}
	item := s.active

	if current := q.epochs.CurrentEpoch(); item.Epoch != current {
		q.opts.logger.Info("discarding stale execution",
			"key", key, "item", item.ID, "epoch", item.Epoch, "current", current)
		q.transition(ctx, s, item, domain.StatusIdle, domain.OutcomeStale)
		q.release(ctx, key, s)
		return
	}

	q.transition(ctx, s, item, domain.StatusRunning, domain.OutcomeNone)

	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if q.opts.execTimeout > 0 {
		execCtx, cancel = context.WithTimeout(q.base, q.opts.execTimeout)
	} else {
		execCtx, cancel = context.WithCancel(q.base)
	}
	s.cancel = cancel

	sub := ports.Submission[T]{
		ItemID:      item.ID,
		BlockID:     item.BlockID,
		Tag:         item.Tag,
		RequesterID: item.RequesterID,
		Epoch:       item.Epoch,
		Payload:     item.Payload,
	}

	q.inflight.Add(1)
	go q.execute(execCtx, cancel, key, s, sub)
}

func (q *Queue[T]) execute(ctx context.Context, cancel context.CancelFunc, key domain.Key, s *slot[T], sub ports.Submission[T]) {
	defer q.inflight.Done()
	defer cancel()

	result, err := q.submit(ctx, key, sub)
	q.finish(key, s, sub, result, err)
}

func (q *Queue[T]) submit(ctx context.Context, key domain.Key, sub ports.Submission[T]) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()

	if q.opts.locker != nil {
		ttl := q.opts.execTimeout
		if ttl <= 0 {
			ttl = time.Minute
		}
		unlock, lerr := q.opts.locker.Lock(ctx, "blockq:exec:"+key.String(), ttl)
		if lerr != nil {
			return result, fmt.Errorf("acquire execution lock: %w", lerr)
		}
		defer func() {
			if uerr := unlock(context.Background()); uerr != nil {
				q.opts.logger.Warn("failed to release execution lock", "key", key, "error", uerr)
			}
		}()
	}

	return q.backend.Submit(ctx, sub)
}

// finish resolves the execution of sub. Results of items no longer active, or
// aborted, are discarded.
func (q *Queue[T]) finish(key domain.Key, s *slot[T], sub ports.Submission[T], result T, execErr error) {
	ctx := context.WithoutCancel(q.base)

	q.mu.Lock()
	item := s.active
	if item == nil || item.ID != sub.ItemID {
		q.mu.Unlock()
		q.opts.logger.Debug("discarding late result", "key", key, "item", sub.ItemID)
		return
	}
	if item.Status == domain.StatusAborting {
		q.transition(ctx, s, item, domain.StatusIdle, domain.OutcomeCancelled)
		q.release(ctx, key, s)
		q.mu.Unlock()
		return
	}
	s.committing = true
	s.cancel = nil
	q.mu.Unlock()

	outcome, cause := q.commit(ctx, key, sub, result, execErr)

	q.mu.Lock()
	defer q.mu.Unlock()
	s.committing = false

	q.transitionErr(ctx, s, item, domain.StatusCompleted, outcome, cause)
	if !q.opts.retainCompleted {
		q.transition(ctx, s, item, domain.StatusIdle, domain.OutcomeNone)
	}

	// A follow-up carrying exactly what was just confirmed has nothing left to do.
	if f := s.followUp; f != nil && outcome == domain.OutcomeSucceeded && f.payload == result && f.epoch == sub.Epoch {
		q.opts.logger.Debug("dropping redundant follow-up", "key", key)
		s.followUp = nil
	}
	q.release(ctx, key, s)
}

// commit writes the result, or the failure kind, into the store. The error is the
// cause of a failed outcome.
func (q *Queue[T]) commit(ctx context.Context, key domain.Key, sub ports.Submission[T], result T, execErr error) (domain.Outcome, error) {
	spec, _ := domain.LookupTag(key.Tag)
	ctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()

	if execErr == nil {
		if err := q.store.Commit(ctx, key.BlockID, spec.Attribute, result); err != nil {
			execErr = fmt.Errorf("commit result: %w", err)
		} else {
			q.opts.logger.Debug("execution committed", "key", key, "item", sub.ItemID)
			return domain.OutcomeSucceeded, nil
		}
	}

	kind := domain.FailureKind(execErr)
	level := q.opts.logger.Warn
	var execError *domain.ExecutionError
	if !errors.As(execErr, &execError) {
		level = q.opts.logger.Error
	}
	level("execution failed", "key", key, "item", sub.ItemID, "kind", kind, "error", execErr)

	if _, err := q.store.Set(ctx, key.BlockID, spec.Attribute, domain.SetError[T](kind)); err != nil {
		q.opts.logger.Error("failed to record execution error", "key", key, "error", err)
	}
	return domain.OutcomeFailed, execErr
}

// Cancel stops the key's execution. An enqueued item goes to idle without reaching
// the backend. A running item goes to aborting and its result will not be committed;
// it is forced to idle if the backend does not return within the abort timeout.
// A pending follow-up is dropped. Cancelling an idle key is a no-op.
func (q *Queue[T]) Cancel(ctx context.Context, blockID domain.BlockID, tag domain.ExecutionTag) error {
	key := domain.Key{BlockID: blockID, Tag: tag}

	q.mu.Lock()
	s, ok := q.slots[key]
	if !ok || s.active == nil {
		q.mu.Unlock()
		return nil
	}
	s.followUp = nil
	item := s.active

	switch item.Status {
	case domain.StatusEnqueued:
		q.transition(ctx, s, item, domain.StatusIdle, domain.OutcomeCancelled)
		q.release(ctx, key, s)
		q.mu.Unlock()
		return nil
	case domain.StatusAborting:
		q.mu.Unlock()
		return nil
	}

	if s.committing {
		// The result is already being written; cancellation came too late.
		q.mu.Unlock()
		return nil
	}

	q.transition(ctx, s, item, domain.StatusAborting, domain.OutcomeNone)
	if s.cancel != nil {
		s.cancel()
	}
	itemID := item.ID
	s.abortTimer = time.AfterFunc(q.opts.abortTimeout, func() {
		q.forceIdle(key, s, itemID)
	})
	q.mu.Unlock()

	if err := q.backend.RequestCancel(ctx, blockID, tag); err != nil {
		q.opts.logger.Warn("backend cancel request failed", "key", key, "error", err)
	}
	return nil
}

func (q *Queue[T]) forceIdle(key domain.Key, s *slot[T], itemID string) {
	ctx := context.WithoutCancel(q.base)

	q.mu.Lock()
	defer q.mu.Unlock()

	item := s.active
	if item == nil || item.ID != itemID || item.Status != domain.StatusAborting {
		return
	}
	q.opts.logger.Warn("backend did not stop in time, forcing idle",
		"key", key, "item", itemID, "timeout", q.opts.abortTimeout)
	q.transition(ctx, s, item, domain.StatusIdle, domain.OutcomeCancelled)
	q.release(ctx, key, s)
}
