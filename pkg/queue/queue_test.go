package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/blockq/pkg/adapters/memory"
	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
	"github.com/aretw0/blockq/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	block   domain.BlockID = "input-1"
	waitFor                = 2 * time.Second
	tick                   = 5 * time.Millisecond
)

// gatedBackend blocks every Submit until the test releases it.
type gatedBackend struct {
	started  chan ports.Submission[string]
	results  chan string
	honorCtx bool

	mu      sync.Mutex
	calls   []ports.Submission[string]
	cancels []domain.Key
}

func newGatedBackend(honorCtx bool) *gatedBackend {
	return &gatedBackend{
		started:  make(chan ports.Submission[string], 16),
		results:  make(chan string),
		honorCtx: honorCtx,
	}
}

func (b *gatedBackend) Submit(ctx context.Context, sub ports.Submission[string]) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, sub)
	b.mu.Unlock()
	b.started <- sub

	if b.honorCtx {
		select {
		case r := <-b.results:
			return r, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return <-b.results, nil
}

func (b *gatedBackend) RequestCancel(ctx context.Context, blockID domain.BlockID, tag domain.ExecutionTag) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, domain.Key{BlockID: blockID, Tag: tag})
	return nil
}

func (b *gatedBackend) Calls() []ports.Submission[string] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ports.Submission[string](nil), b.calls...)
}

func (b *gatedBackend) awaitStart(t *testing.T) ports.Submission[string] {
	t.Helper()
	select {
	case sub := <-b.started:
		return sub
	case <-time.After(waitFor):
		t.Fatal("backend was not called")
		return ports.Submission[string]{}
	}
}

type fixture struct {
	store  *memory.Store[string]
	epochs *memory.EpochSource
	queue  *queue.Queue[string]
	epoch  domain.Epoch
}

func newFixture(t *testing.T, backend ports.Backend[string], opts ...queue.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore[string]()
	require.NoError(t, store.Create(ctx, block, domain.AttrVariable, "x"))
	require.NoError(t, store.Create(ctx, block, domain.AttrValue, ""))

	epochs := memory.NewEpochSource(domain.Epoch(100))
	q := queue.New[string](store, backend, epochs, opts...)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = q.Shutdown(shutdownCtx)
	})

	return &fixture{store: store, epochs: epochs, queue: q, epoch: epochs.CurrentEpoch()}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.queue.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) edit(t *testing.T, attr, v string) {
	t.Helper()
	_, err := f.store.Set(context.Background(), block, attr, domain.SetNewValue(v))
	require.NoError(t, err)
}

func (f *fixture) enqueue(t *testing.T, tag domain.ExecutionTag) domain.ExecutionItem[string] {
	t.Helper()
	item, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		BlockID:     block,
		Tag:         tag,
		RequesterID: "local",
		Epoch:       f.epoch,
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) waitIdle(t *testing.T, tag domain.ExecutionTag) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.queue.WaitIdle(ctx, block, tag))
}

func (f *fixture) attr(t *testing.T, name string) domain.Attribute[string] {
	t.Helper()
	a, err := f.store.Get(context.Background(), block, name)
	require.NoError(t, err)
	return a
}

func TestQueue_RunsAndCommits(t *testing.T) {
	f := newFixture(t, ports.EchoBackend[string]())
	f.start(t)

	f.edit(t, domain.AttrVariable, "x1")
	item := f.enqueue(t, domain.TagRenameVariable)
	assert.Equal(t, domain.StatusEnqueued, item.Status)
	assert.Equal(t, "x1", item.Payload)
	assert.NotEmpty(t, item.ID)

	f.waitIdle(t, domain.TagRenameVariable)

	attr := f.attr(t, domain.AttrVariable)
	assert.Equal(t, "x1", attr.Value)
	assert.Equal(t, "x1", attr.NewValue)
	assert.Equal(t, domain.ErrorNone, attr.Error)

	items := f.queue.Executions(block, domain.TagRenameVariable)
	require.Len(t, items, 1)
	assert.Equal(t, domain.StatusIdle, items[0].Status)
	assert.Equal(t, domain.OutcomeSucceeded, items[0].Outcome)
	assert.False(t, items[0].StartedAt.IsZero())
	assert.False(t, items[0].FinishedAt.IsZero())
}

func TestQueue_CoalescesWhileEnqueued(t *testing.T) {
	backend := newGatedBackend(false)
	f := newFixture(t, backend)

	f.edit(t, domain.AttrValue, "a")
	first := f.enqueue(t, domain.TagSaveValue)
	f.edit(t, domain.AttrValue, "b")
	second := f.enqueue(t, domain.TagSaveValue)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "b", second.Payload)
	assert.Equal(t, 1, second.Coalesced)

	items := f.queue.Executions(block, domain.TagSaveValue)
	require.Len(t, items, 1)
	assert.Equal(t, domain.StatusEnqueued, items[0].Status)

	f.start(t)
	sub := backend.awaitStart(t)
	assert.Equal(t, "b", sub.Payload)
	backend.results <- "b"
	f.waitIdle(t, domain.TagSaveValue)

	assert.Len(t, backend.Calls(), 1)
	assert.Equal(t, "b", f.attr(t, domain.AttrValue).Value)
}

func TestQueue_StaleEpochNeverReachesBackend(t *testing.T) {
	var calls atomic.Int32
	backend := ports.BackendFunc[string](func(ctx context.Context, sub ports.Submission[string]) (string, error) {
		calls.Add(1)
		return sub.Payload, nil
	})
	f := newFixture(t, backend)

	f.edit(t, domain.AttrVariable, "x1")
	f.enqueue(t, domain.TagRenameVariable)
	f.epochs.Restart()
	f.start(t)
	f.waitIdle(t, domain.TagRenameVariable)

	assert.Zero(t, calls.Load())
	items := f.queue.Executions(block, domain.TagRenameVariable)
	require.Len(t, items, 1)
	assert.Equal(t, domain.StatusIdle, items[0].Status)
	assert.Equal(t, domain.OutcomeStale, items[0].Outcome)

	attr := f.attr(t, domain.AttrVariable)
	assert.Equal(t, "x", attr.Value)
	assert.Equal(t, domain.ErrorNone, attr.Error)
}

func TestQueue_CoalescedEpochIsFenced(t *testing.T) {
	backend := newGatedBackend(false)
	f := newFixture(t, backend)

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)

	// The environment restarts; the next enqueue carries the new epoch.
	f.epoch = f.epochs.Restart()
	f.enqueue(t, domain.TagSaveValue)

	f.start(t)
	sub := backend.awaitStart(t)
	assert.Equal(t, f.epoch, sub.Epoch)
	backend.results <- "a"
	f.waitIdle(t, domain.TagSaveValue)

	assert.Equal(t, domain.OutcomeSucceeded, f.queue.Executions(block, domain.TagSaveValue)[0].Outcome)
}

func TestQueue_FailureSetsErrorWithoutRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{name: "unexpected", err: errors.New("boom"), want: domain.ErrorUnexpected},
		{
			name: "typed",
			err:  &domain.ExecutionError{Kind: domain.ErrorInvalidValue, Reason: "not a number"},
			want: domain.ErrorInvalidValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			backend := ports.BackendFunc[string](func(ctx context.Context, sub ports.Submission[string]) (string, error) {
				calls.Add(1)
				return "", tt.err
			})
			f := newFixture(t, backend)
			f.start(t)

			f.edit(t, domain.AttrValue, "12")
			f.enqueue(t, domain.TagSaveValue)
			f.waitIdle(t, domain.TagSaveValue)

			attr := f.attr(t, domain.AttrValue)
			assert.Equal(t, "", attr.Value)
			assert.Equal(t, "12", attr.NewValue)
			assert.Equal(t, tt.want, attr.Error)

			items := f.queue.Executions(block, domain.TagSaveValue)
			require.Len(t, items, 1)
			assert.Equal(t, domain.OutcomeFailed, items[0].Outcome)
			assert.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestQueue_BackendPanicIsAFailure(t *testing.T) {
	backend := ports.BackendFunc[string](func(ctx context.Context, sub ports.Submission[string]) (string, error) {
		panic("kaboom")
	})
	f := newFixture(t, backend)
	f.start(t)

	f.edit(t, domain.AttrValue, "v")
	f.enqueue(t, domain.TagSaveValue)
	f.waitIdle(t, domain.TagSaveValue)

	assert.Equal(t, domain.ErrorUnexpected, f.attr(t, domain.AttrValue).Error)
}

func TestQueue_CommitKeepsNewerEdit(t *testing.T) {
	backend := newGatedBackend(false)
	f := newFixture(t, backend)
	f.start(t)

	f.edit(t, domain.AttrValue, "b")
	f.enqueue(t, domain.TagSaveValue)
	backend.awaitStart(t)

	f.edit(t, domain.AttrValue, "c")
	backend.results <- "b"
	f.waitIdle(t, domain.TagSaveValue)

	attr := f.attr(t, domain.AttrValue)
	assert.Equal(t, "b", attr.Value)
	assert.Equal(t, "c", attr.NewValue)
}

func TestQueue_FollowUpRunsAfterCurrent(t *testing.T) {
	backend := newGatedBackend(false)
	f := newFixture(t, backend)
	f.start(t)

	f.edit(t, domain.AttrValue, "a")
	first := f.enqueue(t, domain.TagSaveValue)
	backend.awaitStart(t)

	f.edit(t, domain.AttrValue, "b")
	during := f.enqueue(t, domain.TagSaveValue)
	assert.Equal(t, first.ID, during.ID)
	assert.Equal(t, domain.StatusRunning, during.Status)
	assert.Len(t, f.queue.Executions(block, domain.TagSaveValue), 1)

	backend.results <- "a"
	sub := backend.awaitStart(t)
	assert.Equal(t, "b", sub.Payload)
	assert.NotEqual(t, first.ID, sub.ItemID)
	backend.results <- "b"
	f.waitIdle(t, domain.TagSaveValue)

	assert.Equal(t, "b", f.attr(t, domain.AttrValue).Value)
	items := f.queue.Executions(block, domain.TagSaveValue)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, domain.OutcomeSucceeded, item.Outcome)
	}
	assert.Equal(t, sub.ItemID, items[0].ID)
}

func TestQueue_RedundantFollowUpIsDropped(t *testing.T) {
	backend := newGatedBackend(false)
	f := newFixture(t, backend)
	f.start(t)

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)
	backend.awaitStart(t)
	f.enqueue(t, domain.TagSaveValue)

	backend.results <- "a"
	f.waitIdle(t, domain.TagSaveValue)

	assert.Len(t, backend.Calls(), 1)
	assert.Len(t, f.queue.Executions(block, domain.TagSaveValue), 1)
}

func TestQueue_AtMostOneBusyItemPerKey(t *testing.T) {
	var inflight, peak atomic.Int32
	backend := ports.BackendFunc[string](func(ctx context.Context, sub ports.Submission[string]) (string, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return sub.Payload, nil
	})
	f := newFixture(t, backend)

	updates, unsubscribe := f.queue.Subscribe(block, domain.TagSaveValue)
	defer unsubscribe()
	var violations atomic.Int32
	stop := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		for {
			select {
			case <-stop:
				return
			case items := <-updates:
				busy := 0
				for _, item := range items {
					if item.Status.IsBusy() {
						busy++
					}
				}
				if busy > 1 {
					violations.Add(1)
				}
			}
		}
	}()

	f.start(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i%5) * time.Millisecond)
			_, err := f.store.Set(ctx, block, domain.AttrValue, domain.SetNewValue(fmt.Sprintf("v%d", i)))
			assert.NoError(t, err)
			_, err = f.queue.Enqueue(ctx, queue.EnqueueRequest{BlockID: block, Tag: domain.TagSaveValue, Epoch: f.epoch})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// The last edit always wins.
	f.edit(t, domain.AttrValue, "final")
	f.enqueue(t, domain.TagSaveValue)
	f.waitIdle(t, domain.TagSaveValue)
	close(stop)
	<-watchDone

	assert.Zero(t, violations.Load())
	assert.EqualValues(t, 1, peak.Load())
	assert.Equal(t, "final", f.attr(t, domain.AttrValue).Value)
}

func TestQueue_DistinctTagsRunConcurrently(t *testing.T) {
	backend := newGatedBackend(false)
	f := newFixture(t, backend)
	f.start(t)

	f.edit(t, domain.AttrVariable, "y")
	f.edit(t, domain.AttrValue, "1")
	f.enqueue(t, domain.TagRenameVariable)
	f.enqueue(t, domain.TagSaveValue)

	tags := map[domain.ExecutionTag]bool{}
	tags[backend.awaitStart(t).Tag] = true
	tags[backend.awaitStart(t).Tag] = true
	assert.True(t, tags[domain.TagRenameVariable])
	assert.True(t, tags[domain.TagSaveValue])

	backend.results <- "done"
	backend.results <- "done"
}

func TestQueue_CancelEnqueued(t *testing.T) {
	backend := newGatedBackend(false)
	f := newFixture(t, backend)

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)
	require.NoError(t, f.queue.Cancel(context.Background(), block, domain.TagSaveValue))

	items := f.queue.Executions(block, domain.TagSaveValue)
	require.Len(t, items, 1)
	assert.Equal(t, domain.StatusIdle, items[0].Status)
	assert.Equal(t, domain.OutcomeCancelled, items[0].Outcome)

	f.start(t)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, backend.Calls())
	assert.False(t, f.queue.Busy(block, domain.TagSaveValue))
}

func TestQueue_CancelRunning(t *testing.T) {
	var aborting atomic.Int32
	hooks := domain.LifecycleHooks{
		OnTransition: func(ctx context.Context, e *domain.ExecutionEvent) {
			if e.To == domain.StatusAborting {
				aborting.Add(1)
			}
		},
	}
	backend := newGatedBackend(true)
	f := newFixture(t, backend, queue.WithLifecycleHooks(hooks))
	f.start(t)

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)
	backend.awaitStart(t)

	require.NoError(t, f.queue.Cancel(context.Background(), block, domain.TagSaveValue))
	f.waitIdle(t, domain.TagSaveValue)

	items := f.queue.Executions(block, domain.TagSaveValue)
	require.Len(t, items, 1)
	assert.Equal(t, domain.StatusIdle, items[0].Status)
	assert.Equal(t, domain.OutcomeCancelled, items[0].Outcome)
	assert.EqualValues(t, 1, aborting.Load())

	attr := f.attr(t, domain.AttrValue)
	assert.Equal(t, "", attr.Value)
	assert.Equal(t, domain.ErrorNone, attr.Error)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []domain.Key{{BlockID: block, Tag: domain.TagSaveValue}}, backend.cancels)
}

func TestQueue_AbortTimeoutForcesIdle(t *testing.T) {
	backend := newGatedBackend(false)
	f := newFixture(t, backend, queue.WithAbortTimeout(50*time.Millisecond))
	f.start(t)

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)
	backend.awaitStart(t)

	require.NoError(t, f.queue.Cancel(context.Background(), block, domain.TagSaveValue))
	assert.Equal(t, domain.StatusAborting, f.queue.Executions(block, domain.TagSaveValue)[0].Status)
	f.waitIdle(t, domain.TagSaveValue)

	// The backend finishes late; its result is discarded.
	backend.results <- "a"
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "", f.attr(t, domain.AttrValue).Value)
	assert.Equal(t, domain.OutcomeCancelled, f.queue.Executions(block, domain.TagSaveValue)[0].Outcome)
}

func TestQueue_CancelDropsFollowUp(t *testing.T) {
	backend := newGatedBackend(true)
	f := newFixture(t, backend)
	f.start(t)

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)
	backend.awaitStart(t)
	f.edit(t, domain.AttrValue, "b")
	f.enqueue(t, domain.TagSaveValue)

	require.NoError(t, f.queue.Cancel(context.Background(), block, domain.TagSaveValue))
	f.waitIdle(t, domain.TagSaveValue)

	assert.Len(t, backend.Calls(), 1)
	assert.Len(t, f.queue.Executions(block, domain.TagSaveValue), 1)
}

func TestQueue_CancelIdleIsNoop(t *testing.T) {
	f := newFixture(t, ports.EchoBackend[string]())
	assert.NoError(t, f.queue.Cancel(context.Background(), block, domain.TagSaveValue))
	assert.Empty(t, f.queue.Executions(block, domain.TagSaveValue))
}

func TestQueue_EnqueueRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ports.EchoBackend[string]())

	_, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{BlockID: block, Tag: "unknown"})
	assert.ErrorIs(t, err, domain.ErrUnknownTag)

	_, err = f.queue.Enqueue(ctx, queue.EnqueueRequest{BlockID: "missing", Tag: domain.TagSaveValue})
	assert.ErrorIs(t, err, domain.ErrAttributeNotFound)

	_, err = f.store.Set(ctx, block, domain.AttrVariable, domain.SetError[string](domain.ErrorInvalidVariableName))
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, queue.EnqueueRequest{BlockID: block, Tag: domain.TagRenameVariable})
	assert.ErrorIs(t, err, domain.ErrIneligible)
	assert.Empty(t, f.queue.Executions(block, domain.TagRenameVariable))
}

func TestQueue_RetainCompleted(t *testing.T) {
	f := newFixture(t, ports.EchoBackend[string](), queue.WithRetainCompleted(true))
	f.start(t)

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)
	f.waitIdle(t, domain.TagSaveValue)

	items := f.queue.Executions(block, domain.TagSaveValue)
	require.Len(t, items, 1)
	assert.Equal(t, domain.StatusCompleted, items[0].Status)

	f.queue.Acknowledge(context.Background(), block, domain.TagSaveValue)
	assert.Equal(t, domain.StatusIdle, f.queue.Executions(block, domain.TagSaveValue)[0].Status)
}

func TestQueue_RetainedCompletedRetiresOnEnqueue(t *testing.T) {
	f := newFixture(t, ports.EchoBackend[string](), queue.WithRetainCompleted(true))

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)
	f.start(t)
	f.waitIdle(t, domain.TagSaveValue)

	f.edit(t, domain.AttrValue, "b")
	f.enqueue(t, domain.TagSaveValue)
	items := f.queue.Executions(block, domain.TagSaveValue)
	require.GreaterOrEqual(t, len(items), 2)
	assert.Equal(t, domain.StatusIdle, items[1].Status)
}

func TestQueue_HistoryLimit(t *testing.T) {
	f := newFixture(t, ports.EchoBackend[string](), queue.WithHistoryLimit(2))
	f.start(t)

	for i := range 4 {
		f.edit(t, domain.AttrValue, fmt.Sprintf("v%d", i))
		f.enqueue(t, domain.TagSaveValue)
		f.waitIdle(t, domain.TagSaveValue)
	}

	items := f.queue.Executions(block, domain.TagSaveValue)
	require.Len(t, items, 2)
	assert.Equal(t, "v3", items[0].Payload)
	assert.Equal(t, "v2", items[1].Payload)
}

func TestQueue_LifecycleHooks(t *testing.T) {
	var (
		mu          sync.Mutex
		enqueued    int
		coalesced   int
		transitions []string
	)
	hooks := domain.LifecycleHooks{
		OnEnqueue: func(ctx context.Context, e *domain.ExecutionEvent) {
			mu.Lock()
			defer mu.Unlock()
			enqueued++
		},
		OnCoalesce: func(ctx context.Context, e *domain.ExecutionEvent) {
			mu.Lock()
			defer mu.Unlock()
			coalesced++
		},
		OnTransition: func(ctx context.Context, e *domain.ExecutionEvent) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, e.From.String()+">"+e.To.String())
		},
	}
	f := newFixture(t, ports.EchoBackend[string](), queue.WithLifecycleHooks(hooks))

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)
	f.enqueue(t, domain.TagSaveValue)
	f.start(t)
	f.waitIdle(t, domain.TagSaveValue)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, enqueued)
	assert.Equal(t, 1, coalesced)
	assert.Equal(t, []string{"enqueued>running", "running>completed", "completed>idle"}, transitions)
}

func TestQueue_RateLimiterKeepsCoalescing(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	require.True(t, limiter.Allow())

	backend := newGatedBackend(false)
	f := newFixture(t, backend, queue.WithRateLimiter(limiter))
	f.start(t)

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)
	f.edit(t, domain.AttrValue, "b")
	item := f.enqueue(t, domain.TagSaveValue)
	assert.Equal(t, domain.StatusEnqueued, item.Status)

	sub := backend.awaitStart(t)
	assert.Equal(t, "b", sub.Payload)
	backend.results <- "b"
	f.waitIdle(t, domain.TagSaveValue)
	assert.Len(t, backend.Calls(), 1)
}

type countingLocker struct {
	locks, unlocks atomic.Int32
}

func (l *countingLocker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	l.locks.Add(1)
	return func(ctx context.Context) error {
		l.unlocks.Add(1)
		return nil
	}, nil
}

func TestQueue_LockerGuardsBackend(t *testing.T) {
	locker := &countingLocker{}
	f := newFixture(t, ports.EchoBackend[string](), queue.WithLocker(locker))
	f.start(t)

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)
	f.waitIdle(t, domain.TagSaveValue)

	assert.EqualValues(t, 1, locker.locks.Load())
	assert.EqualValues(t, 1, locker.unlocks.Load())
	assert.Equal(t, "a", f.attr(t, domain.AttrValue).Value)
}

func TestQueue_Shutdown(t *testing.T) {
	backend := newGatedBackend(true)
	f := newFixture(t, backend)
	f.start(t)

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)
	backend.awaitStart(t)
	f.edit(t, domain.AttrVariable, "y")
	f.enqueue(t, domain.TagRenameVariable)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.queue.Shutdown(ctx))

	assert.False(t, f.queue.Busy(block, domain.TagSaveValue))
	assert.False(t, f.queue.Busy(block, domain.TagRenameVariable))

	_, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{BlockID: block, Tag: domain.TagSaveValue})
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestQueue_Forget(t *testing.T) {
	f := newFixture(t, ports.EchoBackend[string]())

	f.edit(t, domain.AttrValue, "a")
	f.enqueue(t, domain.TagSaveValue)
	f.queue.Forget(context.Background(), block)

	assert.Empty(t, f.queue.Executions(block, domain.TagSaveValue))
	assert.False(t, f.queue.Busy(block, domain.TagSaveValue))
}

func TestQueue_RefusesInvalidCandidate(t *testing.T) {
	ctx := context.Background()
	backend := newGatedBackend(false)
	f := newFixture(t, backend)
	f.queue.Register(domain.NewInputBlock(block, domain.InputTypeNumber))

	// Written around the editor: no error marker is recorded.
	f.edit(t, domain.AttrValue, "not-a-number")
	f.edit(t, domain.AttrVariable, "1 bad name")
	require.Equal(t, domain.ErrorNone, f.attr(t, domain.AttrValue).Error)
	require.Equal(t, domain.ErrorNone, f.attr(t, domain.AttrVariable).Error)

	for _, tag := range []domain.ExecutionTag{domain.TagSaveValue, domain.TagRenameVariable} {
		_, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{BlockID: block, Tag: tag, Epoch: f.epoch})
		assert.ErrorIs(t, err, domain.ErrIneligible, "tag %s", tag)
		assert.Empty(t, f.queue.Executions(block, tag))
	}

	f.edit(t, domain.AttrValue, "12.5")
	item := f.enqueue(t, domain.TagSaveValue)
	assert.Equal(t, "12.5", item.Payload)

	f.start(t)
	assert.Equal(t, "12.5", backend.awaitStart(t).Payload)
	backend.results <- "12.5"
	f.waitIdle(t, domain.TagSaveValue)
	assert.Len(t, backend.Calls(), 1)
}

// pausingStore holds the first Get after reading, until released.
type pausingStore struct {
	*memory.Store[string]
	armed   atomic.Bool
	paused  chan struct{}
	release chan struct{}
}

func (s *pausingStore) Get(ctx context.Context, blockID domain.BlockID, attr string) (domain.Attribute[string], error) {
	a, err := s.Store.Get(ctx, blockID, attr)
	if s.armed.CompareAndSwap(true, false) {
		close(s.paused)
		<-s.release
	}
	return a, err
}

func TestQueue_ConcurrentEnqueueLatestEditWins(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore[string]()
	require.NoError(t, mem.Create(ctx, block, domain.AttrVariable, "x"))
	require.NoError(t, mem.Create(ctx, block, domain.AttrValue, ""))
	store := &pausingStore{Store: mem, paused: make(chan struct{}), release: make(chan struct{})}
	store.armed.Store(true)

	var (
		mu       sync.Mutex
		payloads []string
	)
	backend := ports.BackendFunc[string](func(ctx context.Context, sub ports.Submission[string]) (string, error) {
		mu.Lock()
		payloads = append(payloads, sub.Payload)
		mu.Unlock()
		return sub.Payload, nil
	})

	epochs := memory.NewEpochSource(domain.Epoch(100))
	q := queue.New[string](store, backend, epochs)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	req := queue.EnqueueRequest{BlockID: block, Tag: domain.TagSaveValue, Epoch: epochs.CurrentEpoch()}
	_, err := mem.Set(ctx, block, domain.AttrValue, domain.SetNewValue("a"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Enqueue(ctx, req)
		assert.NoError(t, err)
	}()
	select {
	case <-store.paused:
	case <-time.After(waitFor):
		t.Fatal("first enqueue did not read the store")
	}

	// The first snapshot ("a") is still in flight when "b" is confirmed.
	_, err = mem.Set(ctx, block, domain.AttrValue, domain.SetNewValue("b"))
	require.NoError(t, err)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Enqueue(ctx, req)
		assert.NoError(t, err)
	}()
	close(store.release)
	wg.Wait()

	require.Eventually(t, func() bool {
		a, err := mem.Get(ctx, block, domain.AttrValue)
		return err == nil && a.Value == "b" && !q.Busy(block, domain.TagSaveValue)
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, payloads)
	assert.Equal(t, "b", payloads[len(payloads)-1])
}

func TestQueue_FailureCauseReachesHooks(t *testing.T) {
	errExit := errors.New("exit status 2")
	var (
		mu     sync.Mutex
		causes []error
	)
	hooks := domain.LifecycleHooks{
		OnTransition: func(ctx context.Context, e *domain.ExecutionEvent) {
			if e.To != domain.StatusCompleted {
				return
			}
			mu.Lock()
			causes = append(causes, e.Err)
			mu.Unlock()
		},
	}
	backend := ports.BackendFunc[string](func(ctx context.Context, sub ports.Submission[string]) (string, error) {
		if sub.Payload == "bad" {
			return "", errExit
		}
		return sub.Payload, nil
	})
	f := newFixture(t, backend, queue.WithLifecycleHooks(hooks))
	f.start(t)

	f.edit(t, domain.AttrValue, "bad")
	f.enqueue(t, domain.TagSaveValue)
	f.waitIdle(t, domain.TagSaveValue)
	f.edit(t, domain.AttrValue, "good")
	f.enqueue(t, domain.TagSaveValue)
	f.waitIdle(t, domain.TagSaveValue)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, causes, 2)
	assert.ErrorIs(t, causes[0], errExit)
	assert.NoError(t, causes[1])
}
