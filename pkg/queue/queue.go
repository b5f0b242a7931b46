package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
	"github.com/aretw0/blockq/pkg/validator"
	"github.com/google/uuid"
)

// EnqueueRequest asks for the tagged operation to run against a block.
// The payload is snapshotted from the attribute's NewValue at enqueue time.
type EnqueueRequest struct {
	BlockID     domain.BlockID
	Tag         domain.ExecutionTag
	RequesterID string
	Epoch       domain.Epoch
}

// request is a pending submission not yet materialized as an item.
type request[T comparable] struct {
	requesterID string
	epoch       domain.Epoch
	payload     T
}

// slot holds the scheduling state of one (block, tag) key.
type slot[T comparable] struct {
	// history is most-recent-first.
	history []*domain.ExecutionItem[T]
	// active is the busy item, if any. It is always history[0].
	active   *domain.ExecutionItem[T]
	followUp *request[T]

	cancel     context.CancelFunc
	abortTimer *time.Timer
	committing bool

	subs    map[chan []domain.ExecutionItem[T]]struct{}
	changed chan struct{}
}

// Queue schedules tagged executions of blocks against a backend.
type Queue[T comparable] struct {
	store   ports.AttributeStore[T]
	backend ports.Backend[T]
	epochs  ports.EpochSource
	opts    options

	// base parents every execution context; stop aborts them all on Shutdown.
	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	slots  map[domain.Key]*slot[T]
	blocks map[domain.BlockID]domain.Block
	// gates serialize Enqueue per key from the payload read to its scheduling.
	gates  map[domain.Key]*sync.Mutex
	ready  []domain.Key
	signal chan struct{}
	closed bool

	inflight sync.WaitGroup
}

// New creates a queue committing results into store.
func New[T comparable](store ports.AttributeStore[T], backend ports.Backend[T], epochs ports.EpochSource, opts ...Option) *Queue[T] {
	o := options{
		logger:       slog.New(slog.DiscardHandler),
		abortTimeout: DefaultAbortTimeout,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
		newID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	base, stop := context.WithCancel(context.Background())
	return &Queue[T]{
		store:   store,
		backend: backend,
		epochs:  epochs,
		opts:    o,
		base:    base,
		stop:    stop,
		slots:   make(map[domain.Key]*slot[T]),
		blocks:  make(map[domain.BlockID]domain.Block),
		gates:   make(map[domain.Key]*sync.Mutex),
		signal:  make(chan struct{}, 1),
	}
}

// Register declares the block a key's payloads are validated against. Payloads of
// unregistered blocks are validated as text.
func (q *Queue[T]) Register(b domain.Block) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.blocks[b.ID] = b
}

// Enqueue schedules the tag against the block with the attribute's current NewValue.
//
// It returns the item now representing the request: a fresh enqueued item, the
// enqueued item the request coalesced into, or the running item a follow-up was
// recorded behind. Enqueue never waits for execution. A candidate that does not
// validate, or carries a validation error marker, is refused with ErrIneligible.
func (q *Queue[T]) Enqueue(ctx context.Context, req EnqueueRequest) (domain.ExecutionItem[T], error) {
	var zero domain.ExecutionItem[T]
	key := domain.Key{BlockID: req.BlockID, Tag: req.Tag}

	spec, ok := domain.LookupTag(req.Tag)
	if !ok {
		return zero, fmt.Errorf("enqueue %s: %w", key, domain.ErrUnknownTag)
	}

	// Snapshots of one key are scheduled in the order they were read, so the
	// latest edit always wins the coalesce.
	gate, b := q.gate(key)
	gate.Lock()
	defer gate.Unlock()

	attr, err := q.store.Get(ctx, req.BlockID, spec.Attribute)
	if err != nil {
		return zero, fmt.Errorf("enqueue %s: %w", key, err)
	}
	if attr.Error.IsValidation() {
		return zero, fmt.Errorf("enqueue %s: %s: %w", key, attr.Error, domain.ErrIneligible)
	}
	if kind := validator.ValidateAttribute(spec, b, any(attr.NewValue)); kind != domain.ErrorNone {
		return zero, fmt.Errorf("enqueue %s: %s: %w", key, kind, domain.ErrIneligible)
	}

	pending := request[T]{
		requesterID: req.RequesterID,
		epoch:       req.Epoch,
		payload:     attr.NewValue,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return zero, domain.ErrQueueClosed
	}

	s := q.slot(key)
	if a := s.active; a != nil {
		switch a.Status {
		case domain.StatusEnqueued:
			a.Payload = pending.payload
			a.Epoch = pending.epoch
			a.RequesterID = pending.requesterID
			a.UpdatedAt = q.opts.now()
			a.Coalesced++
			q.emit(ctx, q.opts.hooks.OnCoalesce, a, a.Status, a.Status, 0, nil)
			q.notify(s)
			return *a, nil
		case domain.StatusRunning, domain.StatusAborting:
			s.followUp = &pending
			q.emit(ctx, q.opts.hooks.OnCoalesce, a, a.Status, a.Status, 0, nil)
			q.opts.logger.Debug("follow-up recorded", "key", key, "item", a.ID, "status", a.Status)
			return *a, nil
		}
	}

	q.retire(ctx, s)
	item := q.materialize(ctx, key, s, pending)
	return *item, nil
}

// Acknowledge moves a retained completed item of the key to idle.
func (q *Queue[T]) Acknowledge(ctx context.Context, blockID domain.BlockID, tag domain.ExecutionTag) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if s, ok := q.slots[domain.Key{BlockID: blockID, Tag: tag}]; ok {
		q.retire(ctx, s)
	}
}

// Busy reports whether the key has an enqueued, running or aborting item.
func (q *Queue[T]) Busy(blockID domain.BlockID, tag domain.ExecutionTag) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.slots[domain.Key{BlockID: blockID, Tag: tag}]
	return ok && s.active != nil
}

// Executions returns the items of the key, most recent first.
func (q *Queue[T]) Executions(blockID domain.BlockID, tag domain.ExecutionTag) []domain.ExecutionItem[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.slots[domain.Key{BlockID: blockID, Tag: tag}]
	if !ok {
		return nil
	}
	return s.snapshot()
}

// Subscribe streams the items of the key every time they change. The current items
// are delivered immediately. A slow subscriber only ever misses intermediate
// snapshots, never the latest one. The returned function unsubscribes.
func (q *Queue[T]) Subscribe(blockID domain.BlockID, tag domain.ExecutionTag) (<-chan []domain.ExecutionItem[T], func()) {
	ch := make(chan []domain.ExecutionItem[T], 1)

	q.mu.Lock()
	s := q.slot(domain.Key{BlockID: blockID, Tag: tag})
	s.subs[ch] = struct{}{}
	ch <- s.snapshot()
	q.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.mu.Lock()
			delete(s.subs, ch)
			q.mu.Unlock()
		})
	}
}

// WaitIdle blocks until the key has no busy item or ctx is done.
func (q *Queue[T]) WaitIdle(ctx context.Context, blockID domain.BlockID, tag domain.ExecutionTag) error {
	key := domain.Key{BlockID: blockID, Tag: tag}
	for {
		q.mu.Lock()
		s := q.slot(key)
		busy := s.active != nil
		changed := s.changed
		q.mu.Unlock()

		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Forget cancels every execution of the block and drops its history and registration.
func (q *Queue[T]) Forget(ctx context.Context, blockID domain.BlockID) {
	for _, tag := range q.tagsOf(blockID) {
		q.Cancel(ctx, blockID, tag)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.blocks, blockID)
	for key := range q.gates {
		if key.BlockID == blockID {
			delete(q.gates, key)
		}
	}
	for key, s := range q.slots {
		if key.BlockID != blockID || s.active != nil {
			continue
		}
		for ch := range s.subs {
			close(ch)
		}
		delete(q.slots, key)
	}
}

func (q *Queue[T]) tagsOf(blockID domain.BlockID) []domain.ExecutionTag {
	q.mu.Lock()
	defer q.mu.Unlock()

	var tags []domain.ExecutionTag
	for key := range q.slots {
		if key.BlockID == blockID {
			tags = append(tags, key.Tag)
		}
	}
	return tags
}

// Shutdown stops accepting work, cancels every enqueued item, aborts running ones
// and waits for their backend calls to return or ctx to be done.
func (q *Queue[T]) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.signal)
	}
	keys := make([]domain.Key, 0, len(q.slots))
	for key, s := range q.slots {
		if s.active != nil {
			keys = append(keys, key)
		}
	}
	q.mu.Unlock()

	for _, key := range keys {
		q.Cancel(ctx, key.BlockID, key.Tag)
	}
	q.stop()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// gate returns the enqueue gate of key and the block its payloads are validated against.
func (q *Queue[T]) gate(key domain.Key) (*sync.Mutex, domain.Block) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, ok := q.gates[key]
	if !ok {
		g = &sync.Mutex{}
		q.gates[key] = g
	}
	b, ok := q.blocks[key.BlockID]
	if !ok {
		b = domain.NewInputBlock(key.BlockID, domain.InputTypeText)
	}
	return g, b
}

// slot returns the state of key, creating it. Callers hold q.mu.
func (q *Queue[T]) slot(key domain.Key) *slot[T] {
	s, ok := q.slots[key]
	if !ok {
		s = &slot[T]{
			subs:    make(map[chan []domain.ExecutionItem[T]]struct{}),
			changed: make(chan struct{}),
		}
		q.slots[key] = s
	}
	return s
}

// materialize turns a request into the key's new enqueued item and schedules it.
// Callers hold q.mu and have checked the key is not busy.
func (q *Queue[T]) materialize(ctx context.Context, key domain.Key, s *slot[T], req request[T]) *domain.ExecutionItem[T] {
	now := q.opts.now()
	item := &domain.ExecutionItem[T]{
		ID:          q.opts.newID(),
		BlockID:     key.BlockID,
		Tag:         key.Tag,
		RequesterID: req.requesterID,
		Epoch:       req.epoch,
		Payload:     req.payload,
		Status:      domain.StatusEnqueued,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}

	s.history = append([]*domain.ExecutionItem[T]{item}, s.history...)
	if len(s.history) > q.opts.historyLimit {
		clear(s.history[q.opts.historyLimit:])
		s.history = s.history[:q.opts.historyLimit]
	}
	s.active = item

	q.ready = append(q.ready, key)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	q.emit(ctx, q.opts.hooks.OnEnqueue, item, domain.StatusIdle, domain.StatusEnqueued, 0, nil)
	q.notify(s)
	q.opts.logger.Debug("execution enqueued", "key", key, "item", item.ID, "epoch", item.Epoch)
	return item
}

// retire moves a retained completed head to idle. Callers hold q.mu.
func (q *Queue[T]) retire(ctx context.Context, s *slot[T]) {
	if len(s.history) == 0 || s.active != nil {
		return
	}
	if head := s.history[0]; head.Status == domain.StatusCompleted {
		q.transition(ctx, s, head, domain.StatusIdle, domain.OutcomeNone)
	}
}

// release clears the active item and promotes the follow-up, if any. Callers hold q.mu.
func (q *Queue[T]) release(ctx context.Context, key domain.Key, s *slot[T]) {
	s.active = nil
	s.cancel = nil
	if s.abortTimer != nil {
		s.abortTimer.Stop()
		s.abortTimer = nil
	}

	next := s.followUp
	s.followUp = nil
	if next == nil || q.closed {
		return
	}
	q.retire(ctx, s)
	q.materialize(ctx, key, s, *next)
}

// transition moves item to the next status. Callers hold q.mu.
func (q *Queue[T]) transition(ctx context.Context, s *slot[T], item *domain.ExecutionItem[T], to domain.ExecutionStatus, outcome domain.Outcome) {
	q.transitionErr(ctx, s, item, to, outcome, nil)
}

// transitionErr is transition reporting the cause of a failed outcome to the hooks.
func (q *Queue[T]) transitionErr(ctx context.Context, s *slot[T], item *domain.ExecutionItem[T], to domain.ExecutionStatus, outcome domain.Outcome, cause error) {
	from := item.Status
	if !from.CanTransition(to) {
		panic(fmt.Sprintf("queue: illegal transition %s -> %s for item %s", from, to, item.ID))
	}

	now := q.opts.now()
	item.Status = to
	item.UpdatedAt = now
	if outcome != domain.OutcomeNone {
		item.Outcome = outcome
	}
	switch to {
	case domain.StatusRunning:
		item.StartedAt = now
	case domain.StatusCompleted, domain.StatusIdle:
		if item.FinishedAt.IsZero() {
			item.FinishedAt = now
		}
	}

	var elapsed time.Duration
	if (from == domain.StatusRunning || from == domain.StatusAborting) && !item.StartedAt.IsZero() {
		elapsed = now.Sub(item.StartedAt)
	}

	q.emit(ctx, q.opts.hooks.OnTransition, item, from, to, elapsed, cause)
	q.notify(s)
}

func (q *Queue[T]) emit(ctx context.Context, hook func(context.Context, *domain.ExecutionEvent), item *domain.ExecutionItem[T], from, to domain.ExecutionStatus, elapsed time.Duration, cause error) {
	if hook == nil {
		return
	}
	hook(ctx, &domain.ExecutionEvent{
		Timestamp: item.UpdatedAt,
		ItemID:    item.ID,
		BlockID:   item.BlockID,
		Tag:       item.Tag,
		Epoch:     item.Epoch,
		From:      from,
		To:        to,
		Outcome:   item.Outcome,
		Duration:  elapsed,
		Err:       cause,
	})
}

// notify wakes waiters and pushes the latest snapshot to subscribers. Callers hold q.mu.
func (q *Queue[T]) notify(s *slot[T]) {
	close(s.changed)
	s.changed = make(chan struct{})

	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshot()
	for ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Replace the stale snapshot nobody read yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *slot[T]) snapshot() []domain.ExecutionItem[T] {
	items := make([]domain.ExecutionItem[T], len(s.history))
	for i, item := range s.history {
		items[i] = *item
	}
	return items
}
