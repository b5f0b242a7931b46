package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
)

// Source exposes the execution history of keys. *queue.Queue satisfies it.
type Source[T comparable] interface {
	Executions(blockID domain.BlockID, tag domain.ExecutionTag) []domain.ExecutionItem[T]
	Subscribe(blockID domain.BlockID, tag domain.ExecutionTag) (<-chan []domain.ExecutionItem[T], func())
}

// Projection combines execution status with attribute errors for presentation.
type Projection[T comparable] struct {
	source Source[T]
	store  ports.AttributeStore[T]
	logger *slog.Logger

	mu      sync.Mutex
	touched map[domain.Key]map[chan struct{}]struct{}
}

// Option configures the Projection.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a projection over source and store.
func New[T comparable](source Source[T], store ports.AttributeStore[T], opts ...Option) *Projection[T] {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return &Projection[T]{
		source:  source,
		store:   store,
		logger:  o.logger,
		touched: make(map[domain.Key]map[chan struct{}]struct{}),
	}
}

// Executions returns the history of the key, most recent first.
func (p *Projection[T]) Executions(blockID domain.BlockID, tag domain.ExecutionTag) []domain.ExecutionItem[T] {
	return p.source.Executions(blockID, tag)
}

// Status returns the status of the most recent item of the key, idle if none.
func (p *Projection[T]) Status(blockID domain.BlockID, tag domain.ExecutionTag) domain.ExecutionStatus {
	return domain.HeadStatus(p.source.Executions(blockID, tag))
}

// Busy reports whether the key has an enqueued, running or aborting item.
func (p *Projection[T]) Busy(blockID domain.BlockID, tag domain.ExecutionTag) bool {
	return domain.IsExecutionStatusLoading(p.Status(blockID, tag))
}

// Field returns the current view of the tagged field of b.
func (p *Projection[T]) Field(ctx context.Context, b domain.Block, tag domain.ExecutionTag) (FieldView, error) {
	return p.compose(ctx, b, tag, p.source.Executions(b.ID, tag))
}

// Touch signals that an attribute changed outside of an execution, e.g. after a local
// edit set or cleared a validation error, so watchers recompute their view.
func (p *Projection[T]) Touch(blockID domain.BlockID, tag domain.ExecutionTag) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for ch := range p.touched[domain.Key{BlockID: blockID, Tag: tag}] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch streams the view of the tagged field of b every time it changes, starting
// with the current one. The channel is closed when ctx is done.
func (p *Projection[T]) Watch(ctx context.Context, b domain.Block, tag domain.ExecutionTag) <-chan FieldView {
	out := make(chan FieldView, 1)
	key := domain.Key{BlockID: b.ID, Tag: tag}

	updates, unsubscribe := p.source.Subscribe(b.ID, tag)
	touches := p.watchTouches(key)

	go func() {
		defer close(out)
		defer unsubscribe()
		defer p.unwatchTouches(key, touches)

		var (
			last    FieldView
			emitted bool
		)
		emit := func(items []domain.ExecutionItem[T]) bool {
			view, err := p.compose(ctx, b, tag, items)
			if err != nil {
				p.logger.Warn("failed to compose field view", "key", key, "error", err)
				return true
			}
			if emitted && view == last {
				return true
			}
			select {
			case out <- view:
				last, emitted = view, true
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case items, ok := <-updates:
				if !ok || !emit(items) {
					return
				}
			case <-touches:
				if !emit(p.source.Executions(b.ID, tag)) {
					return
				}
			}
		}
	}()
	return out
}

func (p *Projection[T]) compose(ctx context.Context, b domain.Block, tag domain.ExecutionTag, items []domain.ExecutionItem[T]) (FieldView, error) {
	spec, ok := domain.LookupTag(tag)
	if !ok {
		return FieldView{}, fmt.Errorf("field view %s/%s: %w", b.ID, tag, domain.ErrUnknownTag)
	}
	attr, err := p.store.Get(ctx, b.ID, spec.Attribute)
	if err != nil {
		return FieldView{}, fmt.Errorf("field view %s/%s: %w", b.ID, tag, err)
	}

	status, outcome := domain.StatusIdle, domain.OutcomeNone
	if len(items) > 0 {
		status, outcome = items[0].Status, items[0].Outcome
	}
	return Compose(b, tag, status, outcome, attr.Error), nil
}

func (p *Projection[T]) watchTouches(key domain.Key) chan struct{} {
	ch := make(chan struct{}, 1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.touched[key] == nil {
		p.touched[key] = make(map[chan struct{}]struct{})
	}
	p.touched[key][ch] = struct{}{}
	return ch
}

func (p *Projection[T]) unwatchTouches(key domain.Key, ch chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.touched[key], ch)
	if len(p.touched[key]) == 0 {
		delete(p.touched, key)
	}
}
