package blockq

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/blockq/pkg/adapters/memory"
	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/editor"
	"github.com/aretw0/blockq/pkg/ports"
	"github.com/aretw0/blockq/pkg/projection"
	"github.com/aretw0/blockq/pkg/queue"
	"github.com/aretw0/blockq/pkg/validator"
)

// ErrReadOnlyEpoch is returned by Restart when the epoch source cannot publish.
var ErrReadOnlyEpoch = errors.New("epoch source does not accept new epochs")

// Document is the high-level entry point: the blocks of one document, their
// attribute store and the execution queue they share.
type Document struct {
	store     ports.AttributeStore[string]
	backend   ports.Backend[string]
	epochs    ports.EpochSource
	hooks     domain.LifecycleHooks
	logger    *slog.Logger
	requester string
	queueOpts []queue.Option

	queue *queue.Queue[string]
	view  *projection.Projection[string]

	mu     sync.RWMutex
	blocks map[domain.BlockID]*editor.InputBlock
}

// Option defines a functional option for configuring the Document.
type Option func(*Document)

// WithStore sets the attribute store (default: in memory).
func WithStore(store ports.AttributeStore[string]) Option {
	return func(d *Document) {
		d.store = store
	}
}

// WithBackend sets the execution backend (default: confirm the candidate as-is).
func WithBackend(backend ports.Backend[string]) Option {
	return func(d *Document) {
		d.backend = backend
	}
}

// WithEpochSource sets the environment epoch source (default: in memory, started now).
func WithEpochSource(epochs ports.EpochSource) Option {
	return func(d *Document) {
		d.epochs = epochs
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(d *Document) {
		d.hooks = d.hooks.Merge(hooks)
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) {
		d.logger = logger
	}
}

// WithRequester sets the identity recorded on executions requested through this document.
func WithRequester(id string) Option {
	return func(d *Document) {
		d.requester = id
	}
}

// WithQueueOptions passes options to the execution queue.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(d *Document) {
		d.queueOpts = append(d.queueOpts, opts...)
	}
}

// New creates a document.
func New(opts ...Option) (*Document, error) {
	d := &Document{
		requester: "local",
		blocks:    make(map[domain.BlockID]*editor.InputBlock),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	if d.store == nil {
		d.store = memory.NewStore[string]()
	}
	if d.backend == nil {
		d.backend = ports.EchoBackend[string]()
	}
	if d.epochs == nil {
		d.epochs = memory.NewEpochSource(domain.EpochOf(time.Now()))
	}

	qopts := append([]queue.Option{
		queue.WithLogger(d.logger.With("component", "queue")),
		queue.WithLifecycleHooks(d.hooks),
	}, d.queueOpts...)
	d.queue = queue.New(d.store, d.backend, d.epochs, qopts...)
	d.view = projection.New[string](d.queue, d.store, projection.WithLogger(d.logger))
	return d, nil
}

// Run dispatches executions until ctx is done or the document is shut down.
func (d *Document) Run(ctx context.Context) error {
	d.logger.Info("document queue started", "epoch", d.epochs.CurrentEpoch())
	err := d.queue.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown cancels pending executions and waits for running ones.
func (d *Document) Shutdown(ctx context.Context) error {
	return d.queue.Shutdown(ctx)
}

// Queue returns the execution queue.
func (d *Document) Queue() *queue.Queue[string] {
	return d.queue
}

// Projection returns the status projection.
func (d *Document) Projection() *projection.Projection[string] {
	return d.view
}

// Epoch returns the current environment epoch.
func (d *Document) Epoch() domain.Epoch {
	return d.epochs.CurrentEpoch()
}

// AddInputBlock registers an input block, creating its attributes when they do not
// exist yet. Attributes already present, e.g. created by another process sharing the
// store, are adopted as they are. Created attributes whose seed does not validate
// carry the error marker, so they are not executed until edited. Adding a registered
// block returns its editor.
func (d *Document) AddInputBlock(ctx context.Context, id domain.BlockID, inputType domain.InputType, variable, value string) (*editor.InputBlock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ib, ok := d.blocks[id]; ok {
		return ib, nil
	}

	b := domain.NewInputBlock(id, inputType)
	initial := map[string]string{domain.AttrVariable: variable, domain.AttrValue: value}
	for _, tag := range domain.Tags(b.Kind) {
		spec, _ := domain.LookupTag(tag)
		err := d.store.Create(ctx, id, spec.Attribute, initial[spec.Attribute])
		if errors.Is(err, domain.ErrAttributeExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("add block %s: %w", id, err)
		}
		if kind := validator.ValidateAttribute(spec, b, initial[spec.Attribute]); kind != domain.ErrorNone {
			if _, err := d.store.Set(ctx, id, spec.Attribute, domain.SetError[string](kind)); err != nil {
				return nil, fmt.Errorf("add block %s: %w", id, err)
			}
		}
	}
	if err := d.store.Create(ctx, id, domain.AttrLabel, ""); err != nil && !errors.Is(err, domain.ErrAttributeExists) {
		return nil, fmt.Errorf("add block %s: %w", id, err)
	}
	d.queue.Register(b)

	ib := editor.New(b, d.store, d.queue, d.epochs,
		editor.WithRequester(d.requester),
		editor.WithLogger(d.logger.With("block", id)),
		editor.WithOnChange(d.view.Touch),
	)
	d.blocks[id] = ib
	d.logger.Debug("block added", "block", id, "input_type", b.InputType)
	return ib, nil
}

// Block returns the editor of a registered block.
func (d *Document) Block(id domain.BlockID) (*editor.InputBlock, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ib, ok := d.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrBlockNotFound)
	}
	return ib, nil
}

// Blocks lists the registered blocks ordered by ID.
func (d *Document) Blocks() []domain.Block {
	d.mu.RLock()
	defer d.mu.RUnlock()

	blocks := make([]domain.Block, 0, len(d.blocks))
	for _, ib := range d.blocks {
		blocks = append(blocks, ib.Block())
	}
	slices.SortFunc(blocks, func(a, b domain.Block) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return blocks
}

// RemoveBlock cancels the block's executions and deletes its attributes.
func (d *Document) RemoveBlock(ctx context.Context, id domain.BlockID) error {
	d.mu.Lock()
	_, ok := d.blocks[id]
	delete(d.blocks, id)
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrBlockNotFound)
	}

	d.queue.Forget(ctx, id)
	if err := d.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("remove block %s: %w", id, err)
	}
	d.logger.Debug("block removed", "block", id)
	return nil
}

// Field returns the presentation state of a block field.
func (d *Document) Field(ctx context.Context, id domain.BlockID, field editor.Field) (projection.FieldView, error) {
	ib, err := d.Block(id)
	if err != nil {
		return projection.FieldView{}, err
	}
	return d.view.Field(ctx, ib.Block(), field.Tag())
}

// Watch streams the presentation state of a block field until ctx is done.
func (d *Document) Watch(ctx context.Context, id domain.BlockID, field editor.Field) (<-chan projection.FieldView, error) {
	ib, err := d.Block(id)
	if err != nil {
		return nil, err
	}
	if field.Tag() == "" {
		return nil, fmt.Errorf("field %q: %w", field, domain.ErrUnknownTag)
	}
	return d.view.Watch(ctx, ib.Block(), field.Tag()), nil
}

// Restart announces a new environment incarnation. Every execution enqueued before it
// is discarded when its turn comes. The new epoch is strictly greater than the current one.
func (d *Document) Restart(ctx context.Context) (domain.Epoch, error) {
	publisher, ok := d.epochs.(ports.EpochPublisher)
	if !ok {
		return 0, ErrReadOnlyEpoch
	}

	current := d.epochs.CurrentEpoch()
	next := domain.EpochOf(time.Now())
	if next <= current {
		next = current + 1
	}
	if err := publisher.Publish(ctx, next); err != nil {
		return 0, fmt.Errorf("restart: %w", err)
	}
	d.logger.Info("environment restarted", "epoch", next, "previous", current)
	return next, nil
}
