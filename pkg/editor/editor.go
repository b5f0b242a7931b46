// Package editor implements the attribute update and confirmation protocol of input
// blocks: local edits are validated immediately, and only a confirmation hands the
// candidate to the execution queue.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
	"github.com/aretw0/blockq/pkg/queue"
	"github.com/aretw0/blockq/pkg/validator"
)

// Field names an editable field of an input block.
type Field string

const (
	FieldVariable Field = "variable"
	FieldValue    Field = "value"
)

// Tag returns the execution tag confirming the field, or "" for an unknown field.
func (f Field) Tag() domain.ExecutionTag {
	switch f {
	case FieldVariable:
		return domain.TagRenameVariable
	case FieldValue:
		return domain.TagSaveValue
	}
	return ""
}

// ParseField resolves a field name.
func ParseField(s string) (Field, error) {
	switch Field(s) {
	case FieldVariable, FieldValue:
		return Field(s), nil
	}
	return "", fmt.Errorf("unknown field %q", s)
}

// FieldForTag returns the field a tag confirms.
func FieldForTag(tag domain.ExecutionTag) (Field, bool) {
	switch tag {
	case domain.TagRenameVariable:
		return FieldVariable, true
	case domain.TagSaveValue:
		return FieldValue, true
	}
	return "", false
}

// Enqueuer schedules executions. *queue.Queue[string] satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (domain.ExecutionItem[string], error)
}

// Confirmation reports what a confirm or retry did.
type Confirmation struct {
	Attribute domain.Attribute[string] `json:"attribute"`
	// Item is nil when nothing was enqueued.
	Item *domain.ExecutionItem[string] `json:"item,omitempty"`
}

// Enqueued reports whether the confirmation reached the queue.
func (c Confirmation) Enqueued() bool {
	return c.Item != nil
}

// InputBlock edits the fields of one input block.
type InputBlock struct {
	block     domain.Block
	store     ports.AttributeStore[string]
	queue     Enqueuer
	epochs    ports.EpochSource
	requester string
	maxInput  int
	logger    *slog.Logger
	onChange  func(domain.BlockID, domain.ExecutionTag)
}

// Option configures an InputBlock.
type Option func(*InputBlock)

// WithRequester sets the identity recorded on the items this editor enqueues.
func WithRequester(id string) Option {
	return func(b *InputBlock) {
		b.requester = id
	}
}

// WithMaxInputSize bounds candidates, in bytes. Zero keeps the default.
func WithMaxInputSize(n int) Option {
	return func(b *InputBlock) {
		b.maxInput = n
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *InputBlock) {
		b.logger = logger
	}
}

// WithOnChange registers a callback invoked after every local attribute write.
func WithOnChange(fn func(domain.BlockID, domain.ExecutionTag)) Option {
	return func(b *InputBlock) {
		b.onChange = fn
	}
}

// New creates an editor for block b.
func New(b domain.Block, store ports.AttributeStore[string], q Enqueuer, epochs ports.EpochSource, opts ...Option) *InputBlock {
	ib := &InputBlock{
		block:     b,
		store:     store,
		queue:     q,
		epochs:    epochs,
		requester: "local",
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(ib)
	}
	return ib
}

// Block returns the edited block.
func (b *InputBlock) Block() domain.Block {
	return b.block
}

// Attribute returns the current attribute behind a field.
func (b *InputBlock) Attribute(ctx context.Context, field Field) (domain.Attribute[string], error) {
	spec, err := b.spec(field)
	if err != nil {
		return domain.Attribute[string]{}, err
	}
	return b.store.Get(ctx, b.block.ID, spec.Attribute)
}

// Edit records a local candidate and validates it synchronously. It never enqueues.
// Control characters are stripped; an oversized or malformed candidate is rejected
// without touching the attribute.
func (b *InputBlock) Edit(ctx context.Context, field Field, candidate string) (domain.Attribute[string], error) {
	spec, err := b.spec(field)
	if err != nil {
		return domain.Attribute[string]{}, err
	}
	candidate, err = SanitizeCandidate(candidate, b.maxInput)
	if err != nil {
		return domain.Attribute[string]{}, fmt.Errorf("edit %s: %w", field, err)
	}

	kind := validator.ValidateAttribute(spec, b.block, candidate)
	attr, err := b.store.Set(ctx, b.block.ID, spec.Attribute, domain.Patch[string]{
		NewValue: &candidate,
		Error:    &kind,
	})
	if err != nil {
		return attr, fmt.Errorf("edit %s: %w", field, err)
	}
	b.changed(spec.Tag)
	return attr, nil
}

// Confirm hands the field's candidate to the queue, e.g. when the field loses focus.
// Variable names are trimmed first. Nothing is enqueued when the candidate carries a
// validation error or equals the confirmed value.
func (b *InputBlock) Confirm(ctx context.Context, field Field) (Confirmation, error) {
	return b.submit(ctx, field, false)
}

// Retry enqueues the field's candidate again after a failed execution, even when it
// equals the confirmed value.
func (b *InputBlock) Retry(ctx context.Context, field Field) (Confirmation, error) {
	return b.submit(ctx, field, true)
}

func (b *InputBlock) submit(ctx context.Context, field Field, force bool) (Confirmation, error) {
	spec, err := b.spec(field)
	if err != nil {
		return Confirmation{}, err
	}

	attr, err := b.store.Get(ctx, b.block.ID, spec.Attribute)
	if err != nil {
		return Confirmation{}, fmt.Errorf("confirm %s: %w", field, err)
	}

	candidate := attr.NewValue
	if field == FieldVariable {
		candidate = strings.TrimSpace(candidate)
	}

	kind := validator.ValidateAttribute(spec, b.block, candidate)
	if kind != domain.ErrorNone {
		attr, err = b.store.Set(ctx, b.block.ID, spec.Attribute, domain.Patch[string]{
			NewValue: &candidate,
			Error:    &kind,
		})
		if err != nil {
			return Confirmation{}, fmt.Errorf("confirm %s: %w", field, err)
		}
		b.changed(spec.Tag)
		b.logger.Debug("confirmation rejected", "block", b.block.ID, "field", field, "error", kind)
		return Confirmation{Attribute: attr}, nil
	}

	if !force && candidate == attr.Value {
		if candidate != attr.NewValue {
			attr, err = b.store.Set(ctx, b.block.ID, spec.Attribute, domain.SetNewValue(candidate))
			if err != nil {
				return Confirmation{}, fmt.Errorf("confirm %s: %w", field, err)
			}
			b.changed(spec.Tag)
		}
		return Confirmation{Attribute: attr}, nil
	}

	attr, err = b.store.Set(ctx, b.block.ID, spec.Attribute, domain.Patch[string]{
		NewValue: &candidate,
		Error:    &kind,
	})
	if err != nil {
		return Confirmation{}, fmt.Errorf("confirm %s: %w", field, err)
	}

	item, err := b.queue.Enqueue(ctx, queue.EnqueueRequest{
		BlockID:     b.block.ID,
		Tag:         spec.Tag,
		RequesterID: b.requester,
		Epoch:       b.epochs.CurrentEpoch(),
	})
	b.changed(spec.Tag)
	if err != nil {
		return Confirmation{Attribute: attr}, fmt.Errorf("confirm %s: %w", field, err)
	}
	return Confirmation{Attribute: attr, Item: &item}, nil
}

// Label returns the block's display label, "" when it never had one.
func (b *InputBlock) Label(ctx context.Context) (string, error) {
	attr, err := b.store.Get(ctx, b.block.ID, domain.AttrLabel)
	if errors.Is(err, domain.ErrAttributeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("label: %w", err)
	}
	return attr.Value, nil
}

// SetLabel renames the block for display. Labels are never executed, so the
// sanitized label is confirmed at once.
func (b *InputBlock) SetLabel(ctx context.Context, label string) (string, error) {
	label, err := SanitizeCandidate(label, b.maxInput)
	if err != nil {
		return "", fmt.Errorf("label: %w", err)
	}
	_, err = b.store.Set(ctx, b.block.ID, domain.AttrLabel, domain.SetNewValue(label))
	switch {
	case errors.Is(err, domain.ErrAttributeNotFound):
		err = b.store.Create(ctx, b.block.ID, domain.AttrLabel, label)
	case err == nil:
		err = b.store.Commit(ctx, b.block.ID, domain.AttrLabel, label)
	}
	if err != nil {
		return "", fmt.Errorf("label: %w", err)
	}
	b.logger.Debug("label set", "block", b.block.ID)
	return label, nil
}

func (b *InputBlock) spec(field Field) (domain.TagSpec, error) {
	spec, ok := domain.LookupTag(field.Tag())
	if !ok || spec.Kind != b.block.Kind {
		return domain.TagSpec{}, fmt.Errorf("field %s on %s block: %w", field, b.block.Kind, domain.ErrUnknownTag)
	}
	return spec, nil
}

func (b *InputBlock) changed(tag domain.ExecutionTag) {
	if b.onChange != nil {
		b.onChange(b.block.ID, tag)
	}
}
