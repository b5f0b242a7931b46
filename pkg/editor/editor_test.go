package editor_test

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/blockq/pkg/adapters/memory"
	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/editor"
	"github.com/aretw0/blockq/pkg/ports"
	"github.com/aretw0/blockq/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, req queue.EnqueueRequest) (domain.ExecutionItem[string], error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.ExecutionItem[string]), args.Error(1)
}

func newBlock(t *testing.T, inputType domain.InputType) (domain.Block, *memory.Store[string]) {
	t.Helper()
	b := domain.NewInputBlock("input-1", inputType)
	store := memory.NewStore[string]()
	require.NoError(t, store.Create(context.Background(), b.ID, domain.AttrVariable, "x"))
	require.NoError(t, store.Create(context.Background(), b.ID, domain.AttrValue, ""))
	return b, store
}

func TestParseField(t *testing.T) {
	f, err := editor.ParseField("variable")
	require.NoError(t, err)
	assert.Equal(t, editor.FieldVariable, f)
	assert.Equal(t, domain.TagRenameVariable, f.Tag())

	_, err = editor.ParseField("colour")
	assert.Error(t, err)

	field, ok := editor.FieldForTag(domain.TagSaveValue)
	assert.True(t, ok)
	assert.Equal(t, editor.FieldValue, field)
}

func TestInputBlock_EditValidatesWithoutEnqueue(t *testing.T) {
	ctx := context.Background()
	b, store := newBlock(t, domain.InputTypeNumber)
	enq := &mockEnqueuer{}
	ed := editor.New(b, store, enq, memory.NewEpochSource(1))

	attr, err := ed.Edit(ctx, editor.FieldVariable, "1x")
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorInvalidVariableName, attr.Error)
	assert.Equal(t, "1x", attr.NewValue)
	assert.Equal(t, "x", attr.Value)

	attr, err = ed.Edit(ctx, editor.FieldValue, "abc")
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorInvalidValue, attr.Error)

	attr, err = ed.Edit(ctx, editor.FieldValue, "4.5")
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorNone, attr.Error)

	// Fields are gated independently.
	variable, err := ed.Attribute(ctx, editor.FieldVariable)
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorInvalidVariableName, variable.Error)

	enq.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestInputBlock_ConfirmGuards(t *testing.T) {
	ctx := context.Background()
	b, store := newBlock(t, domain.InputTypeText)
	enq := &mockEnqueuer{}
	ed := editor.New(b, store, enq, memory.NewEpochSource(1))

	// Invalid candidate.
	_, err := ed.Edit(ctx, editor.FieldVariable, "my var")
	require.NoError(t, err)
	c, err := ed.Confirm(ctx, editor.FieldVariable)
	require.NoError(t, err)
	assert.False(t, c.Enqueued())
	assert.Equal(t, domain.ErrorInvalidVariableName, c.Attribute.Error)

	// Unchanged candidate, after trimming.
	_, err = ed.Edit(ctx, editor.FieldVariable, "  x ")
	require.NoError(t, err)
	c, err = ed.Confirm(ctx, editor.FieldVariable)
	require.NoError(t, err)
	assert.False(t, c.Enqueued())
	assert.Equal(t, "x", c.Attribute.NewValue)

	enq.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestInputBlock_ConfirmEnqueuesTrimmedCandidate(t *testing.T) {
	ctx := context.Background()
	b, store := newBlock(t, domain.InputTypeText)
	epochs := memory.NewEpochSource(42)
	enq := &mockEnqueuer{}
	enq.On("Enqueue", mock.Anything, queue.EnqueueRequest{
		BlockID:     b.ID,
		Tag:         domain.TagRenameVariable,
		RequesterID: "alice",
		Epoch:       42,
	}).Return(domain.ExecutionItem[string]{ID: "item-1", Status: domain.StatusEnqueued}, nil).Once()

	var changes int
	ed := editor.New(b, store, enq, epochs,
		editor.WithRequester("alice"),
		editor.WithOnChange(func(domain.BlockID, domain.ExecutionTag) { changes++ }),
	)

	_, err := ed.Edit(ctx, editor.FieldVariable, " total ")
	require.NoError(t, err)
	c, err := ed.Confirm(ctx, editor.FieldVariable)
	require.NoError(t, err)
	require.True(t, c.Enqueued())
	assert.Equal(t, "item-1", c.Item.ID)
	assert.Equal(t, "total", c.Attribute.NewValue)
	assert.Equal(t, domain.ErrorNone, c.Attribute.Error)
	assert.Equal(t, 2, changes)

	enq.AssertExpectations(t)
}

func TestInputBlock_RetryIgnoresEquality(t *testing.T) {
	ctx := context.Background()
	b, store := newBlock(t, domain.InputTypeText)
	enq := &mockEnqueuer{}
	enq.On("Enqueue", mock.Anything, mock.MatchedBy(func(req queue.EnqueueRequest) bool {
		return req.Tag == domain.TagSaveValue
	})).Return(domain.ExecutionItem[string]{ID: "retry"}, nil).Once()
	ed := editor.New(b, store, enq, memory.NewEpochSource(1))

	_, err := store.Set(ctx, b.ID, domain.AttrValue, domain.SetError[string](domain.ErrorUnexpected))
	require.NoError(t, err)

	c, err := ed.Confirm(ctx, editor.FieldValue)
	require.NoError(t, err)
	assert.False(t, c.Enqueued())

	c, err = ed.Retry(ctx, editor.FieldValue)
	require.NoError(t, err)
	assert.True(t, c.Enqueued())
	assert.Equal(t, domain.ErrorNone, c.Attribute.Error)
	enq.AssertExpectations(t)
}

func TestInputBlock_ConfirmPropagatesQueueErrors(t *testing.T) {
	ctx := context.Background()
	b, store := newBlock(t, domain.InputTypeText)
	enq := &mockEnqueuer{}
	enq.On("Enqueue", mock.Anything, mock.Anything).Return(domain.ExecutionItem[string]{}, domain.ErrQueueClosed)
	ed := editor.New(b, store, enq, memory.NewEpochSource(1))

	_, err := ed.Edit(ctx, editor.FieldValue, "hello")
	require.NoError(t, err)
	_, err = ed.Confirm(ctx, editor.FieldValue)
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestInputBlock_UnknownField(t *testing.T) {
	b, store := newBlock(t, domain.InputTypeText)
	ed := editor.New(b, store, &mockEnqueuer{}, memory.NewEpochSource(1))

	_, err := ed.Edit(context.Background(), editor.Field("colour"), "red")
	assert.ErrorIs(t, err, domain.ErrUnknownTag)
}

// A user renames x: the first attempt is rejected locally, the second is confirmed
// through the queue.
func TestInputBlock_RenameScenario(t *testing.T) {
	ctx := context.Background()
	b, store := newBlock(t, domain.InputTypeText)
	epochs := memory.NewEpochSource(7)
	q := queue.New[string](store, ports.EchoBackend[string](), epochs)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = q.Run(runCtx) }()

	ed := editor.New(b, store, q, epochs)

	attr, err := ed.Edit(ctx, editor.FieldVariable, "1x")
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorInvalidVariableName, attr.Error)

	c, err := ed.Confirm(ctx, editor.FieldVariable)
	require.NoError(t, err)
	assert.False(t, c.Enqueued())
	assert.Empty(t, q.Executions(b.ID, domain.TagRenameVariable))

	attr, err = ed.Edit(ctx, editor.FieldVariable, "x1")
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorNone, attr.Error)

	c, err = ed.Confirm(ctx, editor.FieldVariable)
	require.NoError(t, err)
	require.True(t, c.Enqueued())
	assert.Equal(t, "x1", c.Item.Payload)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, q.WaitIdle(waitCtx, b.ID, domain.TagRenameVariable))

	attr, err = ed.Attribute(ctx, editor.FieldVariable)
	require.NoError(t, err)
	assert.Equal(t, "x1", attr.Value)
	assert.Equal(t, domain.ErrorNone, attr.Error)

	items := q.Executions(b.ID, domain.TagRenameVariable)
	require.Len(t, items, 1)
	assert.Equal(t, domain.OutcomeSucceeded, items[0].Outcome)

	// Confirming again is idempotent.
	c, err = ed.Confirm(ctx, editor.FieldVariable)
	require.NoError(t, err)
	assert.False(t, c.Enqueued())
}

func TestInputBlock_LabelNeverEnqueues(t *testing.T) {
	ctx := context.Background()
	b, store := newBlock(t, domain.InputTypeText)
	enq := &mockEnqueuer{}
	ed := editor.New(b, store, enq, memory.NewEpochSource(1))

	label, err := ed.Label(ctx)
	require.NoError(t, err)
	assert.Empty(t, label)

	label, err = ed.SetLabel(ctx, "Total\x00 cost")
	require.NoError(t, err)
	assert.Equal(t, "Total cost", label)

	attr, err := store.Get(ctx, b.ID, domain.AttrLabel)
	require.NoError(t, err)
	assert.Equal(t, "Total cost", attr.Value)
	assert.False(t, attr.Pending())

	_, err = ed.SetLabel(ctx, "Net")
	require.NoError(t, err)
	label, err = ed.Label(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Net", label)

	enq.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}
