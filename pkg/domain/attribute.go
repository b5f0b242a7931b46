package domain

// Attribute names of an input block.
const (
	AttrVariable = "variable"
	AttrValue    = "value"
	// AttrLabel is display-only: no tag executes it and edits are confirmed in place.
	AttrLabel = "label"
)

// Attribute is a named block value with separate confirmed and optimistic slots.
//
// Write ownership:
//   - Value is written only by the execution queue's commit step, or by a remote
//     confirmed edit merged by the attribute store. The label is the exception.
//   - NewValue is written freely by local edits and is the candidate snapshotted on enqueue.
//   - Error is written by the validator on edit and by the queue on execution failure.
//     It is cleared when a new edit is accepted or an execution commits successfully.
type Attribute[T comparable] struct {
	Value    T         `json:"value"`
	NewValue T         `json:"new_value"`
	Error    ErrorKind `json:"error"`
}

// NewAttribute returns a confirmed attribute with no pending edit.
func NewAttribute[T comparable](v T) Attribute[T] {
	return Attribute[T]{Value: v, NewValue: v}
}

// Pending reports whether the optimistic value diverges from the confirmed one.
func (a Attribute[T]) Pending() bool {
	return a.NewValue != a.Value
}

// Patch is a partial update of an Attribute. Nil fields are left untouched.
// It never carries Value: confirmed values are only written through Commit or Merge.
type Patch[T comparable] struct {
	NewValue *T
	Error    *ErrorKind
}

// Apply returns a copy of a with the patch applied.
func (p Patch[T]) Apply(a Attribute[T]) Attribute[T] {
	if p.NewValue != nil {
		a.NewValue = *p.NewValue
	}
	if p.Error != nil {
		a.Error = *p.Error
	}
	return a
}

// SetNewValue builds a patch writing the optimistic value.
func SetNewValue[T comparable](v T) Patch[T] {
	return Patch[T]{NewValue: &v}
}

// SetError builds a patch writing the error marker. Use ErrorNone to clear it.
func SetError[T comparable](kind ErrorKind) Patch[T] {
	return Patch[T]{Error: &kind}
}

// Commit returns a with v as the confirmed value and the error cleared.
// NewValue is left untouched so that a newer local edit survives a late commit.
func (a Attribute[T]) Commit(v T) Attribute[T] {
	a.Value = v
	a.Error = ErrorNone
	return a
}

// Merge applies a remote confirmed edit. A NewValue with no local pending edit follows
// the remote value; a pending local edit is kept.
func (a Attribute[T]) Merge(v T) Attribute[T] {
	if !a.Pending() {
		a.NewValue = v
	}
	a.Value = v
	return a
}
