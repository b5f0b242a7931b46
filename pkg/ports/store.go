package ports

import (
	"context"

	"github.com/aretw0/blockq/pkg/domain"
)

// AttributeStore defines the document's attribute storage.
//
// Implementations must be safe for concurrent use. The confirmed Value of an
// attribute is written only through Commit (by the execution queue) and Merge
// (remote confirmed edits); Set never touches it.
type AttributeStore[T comparable] interface {
	// Get returns the attribute of a block.
	// Returns domain.ErrAttributeNotFound if the block has no such attribute.
	Get(ctx context.Context, blockID domain.BlockID, name string) (domain.Attribute[T], error)

	// Set applies a partial update to NewValue and/or Error and returns the result.
	Set(ctx context.Context, blockID domain.BlockID, name string, patch domain.Patch[T]) (domain.Attribute[T], error)

	// Commit sets the confirmed Value and clears Error. Reserved for the execution
	// queue and the display-only label.
	Commit(ctx context.Context, blockID domain.BlockID, name string, value T) error

	// Merge applies a confirmed Value received from a remote collaborator.
	Merge(ctx context.Context, blockID domain.BlockID, name string, value T) error

	// Create initializes an attribute with a confirmed value.
	// Returns domain.ErrAttributeExists if it is already present.
	Create(ctx context.Context, blockID domain.BlockID, name string, value T) error

	// Delete removes every attribute of a block.
	Delete(ctx context.Context, blockID domain.BlockID) error
}
