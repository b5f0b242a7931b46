package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
)

var _ ports.AttributeStore[string] = (*Store[string])(nil)

type attrKey struct {
	block domain.BlockID
	name  string
}

// Store implements ports.AttributeStore in memory.
// Safe for concurrent use.
type Store[T comparable] struct {
	data map[attrKey]domain.Attribute[T]
	mu   sync.RWMutex
}

// NewStore creates a new in-memory attribute store.
func NewStore[T comparable]() *Store[T] {
	return &Store[T]{
		data: make(map[attrKey]domain.Attribute[T]),
	}
}

// Get returns a copy of the attribute.
func (s *Store[T]) Get(ctx context.Context, blockID domain.BlockID, name string) (domain.Attribute[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attr, ok := s.data[attrKey{blockID, name}]
	if !ok {
		return domain.Attribute[T]{}, notFound(blockID, name)
	}
	return attr, nil
}

// Set applies the patch.
func (s *Store[T]) Set(ctx context.Context, blockID domain.BlockID, name string, patch domain.Patch[T]) (domain.Attribute[T], error) {
	var out domain.Attribute[T]
	err := s.update(blockID, name, func(a domain.Attribute[T]) domain.Attribute[T] {
		out = patch.Apply(a)
		return out
	})
	return out, err
}

// Commit sets the confirmed value and clears the error.
func (s *Store[T]) Commit(ctx context.Context, blockID domain.BlockID, name string, value T) error {
	return s.update(blockID, name, func(a domain.Attribute[T]) domain.Attribute[T] {
		return a.Commit(value)
	})
}

// Merge applies a remote confirmed value.
func (s *Store[T]) Merge(ctx context.Context, blockID domain.BlockID, name string, value T) error {
	return s.update(blockID, name, func(a domain.Attribute[T]) domain.Attribute[T] {
		return a.Merge(value)
	})
}

// Create initializes an attribute.
func (s *Store[T]) Create(ctx context.Context, blockID domain.BlockID, name string, value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := attrKey{blockID, name}
	if _, ok := s.data[k]; ok {
		return fmt.Errorf("%s/%s: %w", blockID, name, domain.ErrAttributeExists)
	}
	s.data[k] = domain.NewAttribute(value)
	return nil
}

// Delete removes all attributes of the block.
func (s *Store[T]) Delete(ctx context.Context, blockID domain.BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if k.block == blockID {
			delete(s.data, k)
		}
	}
	return nil
}

func (s *Store[T]) update(blockID domain.BlockID, name string, fn func(domain.Attribute[T]) domain.Attribute[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := attrKey{blockID, name}
	attr, ok := s.data[k]
	if !ok {
		return notFound(blockID, name)
	}
	s.data[k] = fn(attr)
	return nil
}

func notFound(blockID domain.BlockID, name string) error {
	return fmt.Errorf("%s/%s: %w", blockID, name, domain.ErrAttributeNotFound)
}
