// Package file persists attributes on the local filesystem, one JSON document per block.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
)

var _ ports.AttributeStore[string] = (*Store[string])(nil)

// DefaultPath is used when New is given an empty path.
var DefaultPath = filepath.Join(".blockq", "blocks")

// Store implements ports.AttributeStore with a directory of JSON files.
// Safe for concurrent use within one process; concurrent processes need a shared store.
type Store[T comparable] struct {
	BasePath string
	mu       sync.Mutex
}

// New creates a Store rooted at basePath.
func New[T comparable](basePath string) *Store[T] {
	if basePath == "" {
		basePath = DefaultPath
	}
	return &Store[T]{BasePath: basePath}
}

type blockFile[T comparable] map[string]domain.Attribute[T]

// Get reads the attribute from the block's file.
func (s *Store[T]) Get(ctx context.Context, blockID domain.BlockID, name string) (domain.Attribute[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs, err := s.load(blockID)
	if err != nil {
		return domain.Attribute[T]{}, err
	}
	attr, ok := attrs[name]
	if !ok {
		return domain.Attribute[T]{}, notFound(blockID, name)
	}
	return attr, nil
}

// Set applies the patch.
func (s *Store[T]) Set(ctx context.Context, blockID domain.BlockID, name string, patch domain.Patch[T]) (domain.Attribute[T], error) {
	return s.update(blockID, name, patch.Apply)
}

// Commit sets the confirmed value and clears the error.
func (s *Store[T]) Commit(ctx context.Context, blockID domain.BlockID, name string, value T) error {
	_, err := s.update(blockID, name, func(a domain.Attribute[T]) domain.Attribute[T] {
		return a.Commit(value)
	})
	return err
}

// Merge applies a remote confirmed value.
func (s *Store[T]) Merge(ctx context.Context, blockID domain.BlockID, name string, value T) error {
	_, err := s.update(blockID, name, func(a domain.Attribute[T]) domain.Attribute[T] {
		return a.Merge(value)
	})
	return err
}

// Create initializes an attribute.
func (s *Store[T]) Create(ctx context.Context, blockID domain.BlockID, name string, value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs, err := s.load(blockID)
	if err != nil {
		return err
	}
	if _, ok := attrs[name]; ok {
		return fmt.Errorf("%s/%s: %w", blockID, name, domain.ErrAttributeExists)
	}
	attrs[name] = domain.NewAttribute(value)
	return s.save(blockID, attrs)
}

// Delete removes the block's file.
func (s *Store[T]) Delete(ctx context.Context, blockID domain.BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(blockID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete block file: %w", err)
	}
	return nil
}

// List returns the IDs of the persisted blocks.
func (s *Store[T]) List(ctx context.Context) ([]domain.BlockID, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.BlockID{}, nil
		}
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}

	ids := []domain.BlockID{}
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if entry.IsDir() || !ok || strings.HasPrefix(name, "tmp-") {
			continue
		}
		id, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		ids = append(ids, domain.BlockID(id))
	}
	return ids, nil
}

func (s *Store[T]) update(blockID domain.BlockID, name string, fn func(domain.Attribute[T]) domain.Attribute[T]) (domain.Attribute[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs, err := s.load(blockID)
	if err != nil {
		return domain.Attribute[T]{}, err
	}
	attr, ok := attrs[name]
	if !ok {
		return domain.Attribute[T]{}, notFound(blockID, name)
	}
	attr = fn(attr)
	attrs[name] = attr
	return attr, s.save(blockID, attrs)
}

func (s *Store[T]) path(blockID domain.BlockID) string {
	return filepath.Join(s.BasePath, url.PathEscape(string(blockID))+".json")
}

// load returns an empty map for a block with no file yet.
func (s *Store[T]) load(blockID domain.BlockID) (blockFile[T], error) {
	data, err := os.ReadFile(s.path(blockID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return blockFile[T]{}, nil
		}
		return nil, fmt.Errorf("failed to read block file: %w", err)
	}
	attrs := blockFile[T]{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block %s: %w", blockID, err)
	}
	return attrs, nil
}

// save writes the block atomically: temp file in the same directory, fsync, rename.
func (s *Store[T]) save(blockID domain.BlockID, attrs blockFile[T]) error {
	if err := os.MkdirAll(s.BasePath, 0o755); err != nil {
		return fmt.Errorf("failed to ensure block directory: %w", err)
	}
	data, err := json.MarshalIndent(attrs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}

	tmp, err := os.CreateTemp(s.BasePath, "tmp-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	// Windows cannot rename an open file.
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(blockID)); err != nil {
		return fmt.Errorf("failed to replace block file: %w", err)
	}
	return nil
}

func notFound(blockID domain.BlockID, name string) error {
	return fmt.Errorf("%s/%s: %w", blockID, name, domain.ErrAttributeNotFound)
}
