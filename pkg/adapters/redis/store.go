package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "blockq:"

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 16

// Store implements ports.AttributeStore using Redis.
//
// Each block is a hash whose fields are attribute names and whose values are the
// JSON encoded attributes. Updates are read-modify-write under WATCH, so concurrent
// writers from several processes never lose each other's fields.
type Store[T comparable] struct {
	client *backend.Client
	prefix string
}

var _ ports.AttributeStore[string] = (*Store[string])(nil)

// Option configures the Store.
type Option func(*storeOptions)

type storeOptions struct {
	prefix string
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(o *storeOptions) {
		o.prefix = prefix
	}
}

// NewClient dials Redis.
func NewClient(address, password string, db int) *backend.Client {
	return backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
}

// NewStore creates a store from an existing client.
func NewStore[T comparable](client *backend.Client, opts ...Option) *Store[T] {
	o := storeOptions{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{client: client, prefix: o.prefix}
}

func (s *Store[T]) key(blockID domain.BlockID) string {
	return s.prefix + "block:" + string(blockID)
}

func (s *Store[T]) indexKey() string {
	return s.prefix + "blocks"
}

// Get returns the attribute of a block.
func (s *Store[T]) Get(ctx context.Context, blockID domain.BlockID, name string) (domain.Attribute[T], error) {
	raw, err := s.client.HGet(ctx, s.key(blockID), name).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return domain.Attribute[T]{}, notFound(blockID, name)
		}
		return domain.Attribute[T]{}, fmt.Errorf("failed to get from redis: %w", err)
	}
	return decode[T](raw)
}

// Set applies a partial update to NewValue and/or Error.
func (s *Store[T]) Set(ctx context.Context, blockID domain.BlockID, name string, patch domain.Patch[T]) (domain.Attribute[T], error) {
	return s.update(ctx, blockID, name, patch.Apply)
}

// Commit sets the confirmed value and clears the error.
func (s *Store[T]) Commit(ctx context.Context, blockID domain.BlockID, name string, value T) error {
	_, err := s.update(ctx, blockID, name, func(a domain.Attribute[T]) domain.Attribute[T] {
		return a.Commit(value)
	})
	return err
}

// Merge applies a confirmed value received from a remote collaborator.
func (s *Store[T]) Merge(ctx context.Context, blockID domain.BlockID, name string, value T) error {
	_, err := s.update(ctx, blockID, name, func(a domain.Attribute[T]) domain.Attribute[T] {
		return a.Merge(value)
	})
	return err
}

// Create initializes an attribute.
func (s *Store[T]) Create(ctx context.Context, blockID domain.BlockID, name string, value T) error {
	data, err := json.Marshal(domain.NewAttribute(value))
	if err != nil {
		return fmt.Errorf("failed to marshal attribute: %w", err)
	}

	created, err := s.client.HSetNX(ctx, s.key(blockID), name, data).Result()
	if err != nil {
		return fmt.Errorf("failed to create in redis: %w", err)
	}
	if !created {
		return fmt.Errorf("%s/%s: %w", blockID, name, domain.ErrAttributeExists)
	}
	if err := s.client.SAdd(ctx, s.indexKey(), string(blockID)).Err(); err != nil {
		return fmt.Errorf("failed to index block: %w", err)
	}
	return nil
}

// Delete removes every attribute of a block.
func (s *Store[T]) Delete(ctx context.Context, blockID domain.BlockID) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(blockID))
	pipe.SRem(ctx, s.indexKey(), string(blockID))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Blocks lists the blocks with at least one attribute.
func (s *Store[T]) Blocks(ctx context.Context) ([]domain.BlockID, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	ids := make([]domain.BlockID, len(members))
	for i, m := range members {
		ids[i] = domain.BlockID(m)
	}
	return ids, nil
}

// Close closes the redis client.
func (s *Store[T]) Close() error {
	return s.client.Close()
}

func (s *Store[T]) update(ctx context.Context, blockID domain.BlockID, name string, fn func(domain.Attribute[T]) domain.Attribute[T]) (domain.Attribute[T], error) {
	key := s.key(blockID)
	var result domain.Attribute[T]

	txf := func(tx *backend.Tx) error {
		raw, err := tx.HGet(ctx, key, name).Result()
		if err != nil {
			if errors.Is(err, backend.Nil) {
				return notFound(blockID, name)
			}
			return fmt.Errorf("failed to get from redis: %w", err)
		}
		current, err := decode[T](raw)
		if err != nil {
			return err
		}

		next := fn(current)
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal attribute: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.HSet(ctx, key, name, data)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, backend.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.Attribute[T]{}, err
		}
		return result, nil
	}
	return domain.Attribute[T]{}, fmt.Errorf("update %s/%s: too many concurrent writers", blockID, name)
}

func decode[T comparable](raw string) (domain.Attribute[T], error) {
	var attr domain.Attribute[T]
	if err := json.Unmarshal([]byte(raw), &attr); err != nil {
		return attr, fmt.Errorf("failed to unmarshal attribute: %w", err)
	}
	return attr, nil
}

func notFound(blockID domain.BlockID, name string) error {
	return fmt.Errorf("%s/%s: %w", blockID, name, domain.ErrAttributeNotFound)
}
