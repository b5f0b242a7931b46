package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunAttributeStoreContract runs a suite of tests to verify that an AttributeStore
// implementation adheres to the defined interface contract.
func RunAttributeStoreContract(t *testing.T, store ports.AttributeStore[string]) {
	t.Helper()
	ctx := context.Background()
	prefix := "contract-" + time.Now().Format("20060102150405.000000")
	block := func(name string) domain.BlockID {
		return domain.BlockID(prefix + "-" + name)
	}

	t.Run("Create and Get", func(t *testing.T) {
		id := block("create")
		require.NoError(t, store.Create(ctx, id, domain.AttrVariable, "x"))

		attr, err := store.Get(ctx, id, domain.AttrVariable)
		require.NoError(t, err)
		assert.Equal(t, domain.NewAttribute("x"), attr)

		err = store.Create(ctx, id, domain.AttrVariable, "y")
		assert.ErrorIs(t, err, domain.ErrAttributeExists)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.Get(ctx, block("missing"), domain.AttrVariable)
		assert.ErrorIs(t, err, domain.ErrAttributeNotFound)

		_, err = store.Set(ctx, block("missing"), domain.AttrVariable, domain.SetNewValue("z"))
		assert.ErrorIs(t, err, domain.ErrAttributeNotFound)

		err = store.Commit(ctx, block("missing"), domain.AttrVariable, "z")
		assert.ErrorIs(t, err, domain.ErrAttributeNotFound)
	})

	t.Run("Set Is Partial", func(t *testing.T) {
		id := block("set")
		require.NoError(t, store.Create(ctx, id, domain.AttrValue, "a"))

		attr, err := store.Set(ctx, id, domain.AttrValue, domain.SetNewValue("b"))
		require.NoError(t, err)
		assert.Equal(t, "a", attr.Value, "Set must never touch the confirmed value")
		assert.Equal(t, "b", attr.NewValue)

		attr, err = store.Set(ctx, id, domain.AttrValue, domain.SetError[string](domain.ErrorInvalidValue))
		require.NoError(t, err)
		assert.Equal(t, "b", attr.NewValue, "error-only patch must keep NewValue")
		assert.Equal(t, domain.ErrorInvalidValue, attr.Error)
	})

	t.Run("Commit Keeps Pending Edit", func(t *testing.T) {
		id := block("commit")
		require.NoError(t, store.Create(ctx, id, domain.AttrValue, "a"))
		_, err := store.Set(ctx, id, domain.AttrValue, domain.Patch[string]{
			NewValue: ptr("c"),
			Error:    ptr(domain.ErrorUnexpected),
		})
		require.NoError(t, err)

		require.NoError(t, store.Commit(ctx, id, domain.AttrValue, "b"))

		attr, err := store.Get(ctx, id, domain.AttrValue)
		require.NoError(t, err)
		assert.Equal(t, domain.Attribute[string]{Value: "b", NewValue: "c", Error: domain.ErrorNone}, attr)
	})

	t.Run("Merge", func(t *testing.T) {
		id := block("merge")
		require.NoError(t, store.Create(ctx, id, domain.AttrVariable, "a"))
		require.NoError(t, store.Merge(ctx, id, domain.AttrVariable, "remote"))

		attr, err := store.Get(ctx, id, domain.AttrVariable)
		require.NoError(t, err)
		assert.Equal(t, "remote", attr.Value)
		assert.Equal(t, "remote", attr.NewValue)

		_, err = store.Set(ctx, id, domain.AttrVariable, domain.SetNewValue("local"))
		require.NoError(t, err)
		require.NoError(t, store.Merge(ctx, id, domain.AttrVariable, "remote2"))

		attr, err = store.Get(ctx, id, domain.AttrVariable)
		require.NoError(t, err)
		assert.Equal(t, "remote2", attr.Value)
		assert.Equal(t, "local", attr.NewValue)
	})

	t.Run("Delete", func(t *testing.T) {
		id := block("delete")
		require.NoError(t, store.Create(ctx, id, domain.AttrVariable, "a"))
		require.NoError(t, store.Create(ctx, id, domain.AttrValue, "b"))

		require.NoError(t, store.Delete(ctx, id))

		_, err := store.Get(ctx, id, domain.AttrVariable)
		assert.ErrorIs(t, err, domain.ErrAttributeNotFound)
		_, err = store.Get(ctx, id, domain.AttrValue)
		assert.ErrorIs(t, err, domain.ErrAttributeNotFound)
	})

	t.Run("Concurrent Edits And Commits", func(t *testing.T) {
		id := block("concurrent")
		require.NoError(t, store.Create(ctx, id, domain.AttrValue, "0"))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				_, _ = store.Set(ctx, id, domain.AttrValue, domain.SetNewValue(fmt.Sprint("edit-", i)))
			}(i)
			go func(i int) {
				defer wg.Done()
				_ = store.Commit(ctx, id, domain.AttrValue, fmt.Sprint("commit-", i))
			}(i)
		}
		wg.Wait()

		attr, err := store.Get(ctx, id, domain.AttrValue)
		require.NoError(t, err)
		assert.Contains(t, attr.Value, "commit-")
		assert.Contains(t, attr.NewValue, "edit-")
	})
}

func ptr[T any](v T) *T {
	return &v
}
