package process_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aretw0/blockq/pkg/adapters/process"
	"github.com/aretw0/blockq/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBackends(t *testing.T) {
	dir := t.TempDir()

	t.Run("YAML", func(t *testing.T) {
		path := filepath.Join(dir, "backends.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
backends:
  - tag: text-input-save-value
    command: ./save.sh
    args: ["--strict"]
    env:
      KERNEL: python3
    timeout: 2s
`), 0o644))

		commands, err := process.LoadBackends(path)
		require.NoError(t, err)
		require.Contains(t, commands, domain.TagSaveValue)
		c := commands[domain.TagSaveValue]
		assert.Equal(t, "./save.sh", c.Command)
		assert.Equal(t, []string{"--strict"}, c.Args)
		assert.Equal(t, "python3", c.Environment["KERNEL"])
		assert.Equal(t, 2*time.Second, c.Timeout)
	})

	t.Run("JSON", func(t *testing.T) {
		path := filepath.Join(dir, "backends.json")
		require.NoError(t, os.WriteFile(path,
			[]byte(`{"backends":[{"tag":"text-input-rename-variable","command":"rename"}]}`), 0o644))

		commands, err := process.LoadBackends(path)
		require.NoError(t, err)
		assert.Equal(t, "rename", commands[domain.TagRenameVariable].Command)
	})

	t.Run("Missing File", func(t *testing.T) {
		commands, err := process.LoadBackends(filepath.Join(dir, "nope.yaml"))
		require.NoError(t, err)
		assert.Empty(t, commands)
	})

	t.Run("Unknown Tag", func(t *testing.T) {
		_, err := process.ParseBackends([]byte("backends:\n  - tag: paint\n    command: x\n"), false)
		assert.ErrorIs(t, err, domain.ErrUnknownTag)
	})

	t.Run("Missing Command", func(t *testing.T) {
		_, err := process.ParseBackends([]byte("backends:\n  - tag: text-input-save-value\n"), false)
		assert.ErrorContains(t, err, "command is required")
	})
}
