package mcp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorDefaults(t *testing.T) {
	c := newCursorFile(filepath.Join(t.TempDir(), "cursors.json"))
	assert.Equal(t, int64(-1), c.Get("claude", "general"))

	// Empty updates never touch the file.
	c.SetAll("claude", nil)
	c.SetAll("", map[string]int64{"general": 5})
	_, err := os.Stat(c.path)
	assert.True(t, os.IsNotExist(err))
}

func TestCursorPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	c := newCursorFile(path)
	c.SetAll("claude", map[string]int64{"general": 12, "dev": 0})
	c.SetAll("codex", map[string]int64{"general": 7})

	reloaded := newCursorFile(path)
	assert.Equal(t, int64(12), reloaded.Get("claude", "general"))
	assert.Equal(t, int64(0), reloaded.Get("claude", "dev"), "id 0 is a real cursor, not unset")
	assert.Equal(t, int64(7), reloaded.Get("codex", "general"))
	assert.Equal(t, int64(-1), reloaded.Get("codex", "dev"))
}

func TestCursorRename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	c := newCursorFile(path)
	c.SetAll("claude", map[string]int64{"dev": 4})
	c.SetAll("codex", map[string]int64{"dev": 9, "general": 1})

	c.Rename("dev", "eng")
	assert.Equal(t, int64(4), c.Get("claude", "eng"))
	assert.Equal(t, int64(-1), c.Get("claude", "dev"))
	assert.Equal(t, int64(9), c.Get("codex", "eng"))
	assert.Equal(t, int64(1), c.Get("codex", "general"))

	reloaded := newCursorFile(path)
	assert.Equal(t, int64(4), reloaded.Get("claude", "eng"))
}

func TestCursorPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	c := newCursorFile(path)
	c.SetAll("claude", map[string]int64{"general": 3, "dev": 9})
	c.SetAll("codex", map[string]int64{"dev": 2})

	c.Prune([]string{"general"})
	assert.Equal(t, int64(3), c.Get("claude", "general"))
	assert.Equal(t, int64(-1), c.Get("claude", "dev"))
	assert.Equal(t, int64(-1), c.Get("codex", "dev"))

	reloaded := newCursorFile(path)
	assert.Equal(t, int64(-1), reloaded.Get("codex", "dev"))
}

func TestCursorFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	c := newCursorFile(path)
	assert.Equal(t, int64(-1), c.Get("claude", "general"), "garbage starts fresh, not fatal")

	c.SetAll("claude", map[string]int64{"general": 1})
	reloaded := newCursorFile(path)
	assert.Equal(t, int64(1), reloaded.Get("claude", "general"))
}
