package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")

	in := map[string]int{"a": 1, "b": 2}
	require.NoError(t, SaveJSON(path, in))

	var out map[string]int
	found, err := LoadJSON(path, &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestLoadJSONMissingFileIsNotAnError(t *testing.T) {
	var out map[string]int
	found, err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"), &out)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, out)
}

func TestLoadJSONReportsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var out map[string]int
	_, err := LoadJSON(path, &out)
	require.Error(t, err)
}

func TestAtomicWriteFileReplacesWholeContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.json")
	require.NoError(t, AtomicWriteFile(path, []byte("first, much longer content")))
	require.NoError(t, AtomicWriteFile(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".state-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temp files must not survive a completed write")
}
