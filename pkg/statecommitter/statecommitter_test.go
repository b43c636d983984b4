package statecommitter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleState struct {
	Count int
	Name  string
}

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	c := New[sampleState](filepath.Join(dir, "state.json"))

	state, err := c.Load()
	require.NoError(t, err)
	assert.Equal(t, sampleState{}, state)
}

func TestCommitThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	c := New[sampleState](filepath.Join(dir, "state.json"))

	want := sampleState{Count: 3, Name: "run-abc"}
	require.NoError(t, c.Commit(want))

	got, err := c.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCommitOverwritesPreviousState(t *testing.T) {
	dir := t.TempDir()
	c := New[sampleState](filepath.Join(dir, "state.json"))

	require.NoError(t, c.Commit(sampleState{Count: 1}))
	require.NoError(t, c.Commit(sampleState{Count: 2}))

	got, err := c.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)
}

func TestLoadCorruptFileReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	c := New[sampleState](path)
	_, err := c.Load()
	assert.Error(t, err)
}
