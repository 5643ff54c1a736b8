package assembler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssemblerOutOfOrderWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	a := New()
	require.NoError(t, a.Create(path))
	require.NoError(t, a.SetTotalSize(12))

	_, err := a.AddChunk(6, []byte("world!"))
	require.NoError(t, err)
	_, err = a.AddChunk(0, []byte("hello "))
	require.NoError(t, err)

	require.NoError(t, a.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello world!", string(got))
}

func TestAssemblerSyncsAtCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	a := New()
	a.fsyncEvery = 10
	require.NoError(t, a.Create(path))
	require.NoError(t, a.SetTotalSize(20))

	synced, err := a.AddChunk(0, make([]byte, 5))
	require.NoError(t, err)
	require.False(t, synced)

	synced, err = a.AddChunk(5, make([]byte, 5))
	require.NoError(t, err)
	require.True(t, synced)
}

func TestAssemblerRenameWhileOpen(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.bin")
	newPath := filepath.Join(dir, "new.bin")

	a := New()
	require.NoError(t, a.Create(oldPath))
	_, err := a.AddChunk(0, []byte("data"))
	require.NoError(t, err)

	require.NoError(t, a.Rename(newPath))
	require.Equal(t, newPath, a.Path())

	_, err = os.Stat(newPath)
	require.NoError(t, err)
	_, err = os.Stat(oldPath)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, a.Close())
}

func TestAssemblerRejectsWritesAfterClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	a := New()
	require.NoError(t, a.Create(path))
	require.NoError(t, a.Close())
	require.True(t, a.IsClosed())

	_, err := a.AddChunk(0, []byte("x"))
	require.Error(t, err)

	require.Error(t, a.Rename(filepath.Join(dir, "other.bin")))
}
