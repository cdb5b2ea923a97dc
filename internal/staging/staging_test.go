package staging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRead(t *testing.T) {
	dir := New(t.TempDir())

	path, err := dir.Write(7, 0, []byte("chunk zero"))
	require.NoError(t, err)
	assert.Equal(t, dir.Path(7, 0), path)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "0.chunk"), path)

	data, err := dir.Read(7, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk zero"), data)
}

func TestWriteRefusesEmptyPayload(t *testing.T) {
	dir := New(t.TempDir())

	_, err := dir.Write(7, 0, nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = dir.Write(7, 0, []byte{})
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestReadMissingChunk(t *testing.T) {
	dir := New(t.TempDir())

	_, err := dir.Read(7, 3)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenReopensForRetry(t *testing.T) {
	dir := New(t.TempDir())

	_, err := dir.Write(1, 2, []byte("retry me"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		f, err := dir.Open(1, 2)
		require.NoError(t, err)
		f.Close()
	}
}

func TestDiscard(t *testing.T) {
	dir := New(t.TempDir())

	_, err := dir.Write(9, 0, []byte("a"))
	require.NoError(t, err)
	_, err = dir.Write(9, 1, []byte("b"))
	require.NoError(t, err)

	require.NoError(t, dir.Discard(9))

	_, err = dir.Read(9, 0)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Discarding twice is fine.
	require.NoError(t, dir.Discard(9))
}
