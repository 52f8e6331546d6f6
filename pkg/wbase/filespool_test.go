package wbase

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSpoolChannelFlushesOnLastTask(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.spool")
	summary := NewBufferChannel()
	f := NewFileSpoolChannel(summary, path, 2)

	assert.True(t, f.SendStream([]byte("row-a"), false))
	assert.True(t, f.SendStream([]byte("row-b"), true)) // task 1's last buffer
	assert.False(t, f.IsDead(), "not dead until every task in the group has finished")

	assert.True(t, f.SendStream([]byte("row-c"), true)) // task 2's last buffer
	assert.True(t, f.IsDead())

	_, err := os.Stat(path)
	require.NoError(t, err, "spool file should remain on disk after a successful flush")
	assert.NotZero(t, f.BytesWritten())
	assert.Equal(t, [][]byte{[]byte(path)}, [][]byte{summary.Bytes()})
}

func TestFileSpoolChannelRemovesFileOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.spool")
	summary := NewBufferChannel()
	f := NewFileSpoolChannel(summary, path, 1)

	require.True(t, f.SendStream([]byte("row-a"), false))
	assert.True(t, f.SendError("boom", 7))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "partially written spool file must be removed on failure")
	assert.True(t, f.IsDead())
}
