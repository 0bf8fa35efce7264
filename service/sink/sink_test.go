package sink

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchFileName(t *testing.T) {
	assert.Equal(t, "dmlog-1-7", BatchFileName(0, 7))
	assert.Equal(t, "dmlog-3-100", BatchFileName(2, 100))
}

func TestBatchPath_UniquePerShardAndBatch(t *testing.T) {
	seen := map[string]bool{}
	for shard := 0; shard < 3; shard++ {
		for batch := uint64(0); batch < 3; batch++ {
			p := BatchPath("/tmp", shard, batch)
			assert.False(t, seen[p], "duplicate path %s", p)
			seen[p] = true
		}
	}
}

func TestFileSink_WriteSyncClose(t *testing.T) {
	dir := t.TempDir()

	s, err := FileOpener(dir, 0)(12)
	require.NoError(t, err)

	fs := s.(*FileSink)
	assert.True(t, filepath.IsAbs(fs.Path()))
	assert.Equal(t, filepath.Join(dir, "dmlog-1-12"), fs.Path())

	_, err = s.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = s.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), fs.Offset())

	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(fs.Path())
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestFileSink_TruncatesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmlog-1-1")
	require.NoError(t, os.WriteFile(path, []byte("stale partial content"), 0o644))

	s, err := OpenFile(path)
	require.NoError(t, err)
	_, err = s.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestExclusiveFileOpener_KeepsExisting(t *testing.T) {
	dir := t.TempDir()
	open := ExclusiveFileOpener(dir, 0)

	s, err := open(3)
	require.NoError(t, err)
	_, err = s.Write([]byte("announced"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	_, err = open(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrExist)

	data, err := os.ReadFile(filepath.Join(dir, "dmlog-1-3"))
	require.NoError(t, err)
	assert.Equal(t, "announced", string(data))

	s, err = open(4)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpenFile_MissingDirectory(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing", "dmlog-1-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create batch file")
}

func TestMemorySink_InjectedFailures(t *testing.T) {
	boom := errors.New("boom")
	m := &MemorySink{WriteErr: boom, WriteLimit: 3}

	n, err := m.Write([]byte("abcdef"))
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "abc", m.Buf.String())

	m.SyncErr = boom
	assert.ErrorIs(t, m.Sync(), boom)
	assert.False(t, m.Synced)

	require.NoError(t, m.Close())
	_, err = (&MemorySink{Closed: true}).Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}
