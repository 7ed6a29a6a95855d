package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBlocklist(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	return path
}

func Test_StoreLoad(t *testing.T) {
	dir := t.TempDir()
	writeBlocklist(t, dir, "alice", "ads.example.com\ntracker.example.net\n")
	writeBlocklist(t, dir, "bob.list", "ads.example.com\n")

	store := NewStore(dir)
	require.NoError(t, store.Load())

	assert.Equal(t, 2, store.UserCount())

	assert.True(t, store.Blocked("alice", "ads.example.com"))
	assert.True(t, store.Blocked("alice", "ADS.EXAMPLE.COM"))
	assert.False(t, store.Blocked("alice", "other.com"))

	// filename stem before the first dot is the user id
	assert.True(t, store.Blocked("bob", "ads.example.com"))

	// unknown user is never blocked
	assert.False(t, store.Blocked("carol", "ads.example.com"))
}

func Test_StoreReload(t *testing.T) {
	dir := t.TempDir()
	path := writeBlocklist(t, dir, "alice", "ads.example.com\n")

	store := NewStore(dir)
	require.NoError(t, store.Load())
	assert.True(t, store.Blocked("alice", "ads.example.com"))

	writeBlocklist(t, dir, "alice", "other.example.com\n")
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.NoError(t, store.Load())

	assert.False(t, store.Blocked("alice", "ads.example.com"))
	assert.True(t, store.Blocked("alice", "other.example.com"))
}

func Test_StoreReloadUnchangedSkipped(t *testing.T) {
	dir := t.TempDir()
	path := writeBlocklist(t, dir, "alice", "ads.example.com\n")

	info, err := os.Stat(path)
	require.NoError(t, err)

	store := NewStore(dir)
	require.NoError(t, store.Load())

	// rewrite the content but restore the mtime, the file must be skipped
	writeBlocklist(t, dir, "alice", "other.example.com\n")
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))

	require.NoError(t, store.Load())

	assert.True(t, store.Blocked("alice", "ads.example.com"))
	assert.False(t, store.Blocked("alice", "other.example.com"))
}

func Test_StoreRemovedFileKept(t *testing.T) {
	dir := t.TempDir()
	path := writeBlocklist(t, dir, "alice", "ads.example.com\n")

	store := NewStore(dir)
	require.NoError(t, store.Load())

	require.NoError(t, os.Remove(path))
	require.NoError(t, store.Load())

	// entries from removed files are not purged
	assert.True(t, store.Blocked("alice", "ads.example.com"))
}

func Test_StoreConcurrentReaders(t *testing.T) {
	dir := t.TempDir()
	path := writeBlocklist(t, dir, "alice", "ads.example.com\n")

	store := NewStore(dir)
	require.NoError(t, store.Load())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			store.Blocked("alice", "ads.example.com")
		}
	}()

	for i := 0; i < 10; i++ {
		future := time.Now().Add(time.Duration(i+1) * time.Second)
		require.NoError(t, os.Chtimes(path, future, future))
		require.NoError(t, store.Load())
	}

	<-done
}
