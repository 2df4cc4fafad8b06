//go:build linux

package fhcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgoerzen/nfs-user-server/internal/handle"
	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/psi"
)

// newTestCache builds a Cache using the plain bit-mangling encoder, so
// tests don't depend on a devtab.Table fixture.
func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(psi.Mangle{}, 32, 8)
	require.NoError(t, err)
	return c
}

func testCacheCRUD(t *testing.T, c *Cache, dirH handle.Handle, dirEntry *Entry, name string) {
	t.Helper()

	h, e, err := c.Compose(dirH, dirEntry, name)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dirEntry.Path, name), e.Path)

	// Resolve it back through Find (still resident).
	found, err := c.Find(h, MustExist)
	require.NoError(t, err)
	assert.Equal(t, e.Path, found.Path)

	// Evict it, then resolve via the rebuild path.
	c.evict(h.PSI)
	found, err = c.Find(h, MustExist)
	require.NoError(t, err)
	assert.Equal(t, e.Path, found.Path)

	// Removing the underlying file and evicting should make it stale.
	require.NoError(t, os.Remove(e.Path))
	c.evict(h.PSI)
	_, err = c.Find(h, MustExist)
	assert.ErrorIs(t, err, nfserr.ErrStale)
}

func TestCacheCRUD(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t)

	rootH, rootE, err := c.Create(dir)
	require.NoError(t, err)
	require.Equal(t, dir, rootE.Path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), []byte("x"), 0o644))
	testCacheCRUD(t, c, rootH, rootE, "file")
}

func TestCacheDotAndDotDot(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	c := newTestCache(t)
	rootH, rootE, err := c.Create(dir)
	require.NoError(t, err)

	subH, subE, err := c.Compose(rootH, rootE, "sub")
	require.NoError(t, err)
	assert.Equal(t, sub, subE.Path)

	sameH, sameE, err := c.Compose(subH, subE, ".")
	require.NoError(t, err)
	assert.Equal(t, subH, sameH)
	assert.Equal(t, subE, sameE)

	upH, upE, err := c.Compose(subH, subE, "..")
	require.NoError(t, err)
	assert.Equal(t, rootH.PSI, upH.PSI)
	assert.Equal(t, dir, upE.Path)
}

func TestCacheComposeRejectsSlash(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t)
	rootH, rootE, err := c.Create(dir)
	require.NoError(t, err)

	_, _, err = c.Compose(rootH, rootE, "a/b")
	assert.Error(t, err)
}

// testCacheThrashDifferent exercises concurrent Compose/Find/evict on
// distinct files, the way rclone's cache_test.go thrashes distinct
// handles in parallel.
func testCacheThrashDifferent(t *testing.T, c *Cache, dir string, rootH handle.Handle, rootE *Entry) {
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("file-%d", i)
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
			testCacheCRUD(t, c, rootH, rootE, name)
		}(i)
	}
	wg.Wait()
}

func TestCacheThrashDifferent(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t)
	rootH, rootE, err := c.Create(dir)
	require.NoError(t, err)
	testCacheThrashDifferent(t, c, dir, rootH, rootE)
}

func TestCacheFlushClosesIdleDescriptors(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	c := newTestCache(t)
	rootH, rootE, err := c.Create(dir)
	require.NoError(t, err)
	_, e, err := c.Compose(rootH, rootE, "file")
	require.NoError(t, err)

	fd, err := c.FD(e, 0, os.O_RDONLY)
	require.NoError(t, err)
	assert.True(t, fd >= 0)
	assert.True(t, e.HasFD())

	c.Flush(true)
	assert.False(t, e.HasFD())
}

func TestFDReuseSameUIDAndMode(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	c := newTestCache(t)
	rootH, rootE, err := c.Create(dir)
	require.NoError(t, err)
	_, e, err := c.Compose(rootH, rootE, "file")
	require.NoError(t, err)

	fd1, err := c.FD(e, 100, os.O_RDONLY)
	require.NoError(t, err)
	fd2, err := c.FD(e, 100, os.O_RDONLY)
	require.NoError(t, err)
	assert.Equal(t, fd1, fd2, "same uid/mode should reuse the cached descriptor")
}

func TestFDReopensOnUIDMismatch(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	c := newTestCache(t)
	rootH, rootE, err := c.Create(dir)
	require.NoError(t, err)
	_, e, err := c.Compose(rootH, rootE, "file")
	require.NoError(t, err)

	fd1, err := c.FD(e, 100, os.O_RDONLY)
	require.NoError(t, err)
	fd2, err := c.FD(e, 200, os.O_RDONLY)
	require.NoError(t, err)
	assert.NotEqual(t, fd1, fd2, "a different uid must force a fresh descriptor")
}

// rebuildDFS and rebuildIterative must agree on every path, since only
// one is wired active at a time (spec §9 Open Question ii) but both
// must behave identically against adversarial directory layouts.
func TestRebuildStrategiesAgree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b", "c"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "c", "leaf"), []byte("x"), 0o644))
	// Siblings under a/ to stress hash-byte collisions across a wide
	// fanout, forcing both rebuild algorithms to backtrack.
	for i := range 20 {
		require.NoError(t, os.Mkdir(filepath.Join(dir, "a", fmt.Sprintf("sibling-%d", i)), 0o755))
	}

	c := newTestCache(t)
	rootH, rootE, err := c.Create(dir)
	require.NoError(t, err)
	aH, aE, err := c.Compose(rootH, rootE, "a")
	require.NoError(t, err)
	bH, bE, err := c.Compose(aH, aE, "b")
	require.NoError(t, err)
	leafH, leafE, err := c.Compose(bH, bE, "c")
	require.NoError(t, err)
	_ = leafE

	pDFS, errDFS := rebuildDFS(leafH, c.Encoder)
	pIter, errIter := rebuildIterative(leafH, c.Encoder)
	require.NoError(t, errDFS)
	require.NoError(t, errIter)
	assert.Equal(t, filepath.Join(dir, "a", "b", "c"), pDFS)
	assert.Equal(t, pDFS, pIter)
}
