package rmtab

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndList(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "rmtab"))
	require.NoError(t, l.Add("client-b", "/srv/data"))
	require.NoError(t, l.Add("client-a", "/srv/data"))
	require.NoError(t, l.Add("client-a", "/srv/home"))

	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Sorted by (host, path).
	assert.Equal(t, Entry{"client-a", "/srv/data"}, entries[0])
	assert.Equal(t, Entry{"client-a", "/srv/home"}, entries[1])
	assert.Equal(t, Entry{"client-b", "/srv/data"}, entries[2])
}

func TestAddIsIdempotent(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "rmtab"))
	require.NoError(t, l.Add("client-a", "/srv/data"))
	require.NoError(t, l.Add("client-a", "/srv/data"))

	entries, err := l.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRemove(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "rmtab"))
	require.NoError(t, l.Add("client-a", "/srv/data"))
	require.NoError(t, l.Add("client-a", "/srv/home"))
	require.NoError(t, l.Remove("client-a", "/srv/data"))

	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/srv/home", entries[0].Path)
}

func TestRemoveHost(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "rmtab"))
	require.NoError(t, l.Add("client-a", "/srv/data"))
	require.NoError(t, l.Add("client-a", "/srv/home"))
	require.NoError(t, l.Add("client-b", "/srv/data"))
	require.NoError(t, l.RemoveHost("client-a"))

	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "client-b", entries[0].Host)
}

func TestOverlongLineSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rmtab")
	longLine := "client-a:" + strings.Repeat("x", 300)
	require.NoError(t, os.WriteFile(path, []byte(longLine+"\nclient-b:/srv/ok\n"), 0o644))

	l := New(path)
	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "client-b", entries[0].Host)
}

func TestReloadsOnExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rmtab")
	l := New(path)
	require.NoError(t, l.Add("client-a", "/srv/data"))

	// Simulate an external editor touching the file with a later mtime.
	require.NoError(t, os.WriteFile(path, []byte("client-z:/srv/other\n"), 0o644))
	newer := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, newer, newer))

	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "client-z", entries[0].Host)
}
