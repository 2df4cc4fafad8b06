//go:build linux

package mountproto

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jgoerzen/nfs-user-server/internal/authz"
	"github.com/jgoerzen/nfs-user-server/internal/exports"
	"github.com/jgoerzen/nfs-user-server/internal/fhcache"
	"github.com/jgoerzen/nfs-user-server/internal/psi"
	"github.com/jgoerzen/nfs-user-server/internal/rmtab"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()

	cache, err := fhcache.New(psi.Mangle{}, 64, 16)
	require.NoError(t, err)

	db := exports.New(nil)
	db.SetDefault([]exports.Mount{{Path: root, Opts: exports.Options{}}})

	return &Server{
		Cache:   cache,
		Authz:   authz.New(db),
		Exports: db,
		RMTab:   rmtab.New(filepath.Join(t.TempDir(), "rmtab")),
	}, root
}

func testCtx() *CallContext {
	return &CallContext{RemoteAddr: net.ParseIP("10.0.0.5"), SourcePort: 700}
}

func TestMntGrantsHandleForExportedPath(t *testing.T) {
	srv, root := newTestServer(t)
	res, err := srv.Mnt(testCtx(), &xdrwire.DirPathArgs{DirPath: root})
	require.NoError(t, err)
	fs := res.(xdrwire.FHStatus)
	assert.Equal(t, xdrwire.MountOK, fs.Status)
	assert.NotEqual(t, xdrwire.FHandle{}, fs.FH)

	entries, err := srv.RMTab.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, root, entries[0].Path)
}

func TestMntDeniesPathOutsideAnyExport(t *testing.T) {
	srv, _ := newTestServer(t)
	outside := t.TempDir()
	res, err := srv.Mnt(testCtx(), &xdrwire.DirPathArgs{DirPath: outside})
	require.NoError(t, err)
	assert.Equal(t, xdrwire.MountErrAccess, res.(xdrwire.FHStatus).Status)
}

func TestMntRejectsNonDirNonRegular(t *testing.T) {
	srv, root := newTestServer(t)
	fifoPath := filepath.Join(root, "fifo")
	require.NoError(t, unix.Mkfifo(fifoPath, 0644))
	res, err := srv.Mnt(testCtx(), &xdrwire.DirPathArgs{DirPath: fifoPath})
	require.NoError(t, err)
	assert.Equal(t, xdrwire.MountErrNotDir, res.(xdrwire.FHStatus).Status)
}

func TestMountIsIdempotentInRemoteMountLog(t *testing.T) {
	srv, root := newTestServer(t)
	_, err := srv.Mnt(testCtx(), &xdrwire.DirPathArgs{DirPath: root})
	require.NoError(t, err)
	_, err = srv.Mnt(testCtx(), &xdrwire.DirPathArgs{DirPath: root})
	require.NoError(t, err)

	entries, err := srv.RMTab.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1, "two identical mounts leave one rmtab entry")
}

func TestUmntRemovesRemoteMountLogEntry(t *testing.T) {
	srv, root := newTestServer(t)
	_, err := srv.Mnt(testCtx(), &xdrwire.DirPathArgs{DirPath: root})
	require.NoError(t, err)

	_, err = srv.Umnt(testCtx(), &xdrwire.DirPathArgs{DirPath: root})
	require.NoError(t, err)

	entries, err := srv.RMTab.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUmntallClearsEveryMountForCaller(t *testing.T) {
	srv, root := newTestServer(t)
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))

	_, err := srv.Mnt(testCtx(), &xdrwire.DirPathArgs{DirPath: root})
	require.NoError(t, err)
	_, err = srv.Mnt(testCtx(), &xdrwire.DirPathArgs{DirPath: sub})
	require.NoError(t, err)

	_, err = srv.Umntall(testCtx(), nil)
	require.NoError(t, err)

	entries, err := srv.RMTab.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDumpListsActiveMounts(t *testing.T) {
	srv, root := newTestServer(t)
	_, err := srv.Mnt(testCtx(), &xdrwire.DirPathArgs{DirPath: root})
	require.NoError(t, err)

	res, err := srv.Dump(testCtx(), nil)
	require.NoError(t, err)
	list := res.(xdrwire.MountListRes)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, root, list.Entries[0].Directory)
}

func TestExportListsConfiguredDirectories(t *testing.T) {
	srv, root := newTestServer(t)
	res, err := srv.Export(testCtx(), nil)
	require.NoError(t, err)
	list := res.(xdrwire.ExportListRes)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, root, list.Entries[0].Directory)
}

func TestNullReturnsVoid(t *testing.T) {
	srv, _ := newTestServer(t)
	res, err := srv.Null(testCtx(), nil)
	require.NoError(t, err)
	b, err := res.Encode()
	require.NoError(t, err)
	assert.Empty(t, b)
}
