//go:build linux

package nfsproc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

func TestGetAttrReportsDirectoryType(t *testing.T) {
	srv, _, rootWire := newTestServer(t)
	res, err := srv.GetAttr(testCtx(), &xdrwire.FHandleArgs{FH: rootWire})
	require.NoError(t, err)
	as := res.(xdrwire.AttrStat)
	assert.Equal(t, uint32(nfserr.OK), as.Status)
	assert.Equal(t, uint32(xdrwire.NFDir), as.Attrs.Type)
}

func TestCreateThenLookupRoundTrips(t *testing.T) {
	srv, root, rootWire := newTestServer(t)
	createRes, err := srv.Create(testCtx(), &xdrwire.CreateArgs{
		Where: xdrwire.DirOpArgs{Dir: rootWire, Name: "hello.txt"},
		Attrs: xdrwire.SAttr{Mode: xdrwire.NoChange32, UID: xdrwire.NoChange32, GID: xdrwire.NoChange32, Size: xdrwire.NoChange32},
	})
	require.NoError(t, err)
	cr := createRes.(xdrwire.DirOpRes)
	require.Equal(t, uint32(nfserr.OK), cr.Status)
	assert.Equal(t, uint32(xdrwire.NFReg), cr.Attrs.Type)
	_, err = os.Stat(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)

	lookupRes, err := srv.Lookup(testCtx(), &xdrwire.DirOpArgs{Dir: rootWire, Name: "hello.txt"})
	require.NoError(t, err)
	lr := lookupRes.(xdrwire.DirOpRes)
	assert.Equal(t, uint32(nfserr.OK), lr.Status)
	assert.Equal(t, cr.FH, lr.FH)
}

func TestCreateCharmodeSentinelMakesFIFO(t *testing.T) {
	srv, root, rootWire := newTestServer(t)
	res, err := srv.Create(testCtx(), &xdrwire.CreateArgs{
		Where: xdrwire.DirOpArgs{Dir: rootWire, Name: "fifo"},
		Attrs: xdrwire.SAttr{Mode: xdrwire.NoChange32, UID: xdrwire.NoChange16, GID: xdrwire.NoChange16, Size: xdrwire.NoChange32},
	})
	require.NoError(t, err)
	cr := res.(xdrwire.DirOpRes)
	require.Equal(t, uint32(nfserr.OK), cr.Status)
	assert.Equal(t, uint32(xdrwire.NFFifo), cr.Attrs.Type)
	fi, err := os.Lstat(filepath.Join(root, "fifo"))
	require.NoError(t, err)
	assert.True(t, fi.Mode()&os.ModeNamedPipe != 0)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	srv, _, rootWire := newTestServer(t)
	createRes, err := srv.Create(testCtx(), &xdrwire.CreateArgs{
		Where: xdrwire.DirOpArgs{Dir: rootWire, Name: "data"},
		Attrs: xdrwire.SAttr{Mode: xdrwire.NoChange32, UID: xdrwire.NoChange32, GID: xdrwire.NoChange32, Size: xdrwire.NoChange32},
	})
	require.NoError(t, err)
	fh := createRes.(xdrwire.DirOpRes).FH

	payload := []byte("hello nfs")
	wres, err := srv.Write(testCtx(), &xdrwire.WriteArgs{FH: fh, Offset: 0, Data: payload})
	require.NoError(t, err)
	assert.Equal(t, uint32(nfserr.OK), wres.(xdrwire.AttrStat).Status)

	rres, err := srv.Read(testCtx(), &xdrwire.ReadArgs{FH: fh, Offset: 0, Count: 1024})
	require.NoError(t, err)
	rr := rres.(xdrwire.ReadRes)
	assert.Equal(t, uint32(nfserr.OK), rr.Status)
	assert.Equal(t, payload, rr.Data)
}

func TestRemoveEvictsCacheEntry(t *testing.T) {
	srv, root, rootWire := newTestServer(t)
	createRes, err := srv.Create(testCtx(), &xdrwire.CreateArgs{
		Where: xdrwire.DirOpArgs{Dir: rootWire, Name: "gone.txt"},
		Attrs: xdrwire.SAttr{Mode: xdrwire.NoChange32, UID: xdrwire.NoChange32, GID: xdrwire.NoChange32, Size: xdrwire.NoChange32},
	})
	require.NoError(t, err)
	_ = createRes

	rres, err := srv.Remove(testCtx(), &xdrwire.DirOpArgs{Dir: rootWire, Name: "gone.txt"})
	require.NoError(t, err)
	assert.Equal(t, uint32(nfserr.OK), rres.(xdrwire.NFSStat).Status)
	_, statErr := os.Stat(filepath.Join(root, "gone.txt"))
	assert.True(t, os.IsNotExist(statErr))

	lookupRes, err := srv.Lookup(testCtx(), &xdrwire.DirOpArgs{Dir: rootWire, Name: "gone.txt"})
	require.NoError(t, err)
	assert.Equal(t, uint32(nfserr.NoEnt), lookupRes.(xdrwire.DirOpRes).Status)
}

func TestMkdirRmdir(t *testing.T) {
	srv, root, rootWire := newTestServer(t)
	res, err := srv.Mkdir(testCtx(), &xdrwire.CreateArgs{
		Where: xdrwire.DirOpArgs{Dir: rootWire, Name: "sub"},
		Attrs: xdrwire.SAttr{Mode: xdrwire.NoChange32, UID: xdrwire.NoChange32, GID: xdrwire.NoChange32, Size: xdrwire.NoChange32},
	})
	require.NoError(t, err)
	dr := res.(xdrwire.DirOpRes)
	require.Equal(t, uint32(nfserr.OK), dr.Status)
	assert.Equal(t, uint32(xdrwire.NFDir), dr.Attrs.Type)

	rmres, err := srv.Rmdir(testCtx(), &xdrwire.DirOpArgs{Dir: rootWire, Name: "sub"})
	require.NoError(t, err)
	assert.Equal(t, uint32(nfserr.OK), rmres.(xdrwire.NFSStat).Status)
	_, statErr := os.Stat(filepath.Join(root, "sub"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMkdirInheritsSetgidFromParent(t *testing.T) {
	srv, root, rootWire := newTestServer(t)
	require.NoError(t, os.Chmod(root, 0775|os.ModeSetgid))

	res, err := srv.Mkdir(testCtx(), &xdrwire.CreateArgs{
		Where: xdrwire.DirOpArgs{Dir: rootWire, Name: "sgiddir"},
		Attrs: xdrwire.SAttr{Mode: xdrwire.NoChange32, UID: xdrwire.NoChange32, GID: xdrwire.NoChange32, Size: xdrwire.NoChange32},
	})
	require.NoError(t, err)
	require.Equal(t, uint32(nfserr.OK), res.(xdrwire.DirOpRes).Status)

	fi, err := os.Stat(filepath.Join(root, "sgiddir"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSetgid)
}

func TestReadDirListsDotEntriesOnlyAtCookieZero(t *testing.T) {
	srv, root, rootWire := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))

	res, err := srv.ReadDir(testCtx(), &xdrwire.ReadDirArgs{Dir: rootWire, Cookie: 0, Count: 4096})
	require.NoError(t, err)
	rd := res.(xdrwire.ReadDirRes)
	require.Equal(t, uint32(nfserr.OK), rd.Status)
	require.True(t, rd.EOF)

	var names []string
	for _, e := range rd.Entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, ".")
	assert.Contains(t, names, "..")
	assert.Contains(t, names, "a.txt")
	assert.Equal(t, rd.Entries[0].FileID, rd.Entries[1].FileID, "at an export root, .. reports the directory's own fileid")
}

func TestStatFSReportsBlockCounts(t *testing.T) {
	srv, _, rootWire := newTestServer(t)
	res, err := srv.StatFS(testCtx(), &xdrwire.FHandleArgs{FH: rootWire})
	require.NoError(t, err)
	sf := res.(xdrwire.StatFSRes)
	assert.Equal(t, uint32(nfserr.OK), sf.Status)
	assert.Equal(t, uint32(8192), sf.Tsize)
	assert.Equal(t, uint32(512), sf.Bsize)
}

func TestNullReturnsVoid(t *testing.T) {
	srv, _, _ := newTestServer(t)
	res, err := srv.Null(testCtx(), nil)
	require.NoError(t, err)
	b, err := res.Encode()
	require.NoError(t, err)
	assert.Empty(t, b)
}
