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

func TestPublicLookupResolvesMultiComponentURLEscapedPath(t *testing.T) {
	srv, root, _ := newTestServer(t)
	srv.PublicRoot = root

	sub := filepath.Join(root, "a dir", "b.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(sub), 0755))
	require.NoError(t, os.WriteFile(sub, []byte("x"), 0644))

	res, err := srv.Lookup(testCtx(), &xdrwire.DirOpArgs{
		Dir:  publicFH,
		Name: "a%20dir/b.txt",
	})
	require.NoError(t, err)
	lr := res.(xdrwire.DirOpRes)
	assert.Equal(t, uint32(nfserr.OK), lr.Status)
	assert.Equal(t, uint32(xdrwire.NFReg), lr.Attrs.Type)
}

func TestOrdinaryLookupWorksWithoutPublicRoot(t *testing.T) {
	srv, root, rootWire := newTestServer(t)
	require.Equal(t, "", srv.PublicRoot)
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("x"), 0644))

	res, err := srv.Lookup(testCtx(), &xdrwire.DirOpArgs{Dir: rootWire, Name: "hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, uint32(nfserr.OK), res.(xdrwire.DirOpRes).Status)
}
