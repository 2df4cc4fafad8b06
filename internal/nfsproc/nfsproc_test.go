//go:build linux

package nfsproc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jgoerzen/nfs-user-server/internal/authz"
	"github.com/jgoerzen/nfs-user-server/internal/creds"
	"github.com/jgoerzen/nfs-user-server/internal/exports"
	"github.com/jgoerzen/nfs-user-server/internal/fhcache"
	"github.com/jgoerzen/nfs-user-server/internal/handle"
	"github.com/jgoerzen/nfs-user-server/internal/psi"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// newTestServer builds a Server rooted at a fresh temp directory,
// exported read-write to everyone with identity passthrough, so
// handler tests don't need a real client address or uid/gid mapping.
func newTestServer(t *testing.T) (*Server, string, xdrwire.FHandle) {
	t.Helper()
	root := t.TempDir()

	cache, err := fhcache.New(psi.Mangle{}, 64, 16)
	require.NoError(t, err)

	db := exports.New(nil)
	db.SetDefault([]exports.Mount{{Path: root, Opts: exports.Options{}}})

	srv := &Server{
		Cache: cache,
		Authz: authz.New(db),
		Creds: &creds.Switch{HasSetFSUID: false},
	}

	rootHandle, _, err := cache.Create(root)
	require.NoError(t, err)
	wire, err := wireHandle(rootHandle)
	require.NoError(t, err)
	return srv, root, wire
}

func testCtx() *CallContext {
	return &CallContext{RemoteAddr: net.ParseIP("10.0.0.5"), SourcePort: 700}
}

func mustHandle(t *testing.T, wire xdrwire.FHandle) handle.Handle {
	t.Helper()
	h, err := handle.Unmarshal(wire[:])
	require.NoError(t, err)
	return h
}
