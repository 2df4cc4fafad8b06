package authz

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgoerzen/nfs-user-server/internal/exports"
)

func TestAuthorizeGrantsMatchingMount(t *testing.T) {
	db := exports.New(nil)
	db.AddLiteral("10.0.0.5", []exports.Mount{{Path: "/srv/data"}})
	a := New(db)

	req, err := a.Authorize(net.ParseIP("10.0.0.5"), 2000, "/srv/data/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "/srv/data", req.Mount.Path)
}

func TestAuthorizeDeniesUnknownClient(t *testing.T) {
	db := exports.New(nil)
	a := New(db)

	_, err := a.Authorize(net.ParseIP("203.0.113.1"), 2000, "/srv/data")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestAuthorizeDeniesUncoveredPath(t *testing.T) {
	db := exports.New(nil)
	db.AddLiteral("10.0.0.5", []exports.Mount{{Path: "/srv/data"}})
	a := New(db)

	_, err := a.Authorize(net.ParseIP("10.0.0.5"), 2000, "/other/path")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestAuthorizeEnforcesSecurePort(t *testing.T) {
	db := exports.New(nil)
	db.AddLiteral("10.0.0.5", []exports.Mount{{Path: "/srv/data", Opts: exports.Options{SecurePort: true}}})
	a := New(db)

	_, err := a.Authorize(net.ParseIP("10.0.0.5"), 2000, "/srv/data")
	assert.ErrorIs(t, err, ErrAccessDenied)

	req, err := a.Authorize(net.ParseIP("10.0.0.5"), 900, "/srv/data")
	require.NoError(t, err)
	assert.NotNil(t, req)
}

func TestAuthorizeGlobalSecurePortOverride(t *testing.T) {
	db := exports.New(nil)
	db.AddLiteral("10.0.0.5", []exports.Mount{{Path: "/srv/data", Opts: exports.Options{SecurePort: true}}})
	a := New(db)
	a.GlobalSecurePortOverride = true

	_, err := a.Authorize(net.ParseIP("10.0.0.5"), 2000, "/srv/data")
	assert.NoError(t, err)
}

func TestAuthorizeDeniesNoAccess(t *testing.T) {
	db := exports.New(nil)
	db.AddLiteral("10.0.0.5", []exports.Mount{{Path: "/srv/data", Opts: exports.Options{NoAccess: true}}})
	a := New(db)

	_, err := a.Authorize(net.ParseIP("10.0.0.5"), 2000, "/srv/data")
	assert.ErrorIs(t, err, ErrAccessDenied)
}
