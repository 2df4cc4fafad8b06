package exports

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiteralAddressMatch(t *testing.T) {
	db := New(nil)
	db.AddLiteral("10.0.0.5", []Mount{{Path: "/srv/data"}})

	c, err := db.Resolve(net.ParseIP("10.0.0.5"))
	require.NoError(t, err)
	require.Len(t, c.Mounts, 1)
	assert.Equal(t, "/srv/data", c.Mounts[0].Path)
}

func TestNetmaskMatch(t *testing.T) {
	db := New(nil)
	_, mask, err := net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, err)
	db.AddNetmask(net.ParseIP("10.0.0.0"), mask.Mask, []Mount{{Path: "/srv/lan"}})

	c, err := db.Resolve(net.ParseIP("10.0.0.42"))
	require.NoError(t, err)
	require.Len(t, c.Mounts, 1)
	assert.Equal(t, "/srv/lan", c.Mounts[0].Path)

	_, err = db.Resolve(net.ParseIP("10.0.1.42"))
	assert.Error(t, err)
}

func TestAnonymousFallback(t *testing.T) {
	db := New(nil)
	db.SetAnonymous([]Mount{{Path: "/srv/public"}})

	c, err := db.Resolve(net.ParseIP("203.0.113.1"))
	require.NoError(t, err)
	require.Len(t, c.Mounts, 1)
	assert.Equal(t, "/srv/public", c.Mounts[0].Path)
}

func TestNoMatchReturnsError(t *testing.T) {
	db := New(nil)
	_, err := db.Resolve(net.ParseIP("203.0.113.1"))
	var noClient *ErrNoClient
	assert.ErrorAs(t, err, &noClient)
}

func TestHostmatchWildcard(t *testing.T) {
	assert.True(t, hostmatch("foo.lab.corp", "*.lab.corp"))
	assert.True(t, hostmatch("foo.lab.corp", "*.LAB.CORP"))
	assert.False(t, hostmatch("foo.other.corp", "*.lab.corp"))
	assert.True(t, hostmatch("a.corp", "?.corp"))
	assert.False(t, hostmatch("ab.corp", "?.corp"))
}

func TestWildcardSortedByDescendingLength(t *testing.T) {
	db := New(nil)
	db.AddWildcard("*.corp", []Mount{{Path: "/srv/general"}})
	db.AddWildcard("*.lab.corp", []Mount{{Path: "/srv/lab"}})

	assert.Equal(t, "*.lab.corp", db.wildcard[0].name)
	assert.Equal(t, "*.corp", db.wildcard[1].name)
}

func TestMountForPrefixMatch(t *testing.T) {
	c := &Client{Mounts: []Mount{{Path: "/srv"}, {Path: "/srv/data"}}}
	sortMounts(c.Mounts)

	m, ok := c.MountFor("/srv/data/file.txt")
	require.True(t, ok)
	assert.Equal(t, "/srv/data", m.Path)

	_, ok = c.MountFor("/srvish/x")
	assert.False(t, ok)
}

func TestAddrCacheServesRepeatLookups(t *testing.T) {
	db := New(nil)
	db.AddLiteral("10.0.0.5", []Mount{{Path: "/srv/data"}})

	addr := net.ParseIP("10.0.0.5")
	c1, err := db.Resolve(addr)
	require.NoError(t, err)
	c2, err := db.Resolve(addr)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}
