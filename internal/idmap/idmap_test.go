package idmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdentityPassesThrough(t *testing.T) {
	m := New(Identity, Squash{}, nil)
	assert.Equal(t, uint32(1000), m.LocalUID(1000))
	assert.Equal(t, uint32(1000), m.RemoteUID(1000))
}

func TestStaticMapping(t *testing.T) {
	m := New(Static, Squash{AnonUID: 65534}, nil)
	m.SetStaticUID(500, 2000)

	assert.Equal(t, uint32(2000), m.LocalUID(500))
	assert.Equal(t, uint32(500), m.RemoteUID(2000))
}

func TestStaticMissReturnsAnon(t *testing.T) {
	m := New(Static, Squash{AnonUID: 65534}, nil)
	assert.Equal(t, uint32(65534), m.LocalUID(777))
}

func TestRootSquash(t *testing.T) {
	m := New(Static, Squash{RootSquash: true, AnonUID: 65534}, nil)
	assert.Equal(t, uint32(65534), m.LocalUID(0))
	assert.Equal(t, uint32(1000), m.LocalUID(1000))
}

func TestAllSquash(t *testing.T) {
	m := New(Static, Squash{AllSquash: true, AnonUID: 65534}, nil)
	assert.Equal(t, uint32(65534), m.LocalUID(1000))
	assert.Equal(t, uint32(65534), m.LocalUID(0))
}

type fakeExternal struct {
	r2l map[uint32]uint32
}

func (f *fakeExternal) RemoteToLocalUID(remote uint32) (uint32, bool) {
	v, ok := f.r2l[remote]
	return v, ok
}
func (f *fakeExternal) LocalToRemoteUID(uint32) (uint32, bool)  { return 0, false }
func (f *fakeExternal) RemoteToLocalGID(remote uint32) (uint32, bool) {
	v, ok := f.r2l[remote]
	return v, ok
}
func (f *fakeExternal) LocalToRemoteGID(uint32) (uint32, bool) { return 0, false }

func TestDaemonModeCachesResult(t *testing.T) {
	ext := &fakeExternal{r2l: map[uint32]uint32{42: 9001}}
	m := New(Daemon, Squash{}, ext)

	assert.Equal(t, uint32(9001), m.LocalUID(42))

	// Remove the backing mapping; the cached entry should still serve it.
	delete(ext.r2l, 42)
	assert.Equal(t, uint32(9001), m.LocalUID(42))
}

func TestDaemonModeMissFallsBackToAnon(t *testing.T) {
	ext := &fakeExternal{r2l: map[uint32]uint32{}}
	m := New(Daemon, Squash{AnonUID: 65534}, ext)
	assert.Equal(t, uint32(65534), m.LocalUID(123))
}

func TestTruncate16(t *testing.T) {
	m := New(Static, Squash{Truncate16: true}, nil)
	m.SetStaticUID(1, 0x1FFFF)
	assert.Equal(t, uint32(0xFFFF), m.LocalUID(1))
}

func TestTrieNeverWrittenReturnsMiss(t *testing.T) {
	var tr radixTrie
	assert.Nil(t, tr.get(123456, time.Now()))
}
