//go:build linux

package creds

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameGids(t *testing.T) {
	assert.True(t, sameGids([]uint32{1, 2}, []uint32{1, 2}))
	assert.False(t, sameGids([]uint32{1, 2}, []uint32{2, 1}))
	assert.False(t, sameGids([]uint32{1}, []uint32{1, 2}))
}

func TestToInts(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, toInts([]uint32{1, 2, 3}))
}

// Assume actually calls setfsuid/setfsgid/setgroups, which requires
// root to have any effect (and setgroups always requires root). Skip
// unless the test process is already privileged.
func TestAssumeSwitchesIdentity(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root to exercise setfsuid/setfsgid/setgroups")
	}
	s := New()
	require.NoError(t, s.Assume(1000, 1000, []uint32{1000}))
	assert.EqualValues(t, 1000, s.uid)
	assert.EqualValues(t, 1000, s.gid)
}

func TestOverrideRestoresPriorIdentity(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root to exercise setfsuid/setfsgid/setgroups")
	}
	s := New()
	require.NoError(t, s.Assume(1000, 1000, nil))

	restore, err := s.Override(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, s.uid)

	restore()
	assert.EqualValues(t, 1000, s.uid)
}
