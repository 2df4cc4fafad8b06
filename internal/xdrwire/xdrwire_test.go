package xdrwire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNFSStatEncodesStatusOnly(t *testing.T) {
	b, err := NFSStat{Status: 2}.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 2}, b)
}

func TestAttrStatOmitsPayloadOnError(t *testing.T) {
	b, err := AttrStat{Status: 2, Attrs: FAttr{Mode: 0o755}}.Encode()
	require.NoError(t, err)
	assert.Len(t, b, 4)
}

func TestAttrStatEncodesFAttrOnSuccess(t *testing.T) {
	a := FAttr{Type: NFReg, Mode: 0o644, Nlink: 1, UID: 1000, GID: 1000, Size: 512}
	b, err := AttrStat{Status: 0, Attrs: a}.Encode()
	require.NoError(t, err)
	// status(4) + 11 uint32 fields + 3 timevals of 2 uint32 each = 4 + 44 + 24
	assert.Len(t, b, 4+11*4+6*4)
	assert.Equal(t, uint32(NFReg), binary.BigEndian.Uint32(b[4:8]))
}

func TestDirOpResEncodesHandleAndAttrs(t *testing.T) {
	var fh FHandle
	fh[0] = 0xAB
	r := DirOpRes{Status: 0, FH: fh, Attrs: FAttr{Type: NFDir}}
	b, err := r.Encode()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), b[4])
	assert.Len(t, b, 4+FHSize+17*4)
}

func TestReadLinkResPadsStringToFourByteBoundary(t *testing.T) {
	b, err := ReadLinkRes{Status: 0, Path: "abc"}.Encode()
	require.NoError(t, err)
	// status(4) + len(4) + "abc"(3) + 1 pad byte = 12
	assert.Len(t, b, 12)
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(b[4:8]))
}

func TestReadDirResTerminatesEntryListAndReportsEOF(t *testing.T) {
	r := ReadDirRes{
		Status:  0,
		Entries: []ReadDirEntry{{FileID: 5, Name: "a", Cookie: 1}},
		EOF:     true,
	}
	b, err := r.Encode()
	require.NoError(t, err)
	// status + (true + fileid + (len+"a"+pad3) + cookie) + false + true
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(b[0:4]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(b[4:8])) // "next" bool
	last8 := b[len(b)-8:]
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(last8[0:4])) // no more entries
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(last8[4:8])) // eof
}

func TestMountListResTerminatesWithFalse(t *testing.T) {
	r := MountListRes{Entries: []MountEntry{{Hostname: "h", Directory: "/x"}}}
	b, err := r.Encode()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(b[0:4]))
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(b[len(b)-4:]))
}

func TestFHStatusOmitsHandleOnError(t *testing.T) {
	b, err := FHStatus{Status: MountErrNoEnt}.Encode()
	require.NoError(t, err)
	assert.Len(t, b, 4)
}

func TestDecodeDirPathArgs(t *testing.T) {
	// "abc" padded to 4 bytes, with its 4-byte length prefix.
	wire := []byte{0, 0, 0, 3, 'a', 'b', 'c', 0}
	var args DirPathArgs
	require.NoError(t, Decode(wire, &args))
	assert.Equal(t, "abc", args.DirPath)
}
