// Package handle models the on-wire NFS v2 file handle (spec §3
// "Handle (fixed 32 bytes)") as a typed in-memory record, per the
// design note "Opaque fixed-size handle -> tagged record": the wire
// format is only materialized at the edges (Marshal/Unmarshal), and
// every other component works with the Handle struct directly.
package handle

import (
	"fmt"

	"github.com/jgoerzen/nfs-user-server/internal/psi"
)

// Size is the fixed NFS v2 file handle size in bytes (FHSIZE).
const Size = 32

// MaxDepth is the maximum number of ancestor directories a hash path
// can record: Size minus the 4-byte psi and the 1-byte length prefix.
const MaxDepth = Size - 4 - 1

// Handle is the decoded form of a 32-byte NFS file handle: a
// pseudo-inode plus the "hash path" of single-byte hashes of every
// ancestor directory's pseudo-inode, used to rebuild a path when the
// cache has no live entry for it (spec §3).
type Handle struct {
	PSI    psi.PSI
	Hashes []byte // len() == Depth, each a psi.HashByte of an ancestor
}

// Depth returns the number of ancestor hashes recorded.
func (h Handle) Depth() int { return len(h.Hashes) }

// Marshal encodes h into the fixed 32-byte wire representation:
// 4 bytes psi, 1 length byte, up to 27 hash bytes, zero-padded.
func (h Handle) Marshal() ([Size]byte, error) {
	var out [Size]byte
	if len(h.Hashes) > MaxDepth {
		return out, fmt.Errorf("handle: hash path depth %d exceeds max %d", len(h.Hashes), MaxDepth)
	}
	out[0] = byte(h.PSI >> 24)
	out[1] = byte(h.PSI >> 16)
	out[2] = byte(h.PSI >> 8)
	out[3] = byte(h.PSI)
	out[4] = byte(len(h.Hashes))
	copy(out[5:], h.Hashes)
	return out, nil
}

// Unmarshal decodes a 32-byte wire handle. It validates the length
// byte against MaxDepth but does not otherwise check consistency
// (that's the cache/rebuilder's job, which may return ErrStale).
func Unmarshal(wire []byte) (Handle, error) {
	if len(wire) != Size {
		return Handle{}, fmt.Errorf("handle: wire size %d != %d", len(wire), Size)
	}
	p := psi.PSI(uint32(wire[0])<<24 | uint32(wire[1])<<16 | uint32(wire[2])<<8 | uint32(wire[3]))
	n := int(wire[4])
	if n > MaxDepth {
		return Handle{}, fmt.Errorf("handle: %w", ErrNameTooLong)
	}
	hashes := make([]byte, n)
	copy(hashes, wire[5:5+n])
	return Handle{PSI: p, Hashes: hashes}, nil
}

// ErrNameTooLong is returned when a hash path would need more than
// MaxDepth (27) ancestors, per spec §8 "Boundaries": "A hash-path of
// maximum depth (27) must succeed; depth 28 must be rejected
// nametoolong."
var ErrNameTooLong = fmt.Errorf("handle: hash path depth exceeds %d", MaxDepth)

// Child returns a new Handle for childPSI one level deeper than h,
// appending the hash of h's own psi (the child's parent directory) to
// the hash path. It returns ErrNameTooLong if h is already at MaxDepth.
func (h Handle) Child(childPSI psi.PSI) (Handle, error) {
	if len(h.Hashes) >= MaxDepth {
		return Handle{}, ErrNameTooLong
	}
	hashes := make([]byte, len(h.Hashes)+1)
	copy(hashes, h.Hashes)
	hashes[len(h.Hashes)] = psi.HashByte(h.PSI)
	return Handle{PSI: childPSI, Hashes: hashes}, nil
}
