package idmap

import (
	"time"
)

// Mode selects how a client's ids are translated (spec §4.H
// "Resolution").
type Mode int

const (
	// Identity passes ids through unchanged.
	Identity Mode = iota
	// Static looks up a configured table; a miss maps to the
	// anonymous id.
	Static
	// Daemon calls the external ugidd sibling (spec §6) on a miss.
	Daemon
	// NIS calls NIS domain lookups (spec §3 SUPPLEMENTED FEATURES) on
	// a miss.
	NIS
)

// Expiry is how long a dynamically-resolved (daemon/NIS) mapping is
// cached before the external resolver is consulted again.
const Expiry = 300 * time.Second

// ExternalResolver abstracts the ugidd sibling protocol and NIS domain
// lookups (spec §6, §3): both are external collaborators this
// component calls into on a dynamic-mode cache miss.
type ExternalResolver interface {
	RemoteToLocalUID(remote uint32) (local uint32, ok bool)
	LocalToRemoteUID(local uint32) (remote uint32, ok bool)
	RemoteToLocalGID(remote uint32) (local uint32, ok bool)
	LocalToRemoteGID(local uint32) (remote uint32, ok bool)
}

// Squash configures root/all squashing, applied after mapping (spec
// §4.H "Squashes apply after mapping").
type Squash struct {
	RootSquash bool
	AllSquash  bool
	AnonUID    uint32
	AnonGID    uint32
	Truncate16 bool // wrap resulting id into 16 bits before the syscall boundary
}

// Map is one client mount's bidirectional id translator.
type Map struct {
	Mode     Mode
	Squash   Squash
	External ExternalResolver

	uidR2L, uidL2R radixTrie
	gidR2L, gidL2R radixTrie
}

// New returns an identity map in the given mode.
func New(mode Mode, squash Squash, ext ExternalResolver) *Map {
	return &Map{Mode: mode, Squash: squash, External: ext}
}

// SetStaticUID installs a permanent (never-expiring) uid mapping in
// both directions, for Mode == Static configuration.
func (m *Map) SetStaticUID(remote, local uint32) {
	m.uidR2L.set(remote, local, time.Time{})
	m.uidL2R.set(local, remote, time.Time{})
}

// SetStaticGID installs a permanent gid mapping in both directions.
func (m *Map) SetStaticGID(remote, local uint32) {
	m.gidR2L.set(remote, local, time.Time{})
	m.gidL2R.set(local, remote, time.Time{})
}

// SquashUIDRange installs a static squash-to-anonymous mapping for
// every remote uid in [lo, hi], mirroring ugid_squash_uids.
func (m *Map) SquashUIDRange(lo, hi uint32) {
	for id := lo; id <= hi; id++ {
		m.uidR2L.set(id, m.Squash.AnonUID, time.Time{})
		if id == hi {
			break // guard against hi == ^uint32(0) wraparound
		}
	}
}

// SquashGIDRange installs a static squash-to-anonymous mapping for
// every remote gid in [lo, hi].
func (m *Map) SquashGIDRange(lo, hi uint32) {
	for id := lo; id <= hi; id++ {
		m.gidR2L.set(id, m.Squash.AnonGID, time.Time{})
		if id == hi {
			break
		}
	}
}

// LocalUID implements local_uid(remote_uid): translate an incoming
// client uid to the server's local uid space, applying squash rules
// last.
func (m *Map) LocalUID(remote uint32) uint32 {
	local := m.resolve(&m.uidR2L, remote, m.Mode == Daemon || m.Mode == NIS, m.Squash.AnonUID,
		func() (uint32, bool) {
			if m.External == nil {
				return 0, false
			}
			return m.External.RemoteToLocalUID(remote)
		})
	return m.applyUIDSquash(local)
}

// RemoteUID implements remote_uid(local_uid): the reverse direction,
// used when reporting ownership back to the client (e.g. GETATTR).
func (m *Map) RemoteUID(local uint32) uint32 {
	return m.resolve(&m.uidL2R, local, m.Mode == Daemon || m.Mode == NIS, m.Squash.AnonUID,
		func() (uint32, bool) {
			if m.External == nil {
				return 0, false
			}
			return m.External.LocalToRemoteUID(local)
		})
}

// LocalGID implements local_gid(remote_gid).
func (m *Map) LocalGID(remote uint32) uint32 {
	local := m.resolve(&m.gidR2L, remote, m.Mode == Daemon || m.Mode == NIS, m.Squash.AnonGID,
		func() (uint32, bool) {
			if m.External == nil {
				return 0, false
			}
			return m.External.RemoteToLocalGID(remote)
		})
	return m.applyGIDSquash(local)
}

// RemoteGID implements remote_gid(local_gid).
func (m *Map) RemoteGID(local uint32) uint32 {
	return m.resolve(&m.gidL2R, local, m.Mode == Daemon || m.Mode == NIS, m.Squash.AnonGID,
		func() (uint32, bool) {
			if m.External == nil {
				return 0, false
			}
			return m.External.LocalToRemoteGID(local)
		})
}

// resolve implements the per-mode lookup in spec §4.H and §7: identity
// passes through; a static-table miss or a failed dynamic-resolver
// call both fall back to anon (ugid_map.c's ugid_find: "ent == 0 ->
// anonid" on a static miss, "rlookup fails -> ent->id = anonid" on a
// dynamic miss) -- identity-lookup failure is never fatal and never
// leaks the caller-supplied id through untranslated. Dynamic modes
// cache a successful lookup with Expiry, also populating the reverse
// map so a later reverse query hits without a call (spec §4.H "also
// populate the reverse map").
func (m *Map) resolve(t *radixTrie, id uint32, dynamic bool, anon uint32, lookup func() (uint32, bool)) uint32 {
	if m.Mode == Identity {
		return truncate(id, m.Squash.Truncate16)
	}
	now := time.Now()
	if e := t.get(id, now); e != nil {
		return truncate(e.id, m.Squash.Truncate16)
	}
	if !dynamic {
		return truncate(anon, m.Squash.Truncate16)
	}
	if mapped, ok := lookup(); ok {
		t.set(id, mapped, now.Add(Expiry))
		var rev *radixTrie
		switch t {
		case &m.uidR2L:
			rev = &m.uidL2R
		case &m.uidL2R:
			rev = &m.uidR2L
		case &m.gidR2L:
			rev = &m.gidL2R
		case &m.gidL2R:
			rev = &m.gidR2L
		}
		if rev != nil {
			rev.set(mapped, id, now.Add(Expiry))
		}
		return truncate(mapped, m.Squash.Truncate16)
	}
	return truncate(anon, m.Squash.Truncate16)
}

func (m *Map) applyUIDSquash(uid uint32) uint32 {
	if m.Squash.AllSquash || (uid == 0 && m.Squash.RootSquash) {
		return m.Squash.AnonUID
	}
	return uid
}

func (m *Map) applyGIDSquash(gid uint32) uint32 {
	if m.Squash.AllSquash || (gid == 0 && m.Squash.RootSquash) {
		return m.Squash.AnonGID
	}
	return gid
}

func truncate(id uint32, truncate16 bool) uint32 {
	if truncate16 {
		return id & 0xFFFF
	}
	return id
}
