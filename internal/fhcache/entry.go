package fhcache

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/jgoerzen/nfs-user-server/internal/psi"
)

// Entry is a resident file-handle cache entry (spec §3 "Handle-cache
// entry"). It owns an absolute path, cached stat attributes, an
// optional open descriptor with the uid/mode it was opened under, and
// weak hints about the last client/mount that resolved it.
//
// Membership in the global LRU and the descriptor LRU is expressed by
// presence in the two hashicorp/golang-lru caches that Cache holds,
// rather than by intrusive list pointers (design note "Intrusive
// doubly-linked lists -> arena + generational handles"): an Entry is
// plain data, and the two LRUs are the only place eviction order
// lives.
type Entry struct {
	PSI  psi.PSI
	Path string

	Stat     unix.Stat_t
	statTime time.Time

	fd      int // -1 when no descriptor is held
	omode   int
	openUID uint32

	LastUsed time.Time

	// LastClient/LastMount are capacity-bounded hints, never authority:
	// every request re-runs authorization against the caller's actual
	// address (spec §4.C "Consistency rules").
	LastClient string
	LastMount  string
}

// HasFD reports whether the entry currently holds an open descriptor.
// An entry that holds a descriptor is always a member of the
// descriptor LRU. The converse does not always hold: Flush's idle
// close, eviction from the global LRU, and a failed reopen in FD close
// the descriptor without removing the entry from the descriptor LRU.
func (e *Entry) HasFD() bool { return e.fd >= 0 }
