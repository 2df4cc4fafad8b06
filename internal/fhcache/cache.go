// Package fhcache implements component C, the file-handle cache: the
// table mapping 32-byte NFS handles to live path/descriptor state, and
// the path-rebuild fallback (component D, rebuild.go) used when a
// handle has no resident entry.
package fhcache

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jgoerzen/nfs-user-server/internal/handle"
	"github.com/jgoerzen/nfs-user-server/internal/metrics"
	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/psi"
)

// FindMode selects fh_find's three lookup behaviors (spec §4.C).
type FindMode int

const (
	// MustExist fails if no entry can be located or rebuilt.
	MustExist FindMode = iota
	// WillCreate inserts a placeholder entry (path filled in later by
	// the caller, e.g. Compose) if none is found.
	WillCreate
	// CachedOnly never attempts a path rebuild; a cache miss is a miss.
	CachedOnly
)

// DiscardInterval and CloseInterval are the default Flush thresholds
// (spec §4.C, original_source/fh.h FH_CACHE_LIMIT/FD_CACHE_LIMIT
// siblings DISCARD_INTERVAL/CLOSE_INTERVAL).
const (
	DiscardInterval = time.Hour
	CloseInterval   = 5 * time.Second
)

// FHLimit is the default global entry-LRU capacity.
const FHLimit = 2000

// Cache is the file-handle cache. It owns two LRUs over the same
// Entry values: entries (every resident handle, capacity fhLimit) and
// fds (entries given a descriptor by FD, capacity fdLimit). This
// stands in for the original's two intrusive doubly-linked lists
// (design note "Intrusive doubly-linked lists -> arena + generational
// handles"): membership in a golang-lru cache *is* LRU position, so no
// manual list surgery is needed.
type Cache struct {
	Encoder psi.Encoder

	// Metrics, when set, receives resident-entry/descriptor gauge
	// updates and hit/miss counts (SPEC_FULL.md §2 domain-stack entry
	// for prometheus/client_golang: "Exposes handle-cache size/hit-rate,
	// open-descriptor count ... as Prometheus gauges/counters").
	Metrics *metrics.Registry

	mu      sync.Mutex
	entries *lru.Cache[psi.PSI, *Entry]
	fds     *lru.Cache[psi.PSI, *Entry]
}

// New builds a Cache with the given entry and descriptor capacities.
func New(enc psi.Encoder, fhLimit, fdLimit int) (*Cache, error) {
	if fhLimit <= 0 {
		fhLimit = FHLimit
	}
	if fdLimit <= 0 {
		fdLimit = defaultFDLimit()
	}
	c := &Cache{Encoder: enc}
	// Eviction callbacks fire synchronously from within Add/Remove,
	// which we always call with c.mu already held, so they must use
	// the lock-free closeEntryLocked rather than re-entering c.mu.
	entries, err := lru.NewWithEvict(fhLimit, func(p psi.PSI, e *Entry) {
		c.closeEntryLocked(e)
	})
	if err != nil {
		return nil, err
	}
	fds, err := lru.NewWithEvict(fdLimit, func(p psi.PSI, e *Entry) {
		c.closeEntryLocked(e)
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	c.fds = fds
	return c, nil
}

// defaultFDLimit mirrors FD_CACHE_LIMIT's "3 * FOPEN_MAX / 4": three
// quarters of the process's open-file-descriptor soft limit.
func defaultFDLimit() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 256
	}
	n := int(rl.Cur*3) / 4
	if n < 16 {
		n = 16
	}
	return n
}

// Find implements fh_find: look up h's pseudo-inode among resident
// entries. On a miss, WillCreate inserts a placeholder entry and
// MustExist rebuilds the path from the hash path and re-stats it to
// confirm the handle is still valid.
func (c *Cache) Find(h handle.Handle, mode FindMode) (*Entry, error) {
	c.mu.Lock()
	e, ok := c.entries.Get(h.PSI)
	c.mu.Unlock()

	if ok {
		if stale := c.checkStale(e, h); stale != nil {
			c.evict(h.PSI)
			if mode == CachedOnly {
				return nil, stale
			}
		} else {
			e.LastUsed = time.Now()
			c.recordHit()
			return e, nil
		}
	} else if mode == CachedOnly {
		return nil, nfserr.ErrStale
	}

	if mode == WillCreate {
		e := &Entry{PSI: h.PSI, fd: -1, LastUsed: time.Now()}
		c.mu.Lock()
		c.entries.Add(h.PSI, e)
		c.mu.Unlock()
		c.refreshGauges()
		return e, nil
	}

	c.recordMiss()
	p, err := rebuildStrategy(h, c.Encoder)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		return nil, nfserr.ErrStale
	}
	if c.Encoder.Encode(uint64(st.Dev), st.Ino) != h.PSI {
		return nil, nfserr.ErrStale
	}
	e = &Entry{PSI: h.PSI, Path: p, Stat: st, statTime: time.Now(), fd: -1, LastUsed: time.Now()}
	c.mu.Lock()
	c.entries.Add(h.PSI, e)
	c.mu.Unlock()
	c.refreshGauges()
	return e, nil
}

func (c *Cache) recordHit() {
	if c.Metrics != nil {
		c.Metrics.CacheHits.Inc()
	}
}

func (c *Cache) recordMiss() {
	if c.Metrics != nil {
		c.Metrics.CacheMisses.Inc()
	}
}

// refreshGauges syncs the Prometheus entry/descriptor gauges to the
// LRUs' current sizes; called after any insert or eviction.
func (c *Cache) refreshGauges() {
	if c.Metrics == nil {
		return
	}
	c.mu.Lock()
	entries, fds := c.entries.Len(), c.fds.Len()
	c.mu.Unlock()
	c.Metrics.CacheEntries.Set(float64(entries))
	c.Metrics.OpenDescriptors.Set(float64(fds))
}

// checkStale re-validates a resident entry's path against the
// filesystem, mirroring fh_find's FHC_ATTRVALID re-lstat: a path whose
// dev/ino no longer encodes to the cached psi is stale.
func (c *Cache) checkStale(e *Entry, h handle.Handle) error {
	if e.Path == "" {
		return nil // placeholder entry, nothing to validate yet
	}
	var st unix.Stat_t
	if err := unix.Lstat(e.Path, &st); err != nil {
		return nfserr.ErrStale
	}
	if c.Encoder.Encode(uint64(st.Dev), st.Ino) != h.PSI {
		return nfserr.ErrStale
	}
	e.Stat = st
	e.statTime = time.Now()
	return nil
}

// Create implements fh_create: establish a brand-new handle for an
// absolute path (used by the mount daemon when a client mounts an
// export, which has no parent handle to descend from).
func (c *Cache) Create(absPath string) (handle.Handle, *Entry, error) {
	var st unix.Stat_t
	if err := unix.Lstat(absPath, &st); err != nil {
		return handle.Handle{}, nil, err
	}
	p := c.Encoder.Encode(uint64(st.Dev), st.Ino)
	// Hash path: every ancestor directory from "/" down to absPath's parent.
	var hashes []byte
	cur := "/"
	for _, comp := range strings.Split(absPath, "/") {
		if comp == "" {
			continue
		}
		var ast unix.Stat_t
		if err := unix.Lstat(cur, &ast); err != nil {
			return handle.Handle{}, nil, err
		}
		hashes = append(hashes, psi.HashByte(c.Encoder.Encode(uint64(ast.Dev), ast.Ino)))
		cur = path.Join(cur, comp)
	}
	if len(hashes) > handle.MaxDepth {
		return handle.Handle{}, nil, handle.ErrNameTooLong
	}
	h := handle.Handle{PSI: p, Hashes: hashes}
	e := &Entry{PSI: p, Path: absPath, Stat: st, statTime: time.Now(), fd: -1, LastUsed: time.Now()}
	c.mu.Lock()
	c.entries.Add(p, e)
	c.mu.Unlock()
	c.refreshGauges()
	return h, e, nil
}

// Path implements fh_path: resolve h to an absolute path, using the
// cache and falling back to a rebuild.
func (c *Cache) Path(h handle.Handle) (string, error) {
	e, err := c.Find(h, MustExist)
	if err != nil {
		return "", err
	}
	return e.Path, nil
}

// FD implements fh_fd: return a descriptor for e open in a mode
// compatible with omode, reusing the cached descriptor when the
// caller's uid and open mode both match what it was opened under
// (original_source/fh.c fh_fd), else closing it and opening fresh.
func (c *Cache) FD(e *Entry, uid uint32, omode int) (int, error) {
	c.mu.Lock()

	if e.HasFD() {
		if e.openUID == uid && modeCompatible(e.omode, omode) {
			c.fds.Add(e.PSI, e) // move to front of descriptor LRU
			c.mu.Unlock()
			return e.fd, nil
		}
		c.closeEntryLocked(e)
	}

	flags := omode
	fd, err := unix.Open(e.Path, flags, 0)
	if err != nil {
		c.mu.Unlock()
		return -1, err
	}
	e.fd = fd
	e.omode = omode
	e.openUID = uid
	c.fds.Add(e.PSI, e)
	c.mu.Unlock()
	c.refreshGauges()
	return fd, nil
}

// modeCompatible reports whether a descriptor opened under cached can
// satisfy a request for wanted (O_RDONLY satisfies itself only;
// O_RDWR satisfies either read or write requests).
func modeCompatible(cached, wanted int) bool {
	ca, wa := cached&unix.O_ACCMODE, wanted&unix.O_ACCMODE
	if ca == wa {
		return true
	}
	return ca == unix.O_RDWR
}

// Compose implements fh_compose: derive a new handle for name inside
// dir, handling "." and ".." without touching the filesystem's
// directory-hash path, and otherwise stat-ing dir's path joined with
// name and pushing a new hash-path level (spec §4.C "compose").
func (c *Cache) Compose(dir handle.Handle, dirEntry *Entry, name string) (handle.Handle, *Entry, error) {
	if strings.Contains(name, "/") {
		return handle.Handle{}, nil, fmt.Errorf("fhcache: compose: illegal name %q", name)
	}
	if name == "." || name == "" {
		return dir, dirEntry, nil
	}
	if name == ".." {
		if len(dir.Hashes) == 0 {
			// Depth 0 is "/", which has no parent; same handle back.
			return dir, dirEntry, nil
		}
		parentHashes := make([]byte, len(dir.Hashes)-1)
		copy(parentHashes, dir.Hashes[:len(dir.Hashes)-1])
		parentPath := path.Dir(dirEntry.Path)
		var st unix.Stat_t
		if err := unix.Lstat(parentPath, &st); err != nil {
			return handle.Handle{}, nil, nfserr.ErrStale
		}
		parentPSI := c.Encoder.Encode(uint64(st.Dev), st.Ino)
		h := handle.Handle{PSI: parentPSI, Hashes: parentHashes}
		e, err := c.Find(h, WillCreate)
		if err != nil {
			return handle.Handle{}, nil, err
		}
		if e.Path == "" {
			e.Path = parentPath
			e.Stat = st
			e.statTime = time.Now()
		}
		return h, e, nil
	}

	childPath := path.Join(dirEntry.Path, name)
	var st unix.Stat_t
	if err := unix.Lstat(childPath, &st); err != nil {
		return handle.Handle{}, nil, err
	}
	childPSI := c.Encoder.Encode(uint64(st.Dev), st.Ino)
	h, err := dir.Child(childPSI)
	if err != nil {
		return handle.Handle{}, nil, err
	}

	e, err := c.Find(h, WillCreate)
	if err != nil {
		return handle.Handle{}, nil, err
	}
	if e.Path != "" && e.Path != childPath {
		// Same pseudo-inode cached under a stale path (e.g. a rename):
		// the original's fh_compose discards and recreates in this case.
		log.WithFields(log.Fields{"old": e.Path, "new": childPath}).Debug("fhcache: disposing of entry with stale path")
		c.evict(h.PSI)
		e, err = c.Find(h, WillCreate)
		if err != nil {
			return handle.Handle{}, nil, err
		}
	}
	if e.Path == "" {
		e.Path = childPath
		e.Stat = st
		e.statTime = time.Now()
	}
	return h, e, nil
}

// Remove implements fh_remove: evict any cached entry whose path
// matches (looked up by re-encoding its pseudo-inode), called after a
// successful remove/rmdir/rename so a later lookup can't resurrect a
// unlinked inode's stale path.
func (c *Cache) Remove(p psi.PSI) {
	c.evict(p)
}

func (c *Cache) evict(p psi.PSI) {
	c.mu.Lock()
	c.fds.Remove(p)
	c.entries.Remove(p)
	c.mu.Unlock()
	c.refreshGauges()
}

func (c *Cache) closeEntry(e *Entry) {
	c.mu.Lock()
	c.closeEntryLocked(e)
	c.mu.Unlock()
	c.refreshGauges()
}

func (c *Cache) closeEntryLocked(e *Entry) {
	if e.HasFD() {
		unix.Close(e.fd)
		e.fd = -1
	}
}

// Flush implements fh_flush: periodically (from the dispatcher's flush
// ticker) or on demand with force=true, discard entries idle longer
// than DiscardInterval and close descriptors idle longer than
// CloseInterval. golang-lru doesn't expose direct "walk oldest first"
// iteration with removal mid-walk, so Flush collects candidates first.
func (c *Cache) Flush(force bool) {
	now := time.Now()
	c.mu.Lock()
	var discard, closeFD []psi.PSI
	for _, p := range c.entries.Keys() {
		e, ok := c.entries.Peek(p)
		if !ok {
			continue
		}
		if force || now.Sub(e.LastUsed) > DiscardInterval {
			discard = append(discard, p)
			continue
		}
		if e.HasFD() && now.Sub(e.LastUsed) > CloseInterval {
			closeFD = append(closeFD, p)
		}
	}
	c.mu.Unlock()

	for _, p := range discard {
		c.evict(p)
	}
	for _, p := range closeFD {
		c.mu.Lock()
		e, ok := c.entries.Peek(p)
		c.mu.Unlock()
		if ok {
			c.closeEntry(e)
		}
	}
}

// Refresh re-stats e's path if the cached attributes are older than
// ttl, returning nfserr.ErrStale if the path has vanished.
func (e *Entry) Refresh(ttl time.Duration) (unix.Stat_t, error) {
	if time.Since(e.statTime) < ttl {
		return e.Stat, nil
	}
	var st unix.Stat_t
	if err := unix.Lstat(e.Path, &st); err != nil {
		return unix.Stat_t{}, nfserr.ErrStale
	}
	e.Stat = st
	e.statTime = time.Now()
	return st, nil
}
