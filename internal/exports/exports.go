// Package exports implements component F, the export database:
// client buckets, pattern matching against a newly-seen address, and
// the per-client mount-point tree, grounded on original_source/auth.c
// (auth_unknown_clientbyaddr, auth_create_client, hostmatch).
package exports

import (
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/jgoerzen/nfs-user-server/internal/hostres"
	"github.com/jgoerzen/nfs-user-server/internal/idmap"
)

// Mount is one exported subtree and its option set, attached to a
// Client. Mounts are matched by longest-prefix, so a Client's mount
// list is kept sorted by descending path length (spec §4.F
// "Mount-point lookup").
type Mount struct {
	Path string
	Opts Options
}

// Options mirrors the per-export flags the spec's procedures consult
// (link_relative for READLINK, secure_port for authorization, the
// squash modes for identity mapping).
type Options struct {
	ReadOnly     bool
	RootSquash   bool
	AllSquash    bool
	SecurePort   bool
	LinkRelative bool
	// NoAccess marks a mount that exists in the tree purely so prefix
	// matching and parent-pointer bookkeeping stay correct, but that
	// denies every call against it (spec §3 "no_access", spec §6
	// "noaccess -- path exists in the tree but denies access").
	NoAccess bool
	AnonUID  uint32
	AnonGID  uint32
	MapMode  string     // "identity", "static", "daemon", "nis"
	IDMap    *idmap.Map // built by internal/config from MapMode plus any static-map file
}

// Client is a synthesized client: the set of mounts that apply to one
// resolved address, merged from every matching export-file entry.
type Client struct {
	Name   string
	Addr   net.IP // zero for wildcard/netgroup/netmask/default templates
	Mounts []Mount
}

// bucketKind distinguishes the seven client buckets the spec's
// pattern semantics evaluate in order (spec §4.F steps 1-6; "known"
// literal clients fold reverse-verified exact-FQDN matches and raw
// host-address entries into the same bucket as original_source's
// known_clients list).
type bucketKind int

const (
	bucketKnown bucketKind = iota
	bucketUnknown
	bucketWildcard
	bucketNetgroup
	bucketNetmask
	bucketAnonymous
	bucketDefault
)

// template is one parsed export-file client entry, prior to being
// resolved against any particular address.
type template struct {
	kind bucketKind
	name string // literal hostname, wildcard pattern, "@group", or ""
	addr net.IP
	mask net.IPMask
	mnts []Mount
}

// NetgroupMatcher abstracts innetgr(3); the daemon it shells out to
// (spec §6) is an external collaborator out of this component's
// scope, so a no-op implementation that always returns false is a
// legitimate default for hosts without NIS.
type NetgroupMatcher interface {
	Match(netgroup, host string) bool
}

type noNetgroups struct{}

func (noNetgroups) Match(string, string) bool { return false }

// DB is the export database.
type DB struct {
	Resolver  *hostres.Resolver
	Netgroups NetgroupMatcher

	mu          sync.Mutex
	known       []template // literal hostnames, already reverse-verified, and raw addresses
	unknown     []template // couldn't be resolved at load time; matched by string equality
	wildcard    []template // sorted by descending pattern length
	netgroup    []template
	netmask     []template
	anonymous   *template
	defaultTmpl *template

	addrCache map[string]*Client // small round-robin cache, spec §4.G step 1
	cacheKeys []string
	cacheMax  int
}

// New builds an empty export database.
func New(resolver *hostres.Resolver) *DB {
	return &DB{
		Resolver:  resolver,
		Netgroups: noNetgroups{},
		addrCache: make(map[string]*Client),
		cacheMax:  64,
	}
}

// AddLiteral registers a client entry for an exact hostname or literal
// IP address (export-file tokenization itself is out of scope per
// spec §1 "exports-file tokenization"; this is the contract the parser
// calls into).
func (db *DB) AddLiteral(hostOrAddr string, mnts []Mount) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if ip := net.ParseIP(hostOrAddr); ip != nil {
		db.known = append(db.known, template{kind: bucketKnown, name: hostOrAddr, addr: ip, mnts: mnts})
		return
	}
	db.unknown = append(db.unknown, template{kind: bucketUnknown, name: hostOrAddr, mnts: mnts})
}

// AddWildcard registers a "*"/"?" pattern client, keeping the bucket
// sorted by descending pattern length (spec §4.F.3).
func (db *DB) AddWildcard(pattern string, mnts []Mount) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.wildcard = append(db.wildcard, template{kind: bucketWildcard, name: pattern, mnts: mnts})
	sort.SliceStable(db.wildcard, func(i, j int) bool {
		return len(db.wildcard[i].name) > len(db.wildcard[j].name)
	})
}

// AddNetgroup registers a "@group" client.
func (db *DB) AddNetgroup(group string, mnts []Mount) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.netgroup = append(db.netgroup, template{kind: bucketNetgroup, name: group, mnts: mnts})
}

// AddNetmask registers an address/mask client.
func (db *DB) AddNetmask(addr net.IP, mask net.IPMask, mnts []Mount) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.netmask = append(db.netmask, template{kind: bucketNetmask, addr: addr.To4(), mask: mask, mnts: mnts})
}

// SetAnonymous registers the "(everyone)" fallback client.
func (db *DB) SetAnonymous(mnts []Mount) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.anonymous = &template{kind: bucketAnonymous, mnts: mnts}
}

// SetDefault registers the catch-all default client, consulted only
// when nothing else -- including anonymous -- matched.
func (db *DB) SetDefault(mnts []Mount) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.defaultTmpl = &template{kind: bucketDefault, mnts: mnts}
}

// Swap replaces db's contents with other's, copying field-by-field
// under lock rather than `*db = *other` so db's own sync.Mutex is
// never itself overwritten. This lets every existing holder of a *DB
// (authz.Authorizer, mountproto.Server) see a SIGHUP-triggered reload
// (spec §4.K step 7) without cmd/nfsd needing to re-wire pointers
// through every component that embeds one.
func (db *DB) Swap(other *DB) {
	other.mu.Lock()
	known := append([]template(nil), other.known...)
	unknown := append([]template(nil), other.unknown...)
	wildcard := append([]template(nil), other.wildcard...)
	netgroup := append([]template(nil), other.netgroup...)
	netmask := append([]template(nil), other.netmask...)
	anon, def := other.anonymous, other.defaultTmpl
	other.mu.Unlock()

	db.mu.Lock()
	defer db.mu.Unlock()
	db.known, db.unknown, db.wildcard, db.netgroup, db.netmask = known, unknown, wildcard, netgroup, netmask
	db.anonymous, db.defaultTmpl = anon, def
	db.addrCache = make(map[string]*Client)
	db.cacheKeys = nil
}

// ErrNoClient is returned when no bucket matches an address at all.
type ErrNoClient struct{ Addr net.IP }

func (e *ErrNoClient) Error() string { return "exports: no client matches " + e.Addr.String() }

// Resolve implements the spec §4.F pattern-matching order for a
// first-time address, synthesizing a Client by merging every matching
// template's mount list. Subsequent calls for the same address hit
// the round-robin cache (spec §4.G step 1) unless evict is required.
func (db *DB) Resolve(addr net.IP) (*Client, error) {
	key := addr.String()

	db.mu.Lock()
	if c, ok := db.addrCache[key]; ok {
		db.mu.Unlock()
		if c == nil {
			return nil, &ErrNoClient{Addr: addr}
		}
		return c, nil
	}
	db.mu.Unlock()

	c, err := db.resolveUncached(addr)
	db.mu.Lock()
	db.cacheInsert(key, c) // negative results (c == nil, err != nil) are cached too
	db.mu.Unlock()
	return c, err
}

func (db *DB) resolveUncached(addr net.IP) (*Client, error) {
	db.mu.Lock()
	needName := len(db.unknown) > 0 || len(db.wildcard) > 0 || len(db.netgroup) > 0
	db.mu.Unlock()

	// Step 1: exact FQDN, after reverse-verify, and literal addresses.
	for _, t := range db.knownSnapshot() {
		if t.addr != nil && t.addr.Equal(addr) {
			return db.synthesize(t.name, addr, []template{t})
		}
	}

	var name string
	if needName && db.Resolver != nil {
		if n, err := db.Resolver.Reverse(addr); err == nil {
			name = n
		}
	}

	var matches []template
	if name != "" {
		for _, t := range db.knownSnapshot() {
			if t.addr == nil && strings.EqualFold(t.name, name) {
				matches = append(matches, t)
			}
		}
		// Step 2: previously-unresolved name buckets (string equality).
		for _, t := range db.unknownSnapshot() {
			if t.name == name {
				matches = append(matches, t)
			}
		}
		// Step 3: wildcard patterns, already sorted longest-first.
		for _, t := range db.wildcardSnapshot() {
			if hostmatch(name, t.name) {
				matches = append(matches, t)
			}
		}
		// Step 4: netgroup names.
		for _, t := range db.netgroupSnapshot() {
			if db.netgroupMatcher().Match(strings.TrimPrefix(t.name, "@"), name) {
				matches = append(matches, t)
			}
		}
	}

	// Step 5: address/mask pairs, independent of reverse-lookup success.
	for _, t := range db.netmaskSnapshot() {
		if t.mask != nil && t.addr.Mask(t.mask).Equal(addr.Mask(t.mask)) {
			matches = append(matches, t)
		}
	}

	if len(matches) > 0 {
		if name == "" {
			name = addr.String()
		}
		return db.synthesize(name, addr, matches)
	}

	// Step 6: anonymous, else default.
	db.mu.Lock()
	anon := db.anonymous
	def := db.defaultTmpl
	db.mu.Unlock()
	if anon != nil {
		return db.synthesize("<anon clnt>", addr, []template{*anon})
	}
	if def != nil {
		return db.synthesize("<default>", addr, []template{*def})
	}
	return nil, &ErrNoClient{Addr: addr}
}

func (db *DB) synthesize(name string, addr net.IP, matches []template) (*Client, error) {
	c := &Client{Name: name, Addr: addr}
	for _, m := range matches {
		c.Mounts = append(c.Mounts, m.mnts...)
	}
	sortMounts(c.Mounts)
	return c, nil
}

func sortMounts(m []Mount) {
	sort.SliceStable(m, func(i, j int) bool { return len(m[i].Path) > len(m[j].Path) })
}

// MountFor implements spec §4.F "Mount-point lookup": walk the
// client's length-sorted mounts; a mount matches when its path is a
// prefix of reqPath and the next character is '/' or end-of-string.
func (c *Client) MountFor(reqPath string) (*Mount, bool) {
	for i := range c.Mounts {
		m := &c.Mounts[i]
		if !strings.HasPrefix(reqPath, m.Path) {
			continue
		}
		rest := reqPath[len(m.Path):]
		if rest == "" || rest[0] == '/' {
			return m, true
		}
	}
	return nil, false
}

// hostmatch implements original_source/auth.c's hostmatch(): '*'
// matches any non-dot run, '?' matches exactly one non-dot character,
// and literal characters compare case-insensitively once a dot has
// been seen in the pattern (the host portion before the first dot
// stays case-sensitive).
func hostmatch(hname, pattern string) bool {
	seenDot := false
	for {
		if hname == "" || pattern == "" {
			return hname == pattern
		}
		switch pattern[0] {
		case '*':
			for len(hname) > 0 && hname[0] != '.' {
				hname = hname[1:]
			}
			seenDot = true
			pattern = pattern[1:]
		case '?':
			if hname[0] == '.' {
				return false
			}
			hname = hname[1:]
			pattern = pattern[1:]
		default:
			hc, pc := hname[0], pattern[0]
			if seenDot {
				if lower(hc) != lower(pc) {
					return false
				}
			} else if hc != pc {
				return false
			}
			if pc == '.' {
				seenDot = true
			}
			hname = hname[1:]
			pattern = pattern[1:]
		}
	}
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b - 'A' + 'a'
	}
	return b
}

func (db *DB) netgroupMatcher() NetgroupMatcher {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.Netgroups == nil {
		return noNetgroups{}
	}
	return db.Netgroups
}

func (db *DB) knownSnapshot() []template {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]template(nil), db.known...)
}
func (db *DB) unknownSnapshot() []template {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]template(nil), db.unknown...)
}
func (db *DB) wildcardSnapshot() []template {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]template(nil), db.wildcard...)
}
func (db *DB) netgroupSnapshot() []template {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]template(nil), db.netgroup...)
}
func (db *DB) netmaskSnapshot() []template {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]template(nil), db.netmask...)
}

// cacheInsert maintains the round-robin address cache, evicting the
// oldest entry once cacheMax is reached (spec §4.G step 1: "a small
// round-robin address->client cache including negative results").
func (db *DB) cacheInsert(key string, c *Client) {
	if _, exists := db.addrCache[key]; exists {
		db.addrCache[key] = c
		return
	}
	if len(db.cacheKeys) >= db.cacheMax {
		oldest := db.cacheKeys[0]
		db.cacheKeys = db.cacheKeys[1:]
		delete(db.addrCache, oldest)
	}
	db.addrCache[key] = c
	db.cacheKeys = append(db.cacheKeys, key)
}

// InvalidateCache drops a cached resolution, used after an export
// table reload so the next request for addr re-runs the full pattern
// match instead of serving a pre-reload answer.
func (db *DB) InvalidateCache(addr net.IP) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.addrCache, addr.String())
}
