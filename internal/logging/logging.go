// Package logging wraps github.com/sirupsen/logrus with the debug-class
// model the original daemon's Dprintf(facility, ...) calls use (spec §6
// CLI "-d KIND"): each facility is independently enabled, and messages
// tagged with a disabled facility are dropped before logrus ever sees
// them rather than relying on logrus's single global level to do it.
package logging

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Facility is one of the debug classes spec §6 names.
type Facility string

const (
	Auth    Facility = "auth"
	Call    Facility = "call"
	FHCache Facility = "fhcache"
	FHTrace Facility = "fhtrace"
	DevTab  Facility = "devtab"
	General Facility = "general"
	RMTab   Facility = "rmtab"
	UGid    Facility = "ugid"
	Stale   Facility = "stale"
	All     Facility = "all"
)

// validFacilities is consulted by ParseFacilities to reject a typo in
// "-d KIND" at startup rather than silently enabling nothing.
var validFacilities = map[Facility]bool{
	Auth: true, Call: true, FHCache: true, FHTrace: true, DevTab: true,
	General: true, RMTab: true, UGid: true, Stale: true, All: true,
}

// ParseFacilities splits a comma-separated "-d" argument list (the flag
// may be repeated or comma-joined; both are accepted) into a set,
// rejecting unknown names.
func ParseFacilities(args []string) (map[Facility]bool, error) {
	set := make(map[Facility]bool)
	for _, arg := range args {
		for _, tok := range strings.Split(arg, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			f := Facility(strings.ToLower(tok))
			if !validFacilities[f] {
				return nil, &ErrUnknownFacility{Name: tok}
			}
			set[f] = true
		}
	}
	return set, nil
}

// ErrUnknownFacility is returned by ParseFacilities for an unrecognized
// "-d" argument.
type ErrUnknownFacility struct{ Name string }

func (e *ErrUnknownFacility) Error() string { return "logging: unknown debug facility " + e.Name }

// Gate decides whether a given facility should currently log at debug
// level, and toggles which facilities are active (spec §5 "SIGUSR1
// toggles debug logging").
type Gate struct {
	mu      sync.RWMutex
	enabled map[Facility]bool
}

// NewGate returns a Gate with the given facilities pre-enabled (from
// "-d KIND" at startup).
func NewGate(initial map[Facility]bool) *Gate {
	g := &Gate{enabled: make(map[Facility]bool)}
	for f, on := range initial {
		if on {
			g.enabled[f] = true
		}
	}
	return g
}

// Enabled reports whether f (or "all") is currently active.
func (g *Gate) Enabled(f Facility) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled[All] || g.enabled[f]
}

// Active reports whether any facility (including "all") is currently
// enabled, so callers can decide whether logrus's own level should
// admit Debug records at all.
func (g *Gate) Active() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.enabled) > 0
}

// Toggle implements SIGUSR1, mirroring the original's single global
// debug boolean: it turns "all" on when it is off and off when it is
// on. Facilities enabled at startup stay enabled either way.
func (g *Gate) Toggle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.enabled) == 0 {
		g.enabled[All] = true
		return
	}
	if g.enabled[All] {
		delete(g.enabled, All)
		return
	}
	g.enabled[All] = true
}

// Debugf logs at Debug level when f is gated on, matching the
// original's Dprintf(facility, fmt, ...) call sites.
func (g *Gate) Debugf(f Facility, format string, args ...interface{}) {
	if !g.Enabled(f) {
		return
	}
	log.WithField("facility", string(f)).Debugf(format, args...)
}

// ConfigureLevel sets logrus's own level; facilities still gate
// individual Debugf calls underneath whatever level logrus allows
// through (Debug must be enabled here for any facility to show).
func ConfigureLevel(debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetLevel(log.InfoLevel)
}
