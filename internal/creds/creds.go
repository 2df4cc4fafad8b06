// Package creds implements component I, the credential switch:
// assuming and restoring the process's filesystem identity around
// each request, grounded on original_source/auth_clnt.c's
// setfsids/seteids pair.
package creds

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Switch tracks the currently-assumed identity and moves it, using
// setfsuid/setfsgid when available (the host provides a per-operation
// filesystem-id syscall; real/effective uid stay privileged) and
// falling back to effective-uid switching otherwise (spec §4.I).
//
// Linux always has setfsuid/setfsgid, so HasSetFSUID is a field
// rather than a build tag: tests can force the effective-uid fallback
// path without needing an unprivileged-setfsuid-less kernel to do it.
type Switch struct {
	HasSetFSUID bool

	uid, gid uint32
	gids     []uint32
	set      bool
}

// New returns a Switch that prefers setfsuid/setfsgid.
func New() *Switch { return &Switch{HasSetFSUID: true} }

// Assume moves the process's filesystem identity to (uid, gid, gids),
// skipping syscalls for components that already match (original's
// "if (auth_uid != cred_uid)" guards).
func (s *Switch) Assume(uid, gid uint32, gids []uint32) error {
	if s.HasSetFSUID {
		return s.assumeFSUID(uid, gid, gids)
	}
	return s.assumeEffective(uid, gid, gids)
}

func (s *Switch) assumeFSUID(uid, gid uint32, gids []uint32) error {
	if !s.set || s.uid != uid {
		if err := setfsuid(uid); err != nil {
			log.WithError(err).WithField("uid", uid).Error("creds: setfsuid failed")
		} else {
			s.uid = uid
		}
	}
	if !s.set || s.gid != gid {
		if err := setfsgid(gid); err != nil {
			log.WithError(err).WithField("gid", gid).Error("creds: setfsgid failed")
		} else {
			s.gid = gid
		}
	}
	if !sameGids(s.gids, gids) {
		if err := unix.Setgroups(toInts(gids)); err != nil {
			log.WithError(err).Error("creds: setgroups failed")
		} else {
			s.gids = append([]uint32(nil), gids...)
		}
	}
	s.set = true
	return nil
}

// assumeEffective implements the root-pingpong seteuid/setegid dance
// the original falls back to on hosts without setfsuid: every change
// of gid or supplementary groups must first regain uid 0, because
// only root can call setgroups/setegid to an arbitrary value, and the
// effective uid is only dropped last.
func (s *Switch) assumeEffective(uid, gid uint32, gids []uint32) error {
	if s.gid != gid || !sameGids(s.gids, gids) {
		if s.uid != 0 {
			if err := unix.Seteuid(0); err != nil {
				log.WithError(err).Error("creds: seteuid(0) failed")
			} else {
				s.uid = 0
			}
		}
		if s.gid != gid {
			if err := unix.Setegid(int(gid)); err != nil {
				log.WithError(err).WithField("gid", gid).Error("creds: setegid failed")
			} else {
				s.gid = gid
			}
		}
		if !sameGids(s.gids, gids) {
			if err := unix.Setgroups(toInts(gids)); err != nil {
				log.WithError(err).Error("creds: setgroups failed")
			} else {
				s.gids = append([]uint32(nil), gids...)
			}
		}
	}
	if s.uid != uid {
		if err := unix.Seteuid(int(uid)); err != nil {
			log.WithError(err).WithField("uid", uid).Error("creds: seteuid failed")
		} else {
			s.uid = uid
		}
	}
	s.set = true
	return nil
}

// Override temporarily regains privilege for path-rebuild and
// log-write sites that need it mid-handler (spec §4.I "a helper
// override(uid) exists"), returning a function that restores the
// previously-assumed identity.
func (s *Switch) Override(uid uint32) (restore func(), err error) {
	prev := *s
	if err := s.Assume(uid, s.gid, s.gids); err != nil {
		return func() {}, err
	}
	return func() {
		_ = s.Assume(prev.uid, prev.gid, prev.gids)
	}, nil
}

// Reset returns to the privileged identity (uid 0), the invariant the
// dispatcher restores at every request boundary (spec §4.K step 1).
func (s *Switch) Reset() error {
	return s.Assume(0, 0, nil)
}

func sameGids(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toInts(gids []uint32) []int {
	out := make([]int, len(gids))
	for i, g := range gids {
		out[i] = int(g)
	}
	return out
}
