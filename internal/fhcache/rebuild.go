//go:build linux

package fhcache

import (
	"path"

	"golang.org/x/sys/unix"

	"github.com/jgoerzen/nfs-user-server/internal/handle"
	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/psi"
)

// rebuildStrategy is the active path-rebuild algorithm. Both
// implementations below are kept and tested (spec §9 Open Question ii:
// "Two alternative path-rebuild implementations coexist in the
// source; only one is active"); rebuildDFS is wired as the active
// strategy, matching the original's own `#if 1` default.
var rebuildStrategy = rebuildDFS

// rootPSI returns the pseudo-inode of "/" under enc.
func rootPSI(enc psi.Encoder) (psi.PSI, error) {
	var st unix.Stat_t
	if err := unix.Lstat("/", &st); err != nil {
		return 0, err
	}
	return enc.Encode(uint64(st.Dev), st.Ino), nil
}

// rebuildDFS mirrors original_source/fh.c's active fh_buildpath(): a
// depth-first walk from "/" that, on reaching a dead end at level i,
// backtracks to level i-1 and resumes that directory's scan from the
// cookie recorded when it first descended (so total work is bounded by
// the sum of directory sizes visited, not a full re-scan).
func rebuildDFS(h handle.Handle, enc psi.Encoder) (string, error) {
	n := h.Depth()
	root, err := rootPSI(enc)
	if err != nil {
		return "", err
	}
	if n == 0 {
		if root != h.PSI {
			return "", nfserr.ErrStale
		}
		return "/", nil
	}
	if psi.HashByte(root) != h.Hashes[0] {
		return "", nfserr.ErrStale
	}

	type frame struct {
		dir    string
		cookie int64
	}
	stack := []frame{{dir: "/", cookie: 0}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		level := len(stack) - 1 // 0-based index of the directory being scanned == ancestor index of its children minus... see below
		final := level == n-1

		var st unix.Stat_t
		if err := unix.Lstat(top.dir, &st); err != nil {
			stack = stack[:len(stack)-1]
			continue
		}

		var (
			matchName   string
			matchCookie int64
			found       bool
		)
		err := readDir(top.dir, top.cookie, func(d dirent) (bool, error) {
			childPSI := enc.Encode(uint64(st.Dev), d.ino)
			if final {
				if childPSI == h.PSI {
					matchName = d.name
					found = true
					return true, nil
				}
				return false, nil
			}
			if psi.HashByte(childPSI) == h.Hashes[level+1] {
				matchName = d.name
				matchCookie = d.cookie
				found = true
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			return "", err
		}
		if !found {
			stack = stack[:len(stack)-1]
			continue
		}
		if final {
			return path.Join(top.dir, matchName), nil
		}
		// Remember where to resume this directory's scan if the deeper
		// path turns out to be a dead end.
		top.cookie = matchCookie
		stack = append(stack, frame{dir: path.Join(top.dir, matchName), cookie: 0})
	}
	return "", nfserr.ErrStale
}

// rebuildIterative is a second, independently-shaped implementation:
// instead of a raw-fd seek cookie it materializes each directory's
// entries into a slice once and resumes by index, trading a bit of
// memory for simpler backtracking. It mirrors the `#else`-guarded
// fh_buildcomp() variant in original_source/fh.c, which split the
// "scan one directory for a matching child" step into its own
// function with the same cookie-stack shape.
func rebuildIterative(h handle.Handle, enc psi.Encoder) (string, error) {
	n := h.Depth()
	root, err := rootPSI(enc)
	if err != nil {
		return "", err
	}
	if n == 0 {
		if root != h.PSI {
			return "", nfserr.ErrStale
		}
		return "/", nil
	}
	if psi.HashByte(root) != h.Hashes[0] {
		return "", nfserr.ErrStale
	}

	type frame struct {
		dir     string
		entries []dirent
		dev     uint64
		idx     int
	}
	loadFrame := func(dir string) (frame, error) {
		var st unix.Stat_t
		if err := unix.Lstat(dir, &st); err != nil {
			return frame{}, err
		}
		var entries []dirent
		err := readDir(dir, 0, func(d dirent) (bool, error) {
			entries = append(entries, d)
			return false, nil
		})
		return frame{dir: dir, entries: entries, dev: uint64(st.Dev)}, err
	}

	first, err := loadFrame("/")
	if err != nil {
		return "", err
	}
	stack := []frame{first}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		level := len(stack) - 1
		final := level == n-1

		matched := false
		for ; top.idx < len(top.entries); top.idx++ {
			d := top.entries[top.idx]
			childPSI := enc.Encode(top.dev, d.ino)
			if final {
				if childPSI == h.PSI {
					top.idx++
					return path.Join(top.dir, d.name), nil
				}
				continue
			}
			if psi.HashByte(childPSI) == h.Hashes[level+1] {
				top.idx++
				nf, err := loadFrame(path.Join(top.dir, d.name))
				if err != nil {
					continue
				}
				stack = append(stack, nf)
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if top.idx >= len(top.entries) {
			stack = stack[:len(stack)-1]
		}
	}
	return "", nfserr.ErrStale
}
