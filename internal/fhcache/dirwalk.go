//go:build linux

package fhcache

import (
	"encoding/binary"
	"io"

	"golang.org/x/sys/unix"
)

var hostEndian = binary.LittleEndian

// dirent is one decoded raw directory entry, along with the lseek
// cookie that repositions a freshly opened directory descriptor right
// after it. This is the Go equivalent of telldir(3)/seekdir(3): the
// kernel's getdents() record carries a d_off field defined exactly for
// this purpose — glibc's telldir()/seekdir() are built on it — so no
// extra lseek() round trip is needed (spec §4.D: "backtracks using a
// per-level cookie (the directory offset recorded via
// telldir/seekdir)").
type dirent struct {
	name   string
	ino    uint64
	cookie int64 // d_off: pass to readDir's seek parameter to resume after this entry
}

// readDir reads every entry of the directory at path starting at
// seek (0 for the beginning), invoking visit for each non-dot entry
// until visit returns stop=true or an error.
func readDir(path string, seek int64, visit func(d dirent) (stop bool, err error)) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if seek != 0 {
		if _, err := unix.Seek(fd, seek, io.SeekStart); err != nil {
			return err
		}
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := unix.ReadDirent(fd, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		for _, d := range parseDirents(buf[:n]) {
			if d.name == "." || d.name == ".." {
				continue
			}
			stop, verr := visit(d)
			if verr != nil {
				return verr
			}
			if stop {
				return nil
			}
		}
	}
}

// ReadDir exposes readDir to other components (component L's READDIR
// procedure needs the same telldir-style cookie semantics this
// package already built for path rebuilding, rather than a second,
// divergent directory-enumeration implementation).
func ReadDir(path string, seek int64, visit func(name string, ino uint64, cookie int64) (stop bool, err error)) error {
	return readDir(path, seek, func(d dirent) (bool, error) {
		return visit(d.name, d.ino, d.cookie)
	})
}

// parseDirents decodes the raw struct linux_dirent64 records getdents64
// returns: { ino uint64; off int64; reclen uint16; type uint8; name
// []byte (NUL-terminated) }.
func parseDirents(buf []byte) []dirent {
	var out []dirent
	off := 0
	for off+19 <= len(buf) {
		ino := hostEndian.Uint64(buf[off:])
		doff := int64(hostEndian.Uint64(buf[off+8:]))
		reclen := hostEndian.Uint16(buf[off+16:])
		if reclen == 0 || off+int(reclen) > len(buf) {
			break
		}
		nameStart := off + 19
		nameEnd := nameStart
		for nameEnd < off+int(reclen) && buf[nameEnd] != 0 {
			nameEnd++
		}
		out = append(out, dirent{
			name:   string(buf[nameStart:nameEnd]),
			ino:    ino,
			cookie: doff,
		})
		off += int(reclen)
	}
	return out
}
