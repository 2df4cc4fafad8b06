package nfsproc

import (
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/jgoerzen/nfs-user-server/internal/fhcache"
	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/psi"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// Mkdir implements NFSPROC_MKDIR, reusing applySAttr for the
// permission/owner/time fields an sattr can carry alongside the
// directory's creation (spec §4.L MKDIR).
func (s *Server) Mkdir(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.CreateArgs)
	if !ok {
		return xdrwire.DirOpRes{Status: uint32(nfserr.Inval)}, nil
	}
	dir, err := s.resolve(ctx, args.Where.Dir, fhcache.MustExist)
	if err != nil {
		return xdrwire.DirOpRes{Status: uint32(statusFor(err))}, nil
	}
	if dir.Req.Mount.Opts.ReadOnly {
		return xdrwire.DirOpRes{Status: uint32(nfserr.ROFS)}, nil
	}
	if err := s.assumeCaller(ctx, dir.Req); err != nil {
		return xdrwire.DirOpRes{Status: uint32(nfserr.IO)}, nil
	}
	childPath := filepath.Join(dir.Entry.Path, args.Where.Name)
	perm := args.Attrs.Mode & 07777
	if perm == 0 {
		perm = 0755
	}
	if dir.Entry.Stat.Mode&unix.S_ISGID != 0 {
		perm |= unix.S_ISGID // spec §4.L MKDIR: "inherits setgid bit from parent"
	}
	if err := unix.Mkdir(childPath, perm); err != nil {
		return xdrwire.DirOpRes{Status: uint32(statusFor(err))}, nil
	}
	var st unix.Stat_t
	if err := unix.Lstat(childPath, &st); err == nil {
		_ = applySAttr(childPath, args.Attrs, st, dir.Req.Mount.Opts.IDMap)
	}
	childHandle, childEntry, err := s.Cache.Compose(dir.Handle, dir.Entry, args.Where.Name)
	if err != nil {
		return xdrwire.DirOpRes{Status: uint32(statusFor(err))}, nil
	}
	wire, err := wireHandle(childHandle)
	if err != nil {
		return xdrwire.DirOpRes{Status: uint32(statusFor(err))}, nil
	}
	return xdrwire.DirOpRes{
		Status: uint32(nfserr.OK),
		FH:     wire,
		Attrs:  fattrFor(childEntry, dir.Req.Mount.Opts.IDMap),
	}, nil
}

// Rmdir implements NFSPROC_RMDIR.
func (s *Server) Rmdir(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.DirOpArgs)
	if !ok {
		return xdrwire.NFSStat{Status: uint32(nfserr.Inval)}, nil
	}
	dir, err := s.resolve(ctx, args.Dir, fhcache.MustExist)
	if err != nil {
		return xdrwire.NFSStat{Status: uint32(statusFor(err))}, nil
	}
	if dir.Req.Mount.Opts.ReadOnly {
		return xdrwire.NFSStat{Status: uint32(nfserr.ROFS)}, nil
	}
	if err := s.assumeCaller(ctx, dir.Req); err != nil {
		return xdrwire.NFSStat{Status: uint32(nfserr.IO)}, nil
	}
	childPath := filepath.Join(dir.Entry.Path, args.Name)
	var st unix.Stat_t
	havePSI := unix.Lstat(childPath, &st) == nil
	if err := unix.Rmdir(childPath); err != nil {
		return xdrwire.NFSStat{Status: uint32(statusFor(err))}, nil
	}
	if havePSI {
		s.Cache.Remove(s.Cache.Encoder.Encode(uint64(st.Dev), st.Ino))
	}
	return xdrwire.NFSStat{Status: uint32(nfserr.OK)}, nil
}

// avgDirEntrySize is the per-entry size estimate ReadDir divides the
// client's requested Count by to cap how many entries it returns
// (an exact byte-for-byte match would require encoding each
// candidate entry to measure it; an average-entry-size estimate is
// what the original's readdir-buffer-fill loop effectively does too).
const avgDirEntrySize = 64

// ReadDir implements NFSPROC_READDIR (spec §4.L READDIR): "." and
// ".." are synthesized only at the very start of the listing
// (Cookie == 0), suppressed when the directory is a foreign mount
// point and re-export is off (or "-x" forces it regardless), and
// ".."'s reported fileid is rewritten to the directory's own at an
// export root (spec: "..'s inode rewritten to the directory's own
// when at an export root whose parent is nothing").
func (s *Server) ReadDir(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.ReadDirArgs)
	if !ok {
		return xdrwire.ReadDirRes{Status: uint32(nfserr.Inval)}, nil
	}
	dir, err := s.resolve(ctx, args.Dir, fhcache.MustExist)
	if err != nil {
		return xdrwire.ReadDirRes{Status: uint32(statusFor(err))}, nil
	}

	maxEntries := int(args.Count) / avgDirEntrySize
	if maxEntries < 1 {
		maxEntries = 1
	}

	var entries []xdrwire.ReadDirEntry

	if args.Cookie == 0 {
		foreignMount := s.isForeignMountPoint(dir.Entry.Path, dir.Entry.Stat)
		if !(foreignMount && (!s.ReExport || s.DisableCrossMount)) {
			dotdotID := uint32(dir.Entry.PSI)
			if dir.Entry.Path != dir.Req.Mount.Path {
				if parentPSI, ok := s.parentPSI(dir.Entry.Path); ok {
					dotdotID = uint32(parentPSI)
				}
			}
			entries = append(entries,
				xdrwire.ReadDirEntry{FileID: uint32(dir.Entry.PSI), Name: ".", Cookie: 1},
				xdrwire.ReadDirEntry{FileID: dotdotID, Name: "..", Cookie: 2},
			)
		}
	}

	eof := true
	seek := int64(args.Cookie)
	if seek <= 2 {
		seek = 0 // cookies 0/1/2 cover the synthesized "."/".." pair; real entries always start at offset 0
	}
	walkErr := fhcache.ReadDir(dir.Entry.Path, seek, func(name string, ino uint64, cookie int64) (bool, error) {
		if len(entries) >= maxEntries {
			eof = false
			return true, nil
		}
		childPath := filepath.Join(dir.Entry.Path, name)
		var st unix.Stat_t
		if unix.Lstat(childPath, &st) != nil {
			return false, nil // vanished between getdents and lstat; skip
		}
		psi := s.Cache.Encoder.Encode(uint64(st.Dev), st.Ino)
		entries = append(entries, xdrwire.ReadDirEntry{
			FileID: uint32(psi),
			Name:   name,
			Cookie: uint32(cookie),
		})
		return false, nil
	})
	if walkErr != nil {
		return xdrwire.ReadDirRes{Status: uint32(statusFor(walkErr))}, nil
	}

	return xdrwire.ReadDirRes{Status: uint32(nfserr.OK), Entries: entries, EOF: eof}, nil
}

// isForeignMountPoint reports whether path is a separate filesystem
// from its parent directory (a mount point crossed into the export).
func (s *Server) isForeignMountPoint(path string, st unix.Stat_t) bool {
	var parent unix.Stat_t
	if unix.Lstat(filepath.Dir(path), &parent) != nil {
		return false
	}
	return parent.Dev != st.Dev
}

// parentPSI encodes the pseudo-inode of path's parent directory, used
// to report ".."'s fileid for a directory below the export root (at
// the export root itself ReadDir reports the directory's own fileid).
func (s *Server) parentPSI(path string) (psi.PSI, bool) {
	var st unix.Stat_t
	if unix.Lstat(filepath.Dir(path), &st) != nil {
		return 0, false
	}
	return s.Cache.Encoder.Encode(uint64(st.Dev), st.Ino), true
}
