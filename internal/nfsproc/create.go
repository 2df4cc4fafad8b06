package nfsproc

import (
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/jgoerzen/nfs-user-server/internal/fhcache"
	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// Create implements NFSPROC_CREATE (spec §4.L CREATE), including the
// SunOS compatibility quirk: a zero file-type in the requested mode
// inherits the existing file's type (or defaults to a regular file
// for a brand-new name), and the charmode sentinel uid==gid==0xFFFF
// asks for a FIFO instead of whatever the mode's type bits said.
func (s *Server) Create(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
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

	typ := args.Attrs.Mode & unix.S_IFMT
	if typ == 0 {
		var existing unix.Stat_t
		if unix.Lstat(childPath, &existing) == nil {
			typ = uint32(existing.Mode) & unix.S_IFMT
		} else {
			typ = unix.S_IFREG
		}
	}
	if args.Attrs.UID == xdrwire.NoChange16 && args.Attrs.GID == xdrwire.NoChange16 {
		typ = unix.S_IFIFO // original SunOS "charmode" compatibility hack
	}
	perm := args.Attrs.Mode & 07777

	switch typ {
	case unix.S_IFIFO:
		if err := unix.Mkfifo(childPath, perm); err != nil && err != unix.EEXIST {
			return xdrwire.DirOpRes{Status: uint32(statusFor(err))}, nil
		}
	default:
		fd, err := unix.Open(childPath, unix.O_CREAT|unix.O_TRUNC|unix.O_WRONLY, perm)
		if err != nil {
			return xdrwire.DirOpRes{Status: uint32(statusFor(err))}, nil
		}
		unix.Close(fd)
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

// Remove implements NFSPROC_REMOVE: unlink, then evict the cache
// entry for the removed inode so a stale cached path can't resurrect
// it for a later lookup (spec §4.C fh_remove).
func (s *Server) Remove(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
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
	if err := unix.Unlink(childPath); err != nil {
		return xdrwire.NFSStat{Status: uint32(statusFor(err))}, nil
	}
	if havePSI {
		s.Cache.Remove(s.Cache.Encoder.Encode(uint64(st.Dev), st.Ino))
	}
	return xdrwire.NFSStat{Status: uint32(nfserr.OK)}, nil
}

// Rename implements NFSPROC_RENAME. Cross-export renames are refused:
// POSIX rename across filesystems isn't atomic and the original
// server's single-filesystem-per-mount model has no story for it
// either (spec §4.L general contract).
func (s *Server) Rename(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.RenameArgs)
	if !ok {
		return xdrwire.NFSStat{Status: uint32(nfserr.Inval)}, nil
	}
	from, err := s.resolve(ctx, args.From.Dir, fhcache.MustExist)
	if err != nil {
		return xdrwire.NFSStat{Status: uint32(statusFor(err))}, nil
	}
	to, err := s.resolve(ctx, args.To.Dir, fhcache.MustExist)
	if err != nil {
		return xdrwire.NFSStat{Status: uint32(statusFor(err))}, nil
	}
	if from.Req.Mount.Path != to.Req.Mount.Path {
		return xdrwire.NFSStat{Status: uint32(nfserr.Inval)}, nil
	}
	if from.Req.Mount.Opts.ReadOnly {
		return xdrwire.NFSStat{Status: uint32(nfserr.ROFS)}, nil
	}
	if err := s.assumeCaller(ctx, from.Req); err != nil {
		return xdrwire.NFSStat{Status: uint32(nfserr.IO)}, nil
	}

	oldPath := filepath.Join(from.Entry.Path, args.From.Name)
	newPath := filepath.Join(to.Entry.Path, args.To.Name)

	var existing unix.Stat_t
	haveExisting := unix.Lstat(newPath, &existing) == nil

	if err := unix.Rename(oldPath, newPath); err != nil {
		return xdrwire.NFSStat{Status: uint32(statusFor(err))}, nil
	}
	if haveExisting {
		s.Cache.Remove(s.Cache.Encoder.Encode(uint64(existing.Dev), existing.Ino))
	}
	return xdrwire.NFSStat{Status: uint32(nfserr.OK)}, nil
}
