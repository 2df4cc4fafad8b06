package nfsproc

import (
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/jgoerzen/nfs-user-server/internal/fhcache"
	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// Link implements NFSPROC_LINK, refusing the call outright when the
// source and target directory resolve to different exports (spec
// §4.L LINK: "Refuse if src and target are in different exports").
func (s *Server) Link(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.LinkArgs)
	if !ok {
		return xdrwire.NFSStat{Status: uint32(nfserr.Inval)}, nil
	}
	src, err := s.resolve(ctx, args.From, fhcache.MustExist)
	if err != nil {
		return xdrwire.NFSStat{Status: uint32(statusFor(err))}, nil
	}
	dstDir, err := s.resolve(ctx, args.To.Dir, fhcache.MustExist)
	if err != nil {
		return xdrwire.NFSStat{Status: uint32(statusFor(err))}, nil
	}
	if src.Req.Mount.Path != dstDir.Req.Mount.Path {
		return xdrwire.NFSStat{Status: uint32(nfserr.Access)}, nil
	}
	if dstDir.Req.Mount.Opts.ReadOnly {
		return xdrwire.NFSStat{Status: uint32(nfserr.ROFS)}, nil
	}
	if err := s.assumeCaller(ctx, dstDir.Req); err != nil {
		return xdrwire.NFSStat{Status: uint32(nfserr.IO)}, nil
	}
	newPath := filepath.Join(dstDir.Entry.Path, args.To.Name)
	if err := unix.Link(src.Entry.Path, newPath); err != nil {
		return xdrwire.NFSStat{Status: uint32(statusFor(err))}, nil
	}
	return xdrwire.NFSStat{Status: uint32(nfserr.OK)}, nil
}

// Symlink implements NFSPROC_SYMLINK. The target string is stored
// verbatim (NFS v2 symlinks are opaque to the server; only READLINK's
// link_relative option ever rewrites it, on the way back out).
func (s *Server) Symlink(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.SymlinkArgs)
	if !ok {
		return xdrwire.NFSStat{Status: uint32(nfserr.Inval)}, nil
	}
	dir, err := s.resolve(ctx, args.From.Dir, fhcache.MustExist)
	if err != nil {
		return xdrwire.NFSStat{Status: uint32(statusFor(err))}, nil
	}
	if dir.Req.Mount.Opts.ReadOnly {
		return xdrwire.NFSStat{Status: uint32(nfserr.ROFS)}, nil
	}
	if err := s.assumeCaller(ctx, dir.Req); err != nil {
		return xdrwire.NFSStat{Status: uint32(nfserr.IO)}, nil
	}
	newPath := filepath.Join(dir.Entry.Path, args.From.Name)
	if err := unix.Symlink(args.To, newPath); err != nil {
		return xdrwire.NFSStat{Status: uint32(statusFor(err))}, nil
	}
	if args.Attrs.UID != xdrwire.NoChange32 || args.Attrs.GID != xdrwire.NoChange32 {
		uid, gid := -1, -1
		idm := dir.Req.Mount.Opts.IDMap
		if args.Attrs.UID != xdrwire.NoChange32 {
			u := args.Attrs.UID
			if idm != nil {
				u = idm.LocalUID(u)
			}
			uid = int(u)
		}
		if args.Attrs.GID != xdrwire.NoChange32 {
			g := args.Attrs.GID
			if idm != nil {
				g = idm.LocalGID(g)
			}
			gid = int(g)
		}
		_ = unix.Lchown(newPath, uid, gid)
	}
	return xdrwire.NFSStat{Status: uint32(nfserr.OK)}, nil
}
