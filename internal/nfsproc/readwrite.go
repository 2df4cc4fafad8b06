package nfsproc

import (
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/jgoerzen/nfs-user-server/internal/fhcache"
	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// ReadLink implements NFSPROC_READLINK. When the mount's link_relative
// option is set, an absolute target is rewritten relative to the
// link's own directory (spec §4.L READLINK: "link_relative rewrites
// absolute targets"), falling back to the raw target if the rewrite
// can't be computed.
func (s *Server) ReadLink(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.FHandleArgs)
	if !ok {
		return xdrwire.ReadLinkRes{Status: uint32(nfserr.Inval)}, nil
	}
	r, err := s.resolve(ctx, args.FH, fhcache.MustExist)
	if err != nil {
		return xdrwire.ReadLinkRes{Status: uint32(statusFor(err))}, nil
	}
	buf := make([]byte, maxSymlinkLen)
	n, err := unix.Readlink(r.Entry.Path, buf)
	if err != nil {
		return xdrwire.ReadLinkRes{Status: uint32(statusFor(err))}, nil
	}
	target := string(buf[:n])
	if r.Req.Mount.Opts.LinkRelative && filepath.IsAbs(target) {
		if rel, relErr := filepath.Rel(filepath.Dir(r.Entry.Path), target); relErr == nil {
			target = rel
		}
	}
	return xdrwire.ReadLinkRes{Status: uint32(nfserr.OK), Path: target}, nil
}

// Read implements NFSPROC_READ, capping the transfer at MaxReadWrite
// regardless of what the client requested (spec §4.L READ: "Max 16
// KiB").
func (s *Server) Read(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.ReadArgs)
	if !ok {
		return xdrwire.ReadRes{Status: uint32(nfserr.Inval)}, nil
	}
	r, err := s.resolve(ctx, args.FH, fhcache.MustExist)
	if err != nil {
		return xdrwire.ReadRes{Status: uint32(statusFor(err))}, nil
	}
	if err := s.assumeCaller(ctx, r.Req); err != nil {
		return xdrwire.ReadRes{Status: uint32(nfserr.IO)}, nil
	}
	count := args.Count
	if count > MaxReadWrite {
		count = MaxReadWrite
	}
	uid := r.Req.Mount.Opts.AnonUID
	if ctx.HasUnixCred {
		uid = ctx.Cred.UID
	}
	fd, err := s.Cache.FD(r.Entry, uid, unix.O_RDONLY)
	if err != nil {
		return xdrwire.ReadRes{Status: uint32(statusFor(err))}, nil
	}
	buf := make([]byte, count)
	n, err := unix.Pread(fd, buf, int64(args.Offset))
	if err != nil {
		return xdrwire.ReadRes{Status: uint32(statusFor(err))}, nil
	}
	return xdrwire.ReadRes{Status: uint32(nfserr.OK), Attrs: fattrFor(r.Entry, r.Req.Mount.Opts.IDMap), Data: buf[:n]}, nil
}

// Write implements NFSPROC_WRITE: write at Offset (BeginOffset and
// TotalCount are cache-coherency hints from the NFS v2 client the
// original server never needed beyond the actual Offset/len(Data), so
// this mirrors that and ignores them).
func (s *Server) Write(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.WriteArgs)
	if !ok {
		return xdrwire.AttrStat{Status: uint32(nfserr.Inval)}, nil
	}
	r, err := s.resolve(ctx, args.FH, fhcache.MustExist)
	if err != nil {
		return xdrwire.AttrStat{Status: uint32(statusFor(err))}, nil
	}
	if r.Req.Mount.Opts.ReadOnly {
		return xdrwire.AttrStat{Status: uint32(nfserr.ROFS)}, nil
	}
	if err := s.assumeCaller(ctx, r.Req); err != nil {
		return xdrwire.AttrStat{Status: uint32(nfserr.IO)}, nil
	}
	uid := r.Req.Mount.Opts.AnonUID
	if ctx.HasUnixCred {
		uid = ctx.Cred.UID
	}
	fd, err := s.Cache.FD(r.Entry, uid, unix.O_RDWR)
	if err != nil {
		return xdrwire.AttrStat{Status: uint32(statusFor(err))}, nil
	}
	if _, err := unix.Pwrite(fd, args.Data, int64(args.Offset)); err != nil {
		return xdrwire.AttrStat{Status: uint32(statusFor(err))}, nil
	}
	if _, err := r.Entry.Refresh(0); err != nil {
		return xdrwire.AttrStat{Status: uint32(statusFor(err))}, nil
	}
	return xdrwire.AttrStat{Status: uint32(nfserr.OK), Attrs: fattrFor(r.Entry, r.Req.Mount.Opts.IDMap)}, nil
}
