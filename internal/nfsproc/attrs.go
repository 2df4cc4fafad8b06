package nfsproc

import (
	"golang.org/x/sys/unix"

	"github.com/jgoerzen/nfs-user-server/internal/fhcache"
	"github.com/jgoerzen/nfs-user-server/internal/idmap"
	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// GetAttr implements NFSPROC_GETATTR, grounded on
// original_source/getattr.c: resolve, re-authorize, report fattr.
func (s *Server) GetAttr(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.FHandleArgs)
	if !ok {
		return xdrwire.AttrStat{Status: uint32(nfserr.Inval)}, nil
	}
	r, err := s.resolve(ctx, args.FH, fhcache.MustExist)
	if err != nil {
		return xdrwire.AttrStat{Status: uint32(statusFor(err))}, nil
	}
	return xdrwire.AttrStat{Status: uint32(nfserr.OK), Attrs: fattrFor(r.Entry, r.Req.Mount.Opts.IDMap)}, nil
}

// SetAttr implements NFSPROC_SETATTR, grounded on
// original_source/setattr.c's field-by-field application: each of
// mode/uid-gid/size/atime-mtime is applied only when its wire value
// isn't the NoChange32/NoChange16 sentinel.
func (s *Server) SetAttr(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.SattrArgs)
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
	if err := applySAttr(r.Entry.Path, args.Attrs, r.Entry.Stat, r.Req.Mount.Opts.IDMap); err != nil {
		return xdrwire.AttrStat{Status: uint32(statusFor(err))}, nil
	}
	if _, err := r.Entry.Refresh(0); err != nil {
		return xdrwire.AttrStat{Status: uint32(statusFor(err))}, nil
	}
	return xdrwire.AttrStat{Status: uint32(nfserr.OK), Attrs: fattrFor(r.Entry, r.Req.Mount.Opts.IDMap)}, nil
}

// applySAttr is the shared SETATTR/CREATE/MKDIR attribute-application
// helper: every sentinel-gated field from setattr.c, reusable wherever
// the protocol lets a caller supply an sattr alongside a create.
func applySAttr(path string, sa xdrwire.SAttr, cur unix.Stat_t, idm *idmap.Map) error {
	if sa.Mode != xdrwire.NoChange32 && sa.Mode != xdrwire.NoChange16 {
		if err := unix.Chmod(path, sa.Mode&07777); err != nil {
			return err
		}
	}

	setUID := sa.UID != xdrwire.NoChange32 && sa.UID != xdrwire.NoChange16
	setGID := sa.GID != xdrwire.NoChange32 && sa.GID != xdrwire.NoChange16
	if setUID || setGID {
		uid, gid := -1, -1
		if setUID {
			u := sa.UID
			if idm != nil {
				u = idm.LocalUID(u)
			}
			uid = int(u)
		}
		if setGID {
			g := sa.GID
			if idm != nil {
				g = idm.LocalGID(g)
			}
			gid = int(g)
		}
		if err := unix.Lchown(path, uid, gid); err != nil {
			return err
		}
	}

	if sa.Size != xdrwire.NoChange32 {
		if err := unix.Truncate(path, int64(sa.Size)); err != nil {
			return err
		}
	}

	if sa.Atime.Seconds != xdrwire.NoChange32 || sa.Mtime.Seconds != xdrwire.NoChange32 {
		atime := unix.NsecToTimespec(cur.Atim.Nano())
		mtime := unix.NsecToTimespec(cur.Mtim.Nano())
		if sa.Atime.Seconds != xdrwire.NoChange32 {
			atime = unix.Timespec{Sec: int64(sa.Atime.Seconds), Nsec: int64(sa.Atime.USeconds) * 1000}
		}
		if sa.Mtime.Seconds != xdrwire.NoChange32 {
			mtime = unix.Timespec{Sec: int64(sa.Mtime.Seconds), Nsec: int64(sa.Mtime.USeconds) * 1000}
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{atime, mtime}, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return err
		}
	}
	return nil
}
