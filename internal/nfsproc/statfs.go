package nfsproc

import (
	"golang.org/x/sys/unix"

	"github.com/jgoerzen/nfs-user-server/internal/fhcache"
	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// statfsTsize and statfsBsize are the fixed values NFSPROC_STATFS
// reports regardless of the underlying filesystem's own block size
// (spec §4.L STATFS: "Fixed 8 KiB transfer size, 512-byte block
// reporting") -- classic NFS v2 clients expect these constants, not
// whatever blksize the local filesystem happens to use.
const (
	statfsTsize = 8192
	statfsBsize = 512
)

// StatFS implements NFSPROC_STATFS, reporting the underlying
// filesystem's block counts rescaled to the fixed 512-byte block size
// the wire format expects (spec §4.L STATFS).
func (s *Server) StatFS(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.FHandleArgs)
	if !ok {
		return xdrwire.StatFSRes{Status: uint32(nfserr.Inval)}, nil
	}
	r, err := s.resolve(ctx, args.FH, fhcache.MustExist)
	if err != nil {
		return xdrwire.StatFSRes{Status: uint32(statusFor(err))}, nil
	}
	var st unix.Statfs_t
	if err := unix.Statfs(r.Entry.Path, &st); err != nil {
		return xdrwire.StatFSRes{Status: uint32(statusFor(err))}, nil
	}
	scale := uint64(st.Bsize) / statfsBsize
	if scale == 0 {
		scale = 1
	}
	return xdrwire.StatFSRes{
		Status: uint32(nfserr.OK),
		Tsize:  statfsTsize,
		Bsize:  statfsBsize,
		Blocks: uint32(st.Blocks * scale),
		Bfree:  uint32(st.Bfree * scale),
		Bavail: uint32(st.Bavail * scale),
	}, nil
}
