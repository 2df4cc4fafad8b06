// Package mountproto implements the MOUNT v1/v2 procedures (RFC 1094
// appendix): MNT, DUMP, UMNT, UMNTALL, EXPORT and EXPORTALL. Spec.md
// itself doesn't carry a dedicated contract table for these the way
// it does for the NFSPROC_* set in §4.L; their behavior here is
// grounded directly on original_source/mountd.c, composed with the
// already-built export database, file-handle cache and remote-mount
// log components.
package mountproto

import (
	"net"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/jgoerzen/nfs-user-server/internal/authz"
	"github.com/jgoerzen/nfs-user-server/internal/exports"
	"github.com/jgoerzen/nfs-user-server/internal/fhcache"
	"github.com/jgoerzen/nfs-user-server/internal/hostres"
	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/rmtab"
	"github.com/jgoerzen/nfs-user-server/internal/rpcserver"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// CallContext is rpcserver's; mountproto handlers are registered into
// rpcserver.Procedure by cmd/nfsd, where both packages are imported.
type CallContext = rpcserver.CallContext

// Server holds the MOUNT protocol's dependencies: the same export
// database and handle cache the NFS procedures use, plus the
// remote-mount log and host resolver MNT/UMNT/UMNTALL/DUMP consult.
type Server struct {
	Cache   *fhcache.Cache
	Authz   *authz.Authorizer
	Exports *exports.DB
	RMTab   *rmtab.Log
	HostRes *hostres.Resolver

	// ReExport mirrors the "-r" flag (spec §6): by default, mounting a
	// path that is itself backed by an NFS mount is refused (spec §1
	// Non-goal "no re-export of network-mounted filesystems").
	ReExport bool
}

// nfsSuperMagic is statfs(2)'s f_type value for an NFS-backed
// filesystem on Linux.
const nfsSuperMagic = 0x6969

// isNFSMount reports whether path's filesystem is itself NFS,
// replacing the original's /etc/mtab-scraping `nfsmounted()` check
// (original_source/mountd.c) with a direct statfs(2) query.
func isNFSMount(path string) bool {
	var st unix.Statfs_t
	if unix.Statfs(path, &st) != nil {
		return false
	}
	return int64(st.Type) == nfsSuperMagic
}

// clientName resolves addr to a verified hostname for the
// remote-mount log, falling back to the dotted address when reverse
// resolution fails or isn't configured (original_source/mountd.c logs
// rmtab entries by whatever name is on hand; an unresolvable client
// still gets one consistent key it can UMNTALL against later).
func (s *Server) clientName(addr net.IP) string {
	if s.HostRes != nil {
		if name, err := s.HostRes.Reverse(addr); err == nil && name != "" {
			return name
		}
	}
	return addr.String()
}

// mountStatusFor classifies a filesystem error into a MOUNT status.
// The MOUNT status space reuses the NFS v2 numbering (both trace back
// to the same errno-derived table in the original sources), so
// nfserr's classifier applies unchanged.
func mountStatusFor(err error) xdrwire.Status {
	return xdrwire.Status(nfserr.FromError(err))
}

// canonicalize resolves symlinks in path the way efs_realpath does,
// so authorization and the mounted-filesystem check operate on the
// real location rather than whatever alias the client sent. A path
// that can't be resolved (doesn't exist yet, dangling component) is
// passed through unchanged; the subsequent stat reports the real
// error.
func canonicalize(path string) string {
	if path == "" {
		return "/"
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		if abs, err := filepath.Abs(resolved); err == nil {
			return abs
		}
		return resolved
	}
	return path
}

func isDirOrRegular(st *unix.Stat_t) bool {
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR, unix.S_IFREG:
		return true
	default:
		return false
	}
}
