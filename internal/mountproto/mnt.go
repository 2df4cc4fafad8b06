package mountproto

import (
	"golang.org/x/sys/unix"

	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// Null implements MOUNTPROC_NULL.
func (s *Server) Null(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	return xdrwire.Void{}, nil
}

// Mnt implements MOUNTPROC_MNT (original_source/mountd.c
// mountproc_mnt_1_svc): resolve symlinks, authorize the caller
// against the resolved path, confirm the target is a directory or
// regular file, refuse re-exporting an NFS-backed path unless
// ReExport is set, hand out a fresh handle and record the mount in
// the remote-mount log.
func (s *Server) Mnt(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.DirPathArgs)
	if !ok {
		return xdrwire.FHStatus{Status: xdrwire.MountErrInval}, nil
	}
	path := canonicalize(args.DirPath)

	if _, err := s.Authz.Authorize(ctx.RemoteAddr, ctx.SourcePort, path); err != nil {
		return xdrwire.FHStatus{Status: xdrwire.MountErrAccess}, nil
	}

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return xdrwire.FHStatus{Status: mountStatusFor(err)}, nil
	}
	if !isDirOrRegular(&st) {
		return xdrwire.FHStatus{Status: xdrwire.MountErrNotDir}, nil
	}
	if !s.ReExport && isNFSMount(path) {
		return xdrwire.FHStatus{Status: xdrwire.MountErrAccess}, nil
	}

	h, _, err := s.Cache.Create(path)
	if err != nil {
		return xdrwire.FHStatus{Status: mountStatusFor(err)}, nil
	}
	wire, err := h.Marshal()
	if err != nil {
		return xdrwire.FHStatus{Status: xdrwire.MountErrIO}, nil
	}

	if s.RMTab != nil {
		_ = s.RMTab.Add(s.clientName(ctx.RemoteAddr), path)
	}

	return xdrwire.FHStatus{Status: xdrwire.MountOK, FH: xdrwire.FHandle(wire)}, nil
}

// Umnt implements MOUNTPROC_UMNT: drop one host:path pair from the
// remote-mount log (original_source/mountd.c mountproc_umnt_1_svc).
// Spec.md's worked scenario treats an unmount of a never-mounted path
// as a no-op rather than an error, matching rmtab_del_client's
// unconditional removal attempt.
func (s *Server) Umnt(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.DirPathArgs)
	if !ok {
		return xdrwire.Void{}, nil
	}
	if s.RMTab != nil {
		_ = s.RMTab.Remove(s.clientName(ctx.RemoteAddr), canonicalize(args.DirPath))
	}
	return xdrwire.Void{}, nil
}

// Umntall implements MOUNTPROC_UMNTALL: drop every rmtab pair for the
// calling host (original_source/mountd.c mountproc_umntall_1_svc).
func (s *Server) Umntall(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	if s.RMTab != nil {
		_ = s.RMTab.RemoveHost(s.clientName(ctx.RemoteAddr))
	}
	return xdrwire.Void{}, nil
}

// Dump implements MOUNTPROC_DUMP: list every active mount
// (original_source/mountd.c mountproc_dump_1_svc, rmtab_lst_client).
func (s *Server) Dump(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	if s.RMTab == nil {
		return xdrwire.MountListRes{}, nil
	}
	entries, err := s.RMTab.List()
	if err != nil {
		return xdrwire.MountListRes{}, nil
	}
	res := xdrwire.MountListRes{Entries: make([]xdrwire.MountEntry, 0, len(entries))}
	for _, e := range entries {
		res.Entries = append(res.Entries, xdrwire.MountEntry{Hostname: e.Host, Directory: e.Path})
	}
	return res, nil
}

// Export implements MOUNTPROC_EXPORT/EXPORTALL: return the static
// list of exported directories and the client specs allowed to mount
// each one (original_source/mountd.c's export_list, rebuilt here from
// the live export database rather than cached once at startup, so a
// reloaded exports file is reflected immediately).
func (s *Server) Export(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	if s.Exports == nil {
		return xdrwire.ExportListRes{}, nil
	}
	list := s.Exports.Exports()
	res := xdrwire.ExportListRes{Entries: make([]xdrwire.ExportEntry, 0, len(list))}
	for _, e := range list {
		res.Entries = append(res.Entries, xdrwire.ExportEntry{Directory: e.Path, Groups: e.Clients})
	}
	return res, nil
}
