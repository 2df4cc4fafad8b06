package mountproto

import (
	"github.com/jgoerzen/nfs-user-server/internal/rpcserver"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// MountProgram is the ONC RPC program number assigned to MOUNT.
const MountProgram = 100005

// Program builds the rpcserver.Program for MOUNT v1 and v2. Version 2
// reuses the version-1 table entirely, the same "cheat" the original
// dispatch does (original_source/mount_dispatch.c: "We cheat here and
// use version #1 for all except pathconf"); PATHCONF itself is
// omitted here since neither spec.md nor this pack's NFS v2 attribute
// model defines pathconf semantics beyond the raw POSIX pathconf(3)
// values the original forwards unfiltered.
func Program(s *Server) rpcserver.Program {
	v1 := []rpcserver.Procedure{
		{Name: "NULL", Handler: s.Null},
		{Name: "MNT", NewArgs: func() interface{} { return &xdrwire.DirPathArgs{} }, Handler: s.Mnt},
		{Name: "DUMP", Handler: s.Dump},
		{Name: "UMNT", NewArgs: func() interface{} { return &xdrwire.DirPathArgs{} }, Handler: s.Umnt},
		{Name: "UMNTALL", Handler: s.Umntall},
		{Name: "EXPORT", Handler: s.Export},
		{Name: "EXPORTALL", Handler: s.Export},
	}
	return rpcserver.Program{
		Number: MountProgram,
		Versions: map[uint32][]rpcserver.Procedure{
			1: v1,
			2: v1,
		},
	}
}
