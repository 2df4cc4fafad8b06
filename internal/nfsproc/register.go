package nfsproc

import (
	"github.com/jgoerzen/nfs-user-server/internal/rpcserver"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// NFSProgram is the ONC RPC program number assigned to NFS (RFC 1094).
const NFSProgram = 100003

// Program builds the rpcserver.Program for NFS v2, wiring every
// NFSPROC_* procedure (spec §4.L) to its handler in the fixed
// procedure-number order RFC 1094 assigns them.
func Program(s *Server) rpcserver.Program {
	return rpcserver.Program{
		Number: NFSProgram,
		Versions: map[uint32][]rpcserver.Procedure{
			2: {
				{Name: "NULL", Handler: s.Null},
				{Name: "GETATTR", NewArgs: func() interface{} { return &xdrwire.FHandleArgs{} }, Handler: s.GetAttr},
				{Name: "SETATTR", NewArgs: func() interface{} { return &xdrwire.SattrArgs{} }, Handler: s.SetAttr},
				{Name: "ROOT", Handler: s.Null}, // obsolete procedure (RFC 1094 §2.2.4); original dispatch table stubs it identically to NULL
				{Name: "LOOKUP", NewArgs: func() interface{} { return &xdrwire.DirOpArgs{} }, Handler: s.Lookup},
				{Name: "READLINK", NewArgs: func() interface{} { return &xdrwire.FHandleArgs{} }, Handler: s.ReadLink},
				{Name: "READ", NewArgs: func() interface{} { return &xdrwire.ReadArgs{} }, Handler: s.Read},
				{Name: "WRITECACHE", Handler: s.WriteCache},
				{Name: "WRITE", NewArgs: func() interface{} { return &xdrwire.WriteArgs{} }, Handler: s.Write},
				{Name: "CREATE", NewArgs: func() interface{} { return &xdrwire.CreateArgs{} }, Handler: s.Create},
				{Name: "REMOVE", NewArgs: func() interface{} { return &xdrwire.DirOpArgs{} }, Handler: s.Remove},
				{Name: "RENAME", NewArgs: func() interface{} { return &xdrwire.RenameArgs{} }, Handler: s.Rename},
				{Name: "LINK", NewArgs: func() interface{} { return &xdrwire.LinkArgs{} }, Handler: s.Link},
				{Name: "SYMLINK", NewArgs: func() interface{} { return &xdrwire.SymlinkArgs{} }, Handler: s.Symlink},
				{Name: "MKDIR", NewArgs: func() interface{} { return &xdrwire.CreateArgs{} }, Handler: s.Mkdir},
				{Name: "RMDIR", NewArgs: func() interface{} { return &xdrwire.DirOpArgs{} }, Handler: s.Rmdir},
				{Name: "READDIR", NewArgs: func() interface{} { return &xdrwire.ReadDirArgs{} }, Handler: s.ReadDir},
				{Name: "STATFS", NewArgs: func() interface{} { return &xdrwire.FHandleArgs{} }, Handler: s.StatFS},
			},
		},
	}
}
