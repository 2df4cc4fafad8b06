package nfsproc

import (
	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// Null implements NFSPROC_NULL: a connectivity probe,
// no authorization, no filesystem access.
func (s *Server) Null(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	return xdrwire.Void{}, nil
}

// WriteCache implements the reserved NFSPROC_WRITECACHE slot (proc 7):
// never issued by any real client, kept only so the version 2
// procedure table has the right shape (original's dispatch table
// carries the same unused entry).
func (s *Server) WriteCache(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	return xdrwire.NFSStat{Status: uint32(nfserr.OK)}, nil
}
