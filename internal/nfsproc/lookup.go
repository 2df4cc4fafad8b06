package nfsproc

import (
	"net/url"
	"strings"

	"github.com/jgoerzen/nfs-user-server/internal/fhcache"
	"github.com/jgoerzen/nfs-user-server/internal/nfserr"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// publicFH is the all-zero handle WebNFS clients pass as the
// directory argument of a public LOOKUP (spec §4.L LOOKUP: "Public
// handle triggers multi-component/URL-escaped lookup").
var publicFH xdrwire.FHandle

// Lookup implements NFSPROC_LOOKUP: resolve the directory handle,
// re-authorize it, then compose the child (spec §4.L LOOKUP), using
// internal/fhcache's Compose exactly as the path-rebuilder does. A
// directory handle of all zeros is the public filehandle; Name is
// then a "/"-joined, URL-escaped path walked component by component
// from PublicRoot rather than a single entry in one directory.
func (s *Server) Lookup(ctx *CallContext, rawArgs interface{}) (xdrwire.Result, error) {
	args, ok := rawArgs.(*xdrwire.DirOpArgs)
	if !ok {
		return xdrwire.DirOpRes{Status: uint32(nfserr.Inval)}, nil
	}
	if args.Dir == publicFH && s.PublicRoot != "" {
		return s.publicLookup(ctx, args.Name)
	}
	dir, err := s.resolve(ctx, args.Dir, fhcache.MustExist)
	if err != nil {
		return xdrwire.DirOpRes{Status: uint32(statusFor(err))}, nil
	}
	childHandle, childEntry, err := s.Cache.Compose(dir.Handle, dir.Entry, args.Name)
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

// publicLookup walks name's "/"-separated, URL-escaped components one
// at a time from PublicRoot, re-authorizing against the root itself
// (each intermediate component is a path under the same export, so
// one check at the root covers the whole walk -- matching ordinary
// LOOKUP's single re-authorization of its starting handle).
func (s *Server) publicLookup(ctx *CallContext, rawName string) (xdrwire.Result, error) {
	h, entry, err := s.Cache.Create(s.PublicRoot)
	if err != nil {
		return xdrwire.DirOpRes{Status: uint32(statusFor(err))}, nil
	}
	req, err := s.Authz.Authorize(ctx.RemoteAddr, ctx.SourcePort, entry.Path)
	if err != nil {
		return xdrwire.DirOpRes{Status: uint32(statusFor(err))}, nil
	}
	for _, comp := range strings.Split(rawName, "/") {
		if comp == "" {
			continue
		}
		decoded, err := url.PathUnescape(comp)
		if err != nil {
			return xdrwire.DirOpRes{Status: uint32(nfserr.Inval)}, nil
		}
		h, entry, err = s.Cache.Compose(h, entry, decoded)
		if err != nil {
			return xdrwire.DirOpRes{Status: uint32(statusFor(err))}, nil
		}
	}
	wire, err := wireHandle(h)
	if err != nil {
		return xdrwire.DirOpRes{Status: uint32(statusFor(err))}, nil
	}
	return xdrwire.DirOpRes{
		Status: uint32(nfserr.OK),
		FH:     wire,
		Attrs:  fattrFor(entry, req.Mount.Opts.IDMap),
	}, nil
}
