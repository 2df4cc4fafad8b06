// Package nfserr classifies filesystem and protocol failures into the
// fixed set of NFS v2 status codes (RFC 1094 §2.3.1) that the wire
// format can carry.
package nfserr

import (
	"errors"
	"io/fs"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// Status is an NFS v2 status code.
type Status uint32

// The NFS v2 status codes the server ever returns. Unknown underlying
// errors collapse to StatusIO (spec §7).
const (
	OK          Status = 0
	Perm        Status = 1
	NoEnt       Status = 2
	IO          Status = 5
	NXIO        Status = 6
	Access      Status = 13
	Exist       Status = 17
	NoDev       Status = 19
	NotDir      Status = 20
	IsDir       Status = 21
	Inval       Status = 22
	FBig        Status = 27
	NoSpc       Status = 28
	ROFS        Status = 30
	NameTooLong Status = 63
	NotEmpty    Status = 66
	DQuot       Status = 69
	Stale       Status = 70
)

func (s Status) String() string {
	switch s {
	case OK:
		return "NFS_OK"
	case Perm:
		return "NFSERR_PERM"
	case NoEnt:
		return "NFSERR_NOENT"
	case IO:
		return "NFSERR_IO"
	case NXIO:
		return "NFSERR_NXIO"
	case Access:
		return "NFSERR_ACCES"
	case Exist:
		return "NFSERR_EXIST"
	case NoDev:
		return "NFSERR_NODEV"
	case NotDir:
		return "NFSERR_NOTDIR"
	case IsDir:
		return "NFSERR_ISDIR"
	case Inval:
		return "NFSERR_INVAL"
	case FBig:
		return "NFSERR_FBIG"
	case NoSpc:
		return "NFSERR_NOSPC"
	case ROFS:
		return "NFSERR_ROFS"
	case NameTooLong:
		return "NFSERR_NAMETOOLONG"
	case NotEmpty:
		return "NFSERR_NOTEMPTY"
	case DQuot:
		return "NFSERR_DQUOT"
	case Stale:
		return "NFSERR_STALE"
	default:
		return "NFSERR_UNKNOWN"
	}
}

// ErrStale is returned by cache-layer lookups that find a dangling or
// mismatched handle (spec §7); the dispatcher does not retry it.
var ErrStale = errors.New("stale file handle")

var errnoTable = map[syscall.Errno]Status{
	syscall.EPERM:        Perm,
	syscall.ENOENT:       NoEnt,
	syscall.EIO:          IO,
	syscall.ENXIO:        NXIO,
	syscall.EACCES:       Access,
	syscall.EEXIST:       Exist,
	syscall.ENODEV:       NoDev,
	syscall.ENOTDIR:      NotDir,
	syscall.EISDIR:       IsDir,
	syscall.EINVAL:       Inval,
	syscall.EFBIG:        FBig,
	syscall.ENOSPC:       NoSpc,
	syscall.EROFS:        ROFS,
	syscall.ENAMETOOLONG: NameTooLong,
	syscall.ENOTEMPTY:    NotEmpty,
	syscall.EDQUOT:       DQuot,
	syscall.ESTALE:       Stale,
}

// FromError classifies an arbitrary error into a wire Status. Errors
// that don't map to a known errno collapse to IO and are logged once
// here so the diagnostic isn't lost (spec §7: "Unknown underlying
// errors collapse to io with a logged diagnostic").
func FromError(err error) Status {
	if err == nil {
		return OK
	}
	if errors.Is(err, ErrStale) {
		return Stale
	}
	if errors.Is(err, fs.ErrNotExist) {
		return NoEnt
	}
	if errors.Is(err, fs.ErrPermission) {
		return Access
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if st, ok := errnoTable[errno]; ok {
			return st
		}
	}
	log.WithError(err).Debug("nfserr: unmapped error collapsed to NFSERR_IO")
	return IO
}
