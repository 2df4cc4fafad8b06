// Package xdrwire defines the NFS v2 (RFC 1094) and MOUNT v1/v2 wire
// structures and their XDR encoding. Argument structs carry no
// discriminated unions, so they decode via reflection through
// github.com/rasky/go-xdr/xdr2 (grounded on other_examples'
// marmos91-dittofs mount handler, which decodes its MountRequest the
// same way). Result structs are NFS's classic "status then a
// conditional payload" unions, which a reflection-based codec can't
// express on its own; like the same grounding file's
// MountResponse.Encode, each result type hand-writes its status word
// and, only when status is OK, its payload -- using the shared
// encoding/binary primitives below, not go-xdr.
package xdrwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// FHSize is the fixed NFS v2 file handle size (FHSIZE).
const FHSize = 32

// FHandle is the opaque on-wire file handle.
type FHandle [FHSize]byte

// Timeval is an NFS v2 timestamp.
type Timeval struct {
	Seconds  uint32
	USeconds uint32
}

// NFS v2 file types (ftype).
const (
	NFNon    = 0
	NFReg    = 1
	NFDir    = 2
	NFBlk    = 3
	NFChr    = 4
	NFLnk    = 5
	NFSock   = 6
	NFFifo   = 7
	NFBadHdl = 8 // not on the wire
)

// NoChange32/NoChange16 are the SETATTR/CREATE "leave unchanged"
// sentinels the spec calls out as an Ultrix-compatibility quirk
// (spec §4.L SETATTR: "-1 and 0xFFFF mean unchanged").
const (
	NoChange32 = 0xFFFFFFFF
	NoChange16 = 0xFFFF
)

// FAttr is the NFS v2 fattr structure returned by GETATTR/SETATTR and
// embedded in every op that also returns a handle.
type FAttr struct {
	Type      uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Size      uint32
	Blocksize uint32
	Rdev      uint32
	Blocks    uint32
	Fsid      uint32
	FileID    uint32
	Atime     Timeval
	Mtime     Timeval
	Ctime     Timeval
}

// SAttr is the NFS v2 settable-attributes structure; fields carrying
// NoChange32 (or NoChange16 in Mode/UID/GID's top half, per the
// Ultrix quirk) are left untouched by SETATTR/CREATE.
type SAttr struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  uint32
	Atime Timeval
	Mtime Timeval
}

// --- Argument structs (decoded via xdr.Unmarshal; no unions) ---

type FHandleArgs struct {
	FH FHandle
}

type SattrArgs struct {
	FH    FHandle
	Attrs SAttr
}

type DirOpArgs struct {
	Dir  FHandle
	Name string
}

type ReadArgs struct {
	FH         FHandle
	Offset     uint32
	Count      uint32
	TotalCount uint32
}

type WriteArgs struct {
	FH          FHandle
	BeginOffset uint32
	Offset      uint32
	TotalCount  uint32
	Data        []byte
}

type CreateArgs struct {
	Where DirOpArgs
	Attrs SAttr
}

type RenameArgs struct {
	From DirOpArgs
	To   DirOpArgs
}

type LinkArgs struct {
	From FHandle
	To   DirOpArgs
}

type SymlinkArgs struct {
	From  DirOpArgs
	To    string
	Attrs SAttr
}

type ReadDirArgs struct {
	Dir    FHandle
	Cookie uint32
	Count  uint32
}

// Decode unmarshals an XDR-encoded argument struct into v (a pointer
// to one of the Args types above).
func Decode(data []byte, v interface{}) error {
	_, err := xdr.Unmarshal(bytes.NewReader(data), v)
	if err != nil {
		return fmt.Errorf("xdrwire: decode: %w", err)
	}
	return nil
}

// --- shared result-encoding primitives ---

func writeUint32(buf *bytes.Buffer, v uint32) error {
	return binary.Write(buf, binary.BigEndian, v)
}

func writeBool(buf *bytes.Buffer, v bool) error {
	var n uint32
	if v {
		n = 1
	}
	return writeUint32(buf, n)
}

// writeOpaqueFixed writes b verbatim (the handle's 32 bytes are
// already XDR's fixed-length opaque with no length prefix needed).
func writeOpaqueFixed(buf *bytes.Buffer, b []byte) error {
	_, err := buf.Write(b)
	return err
}

// writeOpaqueVar writes an XDR variable-length opaque: a 4-byte
// length followed by the bytes and zero-padding to a 4-byte boundary.
func writeOpaqueVar(buf *bytes.Buffer, b []byte) error {
	if err := writeUint32(buf, uint32(len(b))); err != nil {
		return err
	}
	if _, err := buf.Write(b); err != nil {
		return err
	}
	return writePad(buf, len(b))
}

// writeString writes an XDR string: identical wire shape to a
// variable-length opaque.
func writeString(buf *bytes.Buffer, s string) error {
	return writeOpaqueVar(buf, []byte(s))
}

func writePad(buf *bytes.Buffer, n int) error {
	if pad := (4 - n%4) % 4; pad > 0 {
		_, err := buf.Write(make([]byte, pad))
		return err
	}
	return nil
}

func writeFAttr(buf *bytes.Buffer, a FAttr) error {
	fields := []uint32{
		a.Type, a.Mode, a.Nlink, a.UID, a.GID, a.Size, a.Blocksize, a.Rdev,
		a.Blocks, a.Fsid, a.FileID,
		a.Atime.Seconds, a.Atime.USeconds,
		a.Mtime.Seconds, a.Mtime.USeconds,
		a.Ctime.Seconds, a.Ctime.USeconds,
	}
	for _, f := range fields {
		if err := writeUint32(buf, f); err != nil {
			return err
		}
	}
	return nil
}

// --- results ---

// Status is the wire NFS status word (see internal/nfserr.Status;
// xdrwire doesn't import nfserr to avoid a dependency cycle with the
// procedure layer, so callers pass the already-classified uint32).
type Status = uint32

type AttrStat struct {
	Status Status
	Attrs  FAttr
}

func (r AttrStat) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, r.Status); err != nil {
		return nil, err
	}
	if r.Status != 0 {
		return buf.Bytes(), nil
	}
	if err := writeFAttr(&buf, r.Attrs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type DirOpRes struct {
	Status Status
	FH     FHandle
	Attrs  FAttr
}

func (r DirOpRes) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, r.Status); err != nil {
		return nil, err
	}
	if r.Status != 0 {
		return buf.Bytes(), nil
	}
	if err := writeOpaqueFixed(&buf, r.FH[:]); err != nil {
		return nil, err
	}
	if err := writeFAttr(&buf, r.Attrs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type ReadLinkRes struct {
	Status Status
	Path   string
}

func (r ReadLinkRes) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, r.Status); err != nil {
		return nil, err
	}
	if r.Status != 0 {
		return buf.Bytes(), nil
	}
	if err := writeString(&buf, r.Path); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type ReadRes struct {
	Status Status
	Attrs  FAttr
	Data   []byte
}

func (r ReadRes) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, r.Status); err != nil {
		return nil, err
	}
	if r.Status != 0 {
		return buf.Bytes(), nil
	}
	if err := writeFAttr(&buf, r.Attrs); err != nil {
		return nil, err
	}
	if err := writeOpaqueVar(&buf, r.Data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NFSStat is the plain status-only reply (REMOVE/RENAME/LINK/SYMLINK/RMDIR/WRITECACHE).
type NFSStat struct {
	Status Status
}

func (r NFSStat) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, r.Status); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type ReadDirEntry struct {
	FileID uint32
	Name   string
	Cookie uint32
}

type ReadDirRes struct {
	Status  Status
	Entries []ReadDirEntry
	EOF     bool
}

func (r ReadDirRes) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, r.Status); err != nil {
		return nil, err
	}
	if r.Status != 0 {
		return buf.Bytes(), nil
	}
	for _, e := range r.Entries {
		if err := writeBool(&buf, true); err != nil { // "next entry follows"
			return nil, err
		}
		if err := writeUint32(&buf, e.FileID); err != nil {
			return nil, err
		}
		if err := writeString(&buf, e.Name); err != nil {
			return nil, err
		}
		if err := writeUint32(&buf, e.Cookie); err != nil {
			return nil, err
		}
	}
	if err := writeBool(&buf, false); err != nil { // no more entries
		return nil, err
	}
	if err := writeBool(&buf, r.EOF); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type StatFSRes struct {
	Status Status
	Tsize  uint32
	Bsize  uint32
	Blocks uint32
	Bfree  uint32
	Bavail uint32
}

func (r StatFSRes) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, r.Status); err != nil {
		return nil, err
	}
	if r.Status != 0 {
		return buf.Bytes(), nil
	}
	for _, f := range []uint32{r.Tsize, r.Bsize, r.Blocks, r.Bfree, r.Bavail} {
		if err := writeUint32(&buf, f); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// --- MOUNT v1/v2 ---

// DirPathArgs is MNT/UMNT's sole argument shape (UMNTALL and EXPORT
// take no arguments).
type DirPathArgs struct {
	DirPath string
}

// MOUNT status codes (appendix of RFC 1094).
const (
	MountOK        Status = 0
	MountErrPerm   Status = 1
	MountErrNoEnt  Status = 2
	MountErrIO     Status = 5
	MountErrAccess Status = 13
	MountErrNotDir Status = 20
	MountErrInval  Status = 22
	MountErrNameTooLong Status = 63
)

type FHStatus struct {
	Status Status
	FH     FHandle
}

func (r FHStatus) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeUint32(&buf, r.Status); err != nil {
		return nil, err
	}
	if r.Status != 0 {
		return buf.Bytes(), nil
	}
	if err := writeOpaqueFixed(&buf, r.FH[:]); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MountEntry is one DUMP reply record: a client name and the path it
// has mounted.
type MountEntry struct {
	Hostname  string
	Directory string
}

type MountListRes struct {
	Entries []MountEntry
}

func (r MountListRes) Encode() ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range r.Entries {
		if err := writeBool(&buf, true); err != nil {
			return nil, err
		}
		if err := writeString(&buf, e.Hostname); err != nil {
			return nil, err
		}
		if err := writeString(&buf, e.Directory); err != nil {
			return nil, err
		}
	}
	if err := writeBool(&buf, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExportEntry is one EXPORT reply record: an exported path and its
// allowed-client group list (rendered as the original export-file
// client tokens, e.g. "*.example.com").
type ExportEntry struct {
	Directory string
	Groups    []string
}

type ExportListRes struct {
	Entries []ExportEntry
}

func (r ExportListRes) Encode() ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range r.Entries {
		if err := writeBool(&buf, true); err != nil {
			return nil, err
		}
		if err := writeString(&buf, e.Directory); err != nil {
			return nil, err
		}
		for _, g := range e.Groups {
			if err := writeBool(&buf, true); err != nil {
				return nil, err
			}
			if err := writeString(&buf, g); err != nil {
				return nil, err
			}
		}
		if err := writeBool(&buf, false); err != nil {
			return nil, err
		}
	}
	if err := writeBool(&buf, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Void is the empty reply NULL carries (RFC 1057's void return: zero
// bytes, no status word at all).
type Void struct{}

func (Void) Encode() ([]byte, error) { return nil, nil }

// Result is implemented by every NFS/MOUNT reply payload above; the
// dispatcher calls Encode once a handler has produced one.
type Result interface {
	Encode() ([]byte, error)
}

// WriteResult writes r's encoded form to w, used by the dispatcher
// after framing the RPC reply header.
func WriteResult(w io.Writer, r Result) error {
	b, err := r.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
