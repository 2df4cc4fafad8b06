// Package rpcserver implements component K, the RPC dispatcher: ONC
// RPC (RFC 1057) message framing over UDP and TCP, and the
// table-driven decode/authorize/dispatch/reply loop of spec §4.K.
//
// The RPC header carries a variable-shaped auth body (AUTH_NULL is
// empty, AUTH_UNIX packs a machine name and a gid list) that a
// reflection-based XDR codec has no natural way to select between, so
// this file hand-rolls the fixed ONC RPC message framing with
// encoding/binary -- the same division of labor as
// internal/xdrwire, which reaches for go-xdr only where its
// reflection fits (plain argument records) and hand-writes the rest
// (discriminated unions, and here, the RPC envelope itself).
package rpcserver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ONC RPC message types and reply/accept status codes (RFC 1057 §9).
const (
	msgCall  = 0
	msgReply = 1

	msgAccepted = 0

	acceptSuccess      = 0
	acceptProgUnavail  = 1
	acceptProgMismatch = 2
	acceptProcUnavail  = 3
	acceptGarbageArgs  = 4

	// AuthNull and AuthUnix are the only credential flavors this
	// server interprets; anything else is accepted but its body is
	// treated as opaque bytes (no AUTH_UNIX uid/gid available).
	AuthNull = 0
	AuthUnix = 1
)

// CallHeader is a decoded ONC RPC call header, minus the
// procedure-specific argument bytes that follow it on the wire.
type CallHeader struct {
	Xid  uint32
	Prog uint32
	Vers uint32
	Proc uint32
	Cred OpaqueAuth
	Verf OpaqueAuth
}

// OpaqueAuth is the generic {flavor, body} pair every RPC credential
// and verifier is framed as.
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte
}

// AuthUnixCred is AUTH_UNIX's credential body (RFC 1057 §9.2): the
// calling uid/gid/supplementary groups the dispatcher hands to
// internal/creds before invoking a procedure handler.
type AuthUnixCred struct {
	Stamp   uint32
	Machine string
	UID     uint32
	GID     uint32
	GIDs    []uint32
}

// ReadCallHeader decodes a call header from the front of an RPC
// message, leaving r positioned at the start of the procedure
// arguments.
func ReadCallHeader(r io.Reader) (CallHeader, error) {
	var h CallHeader
	var fixed [6]uint32
	if err := binary.Read(r, binary.BigEndian, &fixed); err != nil {
		return h, fmt.Errorf("rpcserver: read call header: %w", err)
	}
	h.Xid = fixed[0]
	msgType := fixed[1]
	if msgType != msgCall {
		return h, fmt.Errorf("rpcserver: not a call message (type %d)", msgType)
	}
	h.Prog, h.Vers, h.Proc = fixed[3], fixed[4], fixed[5]

	var err error
	h.Cred, err = readOpaqueAuth(r)
	if err != nil {
		return h, err
	}
	h.Verf, err = readOpaqueAuth(r)
	if err != nil {
		return h, err
	}
	return h, nil
}

func readOpaqueAuth(r io.Reader) (OpaqueAuth, error) {
	var a OpaqueAuth
	var hdr [2]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return a, fmt.Errorf("rpcserver: read auth: %w", err)
	}
	a.Flavor, length := hdr[0], hdr[1]
	a.Body = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, a.Body); err != nil {
			return a, fmt.Errorf("rpcserver: read auth body: %w", err)
		}
	}
	if pad := (4 - length%4) % 4; pad > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return a, err
		}
	}
	return a, nil
}

// DecodeAuthUnix parses an AUTH_UNIX credential body.
func DecodeAuthUnix(body []byte) (AuthUnixCred, error) {
	r := bytes.NewReader(body)
	var c AuthUnixCred
	if err := binary.Read(r, binary.BigEndian, &c.Stamp); err != nil {
		return c, err
	}
	name, err := readXDRString(r)
	if err != nil {
		return c, err
	}
	c.Machine = name
	var uidgid [2]uint32
	if err := binary.Read(r, binary.BigEndian, &uidgid); err != nil {
		return c, err
	}
	c.UID, c.GID = uidgid[0], uidgid[1]
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return c, err
	}
	c.GIDs = make([]uint32, n)
	for i := range c.GIDs {
		if err := binary.Read(r, binary.BigEndian, &c.GIDs[i]); err != nil {
			return c, err
		}
	}
	return c, nil
}

func readXDRString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
	}
	if pad := (4 - n%4) % 4; pad > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

// nullVerf is the AUTH_NULL verifier this server always replies with.
var nullVerf = OpaqueAuth{Flavor: AuthNull}

func writeOpaqueAuth(w io.Writer, a OpaqueAuth) error {
	if err := binary.Write(w, binary.BigEndian, [2]uint32{a.Flavor, uint32(len(a.Body))}); err != nil {
		return err
	}
	if len(a.Body) == 0 {
		return nil
	}
	if _, err := w.Write(a.Body); err != nil {
		return err
	}
	if pad := (4 - len(a.Body)%4) % 4; pad > 0 {
		_, err := w.Write(make([]byte, pad))
		return err
	}
	return nil
}

// WriteAcceptedReply frames a successful reply: xid, REPLY/ACCEPTED,
// a null verifier, SUCCESS, then payload verbatim (payload is the
// already-XDR-encoded procedure result from internal/xdrwire).
func WriteAcceptedReply(w io.Writer, xid uint32, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, [3]uint32{xid, msgReply, msgAccepted}); err != nil {
		return err
	}
	if err := writeOpaqueAuth(w, nullVerf); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(acceptSuccess)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteProgUnavail/WriteProcUnavail/WriteGarbageArgs write the three
// ACCEPTED-but-not-SUCCESS variants the dispatcher needs for unknown
// program, unknown procedure, and a decode failure respectively.
func WriteProgUnavail(w io.Writer, xid uint32) error {
	return writeAcceptedStatus(w, xid, acceptProgUnavail, nil)
}

func WriteProcUnavail(w io.Writer, xid uint32) error {
	return writeAcceptedStatus(w, xid, acceptProcUnavail, nil)
}

func WriteGarbageArgs(w io.Writer, xid uint32) error {
	return writeAcceptedStatus(w, xid, acceptGarbageArgs, nil)
}

// WriteProgMismatch writes PROG_MISMATCH with the [low, high]
// supported version range, per RFC 1057 §9's accepted_reply union.
func WriteProgMismatch(w io.Writer, xid, low, high uint32) error {
	return writeAcceptedStatus(w, xid, acceptProgMismatch, []uint32{low, high})
}

func writeAcceptedStatus(w io.Writer, xid uint32, status uint32, extra []uint32) error {
	if err := binary.Write(w, binary.BigEndian, [3]uint32{xid, msgReply, msgAccepted}); err != nil {
		return err
	}
	if err := writeOpaqueAuth(w, nullVerf); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, status); err != nil {
		return err
	}
	if len(extra) == 0 {
		return nil
	}
	return binary.Write(w, binary.BigEndian, extra)
}
