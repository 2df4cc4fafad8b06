package rpcserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// maxUDPMessage bounds a single UDP datagram; NFS v2's 16 KiB READ/WRITE
// payload plus framing comfortably fits, matching the original's
// fixed-size receive buffer.
const maxUDPMessage = 65536

// ServeUDP listens on addr and feeds decoded calls into s.reqs until
// ctx is cancelled. One call = one datagram, no record marking.
func (s *Server) ServeUDP(ctx context.Context, addr string) error {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxUDPMessage)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("rpcserver: udp read failed")
			continue
		}
		msg := append([]byte(nil), buf[:n]...)
		s.submitDatagram(msg, raddr, conn)
	}
}

func (s *Server) submitDatagram(msg []byte, raddr *net.UDPAddr, conn *net.UDPConn) {
	r := bytes.NewReader(msg)
	hdr, err := ReadCallHeader(r)
	if err != nil {
		log.WithError(err).Debug("rpcserver: udp call header decode failed")
		return
	}
	argBody, _ := io.ReadAll(r)
	req := &request{
		header:  hdr,
		argBody: argBody,
		remote:  raddr.IP,
		port:    raddr.Port,
		reply: func(b []byte) error {
			_, err := conn.WriteToUDP(b, raddr)
			return err
		},
	}
	s.reqs <- req
}

// recordMarkMax bounds a single reassembled TCP RPC message.
const recordMarkMax = 1 << 20

// ServeTCP listens on addr and feeds decoded calls into s.reqs,
// reassembling ONC RPC's record-marking fragmentation (RFC 1057
// §10): a 4-byte big-endian header per fragment, high bit set on the
// final fragment of a message, low 31 bits the fragment's length.
func (s *Server) ServeTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("rpcserver: tcp accept failed")
			continue
		}
		go s.serveTCPConn(ctx, conn)
	}
}

func (s *Server) serveTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex
	raddr, _ := conn.RemoteAddr().(*net.TCPAddr)
	var remoteIP net.IP
	var remotePort int
	if raddr != nil {
		remoteIP, remotePort = raddr.IP, raddr.Port
	}

	for {
		msg, err := readRecordMarkedMessage(conn)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("rpcserver: tcp record read failed")
			}
			return
		}
		r := bytes.NewReader(msg)
		hdr, err := ReadCallHeader(r)
		if err != nil {
			log.WithError(err).Debug("rpcserver: tcp call header decode failed")
			continue
		}
		argBody, _ := io.ReadAll(r)
		req := &request{
			header:  hdr,
			argBody: argBody,
			remote:  remoteIP,
			port:    remotePort,
			reply: func(b []byte) error {
				writeMu.Lock()
				defer writeMu.Unlock()
				return writeRecordMarkedMessage(conn, b)
			},
		}
		select {
		case s.reqs <- req:
		case <-ctx.Done():
			return
		}
	}
}

func readRecordMarkedMessage(r io.Reader) ([]byte, error) {
	var out []byte
	for {
		var mark uint32
		if err := binary.Read(r, binary.BigEndian, &mark); err != nil {
			return nil, err
		}
		last := mark&0x80000000 != 0
		length := mark &^ 0x80000000
		if len(out)+int(length) > recordMarkMax {
			return nil, io.ErrShortBuffer
		}
		frag := make([]byte, length)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		out = append(out, frag...)
		if last {
			return out, nil
		}
	}
}

func writeRecordMarkedMessage(w io.Writer, msg []byte) error {
	mark := uint32(len(msg)) | 0x80000000
	if err := binary.Write(w, binary.BigEndian, mark); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}
