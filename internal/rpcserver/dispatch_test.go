package rpcserver

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

func testReply() (chan []byte, func([]byte) error) {
	ch := make(chan []byte, 1)
	return ch, func(b []byte) error { ch <- b; return nil }
}

func TestHandleOneDispatchesToRegisteredProcedure(t *testing.T) {
	s := NewServer(nil)
	called := false
	prog := &Program{
		Number: 100003,
		Versions: map[uint32][]Procedure{
			2: {
				{Name: "NULL", Handler: func(ctx *CallContext, args interface{}) (xdrwire.Result, error) {
					called = true
					return xdrwire.NFSStat{Status: 0}, nil
				}},
			},
		},
	}
	s.Register(prog)

	ch, reply := testReply()
	s.handleOne(context.Background(), &request{
		header: CallHeader{Xid: 1, Prog: 100003, Vers: 2, Proc: 0},
		remote: net.ParseIP("10.0.0.1"),
		port:   700,
		reply:  reply,
	})
	assert.True(t, called)
	select {
	case b := <-ch:
		assert.Equal(t, uint32(1), binary.BigEndian.Uint32(b[0:4]))
	case <-time.After(time.Second):
		t.Fatal("no reply sent")
	}
}

func TestHandleOneUnknownProgramRepliesProgUnavail(t *testing.T) {
	s := NewServer(nil)
	ch, reply := testReply()
	s.handleOne(context.Background(), &request{
		header: CallHeader{Xid: 9, Prog: 999, Vers: 1, Proc: 0},
		reply:  reply,
	})
	b := <-ch
	accStat := binary.BigEndian.Uint32(b[20:24])
	assert.Equal(t, uint32(acceptProgUnavail), accStat)
}

func TestHandleOneUnknownVersionRepliesProgMismatch(t *testing.T) {
	s := NewServer(nil)
	s.Register(&Program{Number: 100003, Versions: map[uint32][]Procedure{2: {{Name: "NULL"}}}})
	ch, reply := testReply()
	s.handleOne(context.Background(), &request{
		header: CallHeader{Xid: 9, Prog: 100003, Vers: 7, Proc: 0},
		reply:  reply,
	})
	b := <-ch
	accStat := binary.BigEndian.Uint32(b[20:24])
	assert.Equal(t, uint32(acceptProgMismatch), accStat)
}

func TestHandleOneUnknownProcRepliesProcUnavail(t *testing.T) {
	s := NewServer(nil)
	s.Register(&Program{Number: 100003, Versions: map[uint32][]Procedure{2: {{Name: "NULL"}}}})
	ch, reply := testReply()
	s.handleOne(context.Background(), &request{
		header: CallHeader{Xid: 9, Prog: 100003, Vers: 2, Proc: 5},
		reply:  reply,
	})
	b := <-ch
	accStat := binary.BigEndian.Uint32(b[20:24])
	assert.Equal(t, uint32(acceptProcUnavail), accStat)
}

func TestHandleOneBadArgsRepliesGarbageArgs(t *testing.T) {
	s := NewServer(nil)
	s.Register(&Program{
		Number: 100003,
		Versions: map[uint32][]Procedure{2: {
			{Name: "LOOKUP", NewArgs: func() interface{} { return &xdrwire.DirOpArgs{} }},
		}},
	})
	ch, reply := testReply()
	s.handleOne(context.Background(), &request{
		header:  CallHeader{Xid: 9, Prog: 100003, Vers: 2, Proc: 0},
		argBody: []byte{1, 2}, // too short to decode
		reply:   reply,
	})
	b := <-ch
	accStat := binary.BigEndian.Uint32(b[20:24])
	assert.Equal(t, uint32(acceptGarbageArgs), accStat)
}

func TestServiceDeferredWorkRunsCallbacksOnce(t *testing.T) {
	s := NewServer(nil)
	reloads := 0
	s.OnReload = func() { reloads++ }
	s.reloadRequested.Store(true)
	s.serviceDeferredWork()
	s.serviceDeferredWork()
	require.Equal(t, 1, reloads)
}
