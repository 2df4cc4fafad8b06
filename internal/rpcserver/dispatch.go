package rpcserver

import (
	"bytes"
	"context"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jgoerzen/nfs-user-server/internal/creds"
	"github.com/jgoerzen/nfs-user-server/internal/logging"
	"github.com/jgoerzen/nfs-user-server/internal/metrics"
	"github.com/jgoerzen/nfs-user-server/internal/xdrwire"
)

// CallContext is what a procedure handler sees of one request: its
// caller's address/port (authz needs both), and the AUTH_UNIX
// credential if the client sent one (the overwhelming common case;
// absent for AUTH_NULL calls like the NULL procedure itself).
type CallContext struct {
	Context     context.Context
	RemoteAddr  net.IP
	SourcePort  int
	Cred        AuthUnixCred
	HasUnixCred bool
}

// Handler is a procedure implementation. A non-nil error indicates an
// unexpected internal failure (logged, procedure treated as if it
// never ran); ordinary NFS/MOUNT failures are carried inside the
// returned xdrwire.Result itself (its embedded Status field), per
// spec §4.L "every handler ... re-authorizes".
type Handler func(ctx *CallContext, args interface{}) (xdrwire.Result, error)

// Procedure binds one RPC procedure number to its argument shape and
// handler, mirroring original_source/nfs_dispatch.c's dispatch_entry
// (table_ent res_type, arg_type, funct): Go's closures replace the
// C table's function-pointer-plus-sizeof-struct pair.
type Procedure struct {
	Name string
	// NewArgs returns a pointer to a fresh, zeroed argument struct
	// for xdrwire.Decode to fill in; nil means the procedure takes no
	// arguments (e.g. NULL, UMNTALL).
	NewArgs func() interface{}
	Handler Handler
}

// Program is one ONC RPC program (NFS or MOUNT), keyed by version
// then procedure index, matching the original's per-version dtable
// arrays (mount_dispatch.c's mount_1_table/mount_2_table).
type Program struct {
	Number   uint32
	Versions map[uint32][]Procedure
}

func (p *Program) versionRange() (low, high uint32) {
	first := true
	for v := range p.Versions {
		if first || v < low {
			low = v
		}
		if first || v > high {
			high = v
		}
		first = false
	}
	return
}

// Server is the single-threaded RPC dispatcher of spec §4.K: requests
// from every registered transport funnel into one channel, drained by
// one goroutine so that, per spec §5 "Scheduling model", no two
// requests are ever handled concurrently.
type Server struct {
	Programs map[uint32]*Program
	Creds    *creds.Switch
	Metrics  *metrics.Registry

	// DebugGate, when set, is toggled by SIGUSR1 instead of flipping
	// logrus's level directly (spec §5 "SIGUSR1 toggles debug
	// logging"), letting "-d KIND" facilities keep their individual
	// meaning across a toggle rather than collapsing to one global bit.
	DebugGate *logging.Gate

	// OnReload/OnFlush/OnShutdown are invoked from the dispatch loop,
	// never from the signal goroutine itself, implementing spec
	// §4.K step 7 and §5 "Signals": mutation of shared state (exports
	// reload, cache flush) only ever happens between requests, on the
	// single dispatch goroutine.
	OnReload   func()
	OnFlush    func()
	OnShutdown func()

	reqs chan *request

	reloadRequested   atomic.Bool
	flushRequested    atomic.Bool
	debugToggled      atomic.Bool
	shutdownRequested atomic.Bool
}

type request struct {
	header  CallHeader
	argBody []byte
	remote  net.IP
	port    int
	reply   func([]byte) error
}

// NewServer returns an empty dispatcher; call Register for each
// program before Serve.
func NewServer(cs *creds.Switch) *Server {
	return &Server{
		Programs: make(map[uint32]*Program),
		Creds:    cs,
		reqs:     make(chan *request, 64),
	}
}

// Register adds a program (NFS, MOUNT) to the dispatch table.
func (s *Server) Register(p *Program) { s.Programs[p.Number] = p }

// Serve runs the dispatch loop until ctx is cancelled or SIGTERM
// arrives; the transports are constructed with this Server's reqs
// channel and started by the caller, not here. FlushPeriod
// drives the spec §5 "SIGALRM... periodic handle-cache flush
// (5-second cadence)" requirement; Go has no portable equivalent of a
// repeating interval timer delivered as a real signal, so a
// time.Ticker stands in (this is an intentional ambient-stack
// substitution, not a missing feature -- see DESIGN.md).
func (s *Server) Serve(ctx context.Context, flushPeriod time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// shutdownWake lets a SIGTERM that arrives while idle (no request
	// pending to carry serviceDeferredWork's shutdown check) still wake
	// the dispatch loop immediately, rather than waiting for the next
	// call that may never come.
	shutdownWake := make(chan struct{}, 1)

	var flushTick <-chan time.Time
	if flushPeriod > 0 {
		t := time.NewTicker(flushPeriod)
		defer t.Stop()
		flushTick = t.C
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					s.reloadRequested.Store(true)
				case syscall.SIGUSR1:
					s.debugToggled.Store(true)
				case syscall.SIGTERM:
					s.shutdownRequested.Store(true)
					select {
					case shutdownWake <- struct{}{}:
					default:
					}
				}
			case <-flushTick:
				s.flushRequested.Store(true)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-shutdownWake:
			if s.OnShutdown != nil {
				s.OnShutdown()
			}
			return nil
		case req := <-s.reqs:
			s.handleOne(ctx, req)
			s.serviceDeferredWork()
			if s.shutdownRequested.Load() {
				if s.OnShutdown != nil {
					s.OnShutdown()
				}
				return nil
			}
		}
	}
}

// serviceDeferredWork implements spec §4.K step 7: after a reply is
// sent, service any reinitialization/flush signal that arrived during
// the call. Because signal delivery here only ever sets an atomic
// flag (never mutates exports/cache state directly), there is no
// "dirty" window to protect -- the single dispatch goroutine is the
// only mutator, so the Go translation of the C dirty-flag discipline
// is simply "check the flags between requests, not during one".
func (s *Server) serviceDeferredWork() {
	if s.reloadRequested.CompareAndSwap(true, false) && s.OnReload != nil {
		s.OnReload()
	}
	if s.flushRequested.CompareAndSwap(true, false) && s.OnFlush != nil {
		s.OnFlush()
	}
	if s.debugToggled.CompareAndSwap(true, false) {
		if s.DebugGate != nil {
			s.DebugGate.Toggle()
			if s.DebugGate.Active() {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.InfoLevel)
			}
			return
		}
		lvl := log.GetLevel()
		if lvl == log.DebugLevel {
			log.SetLevel(log.InfoLevel)
		} else {
			log.SetLevel(log.DebugLevel)
		}
	}
}

func (s *Server) handleOne(ctx context.Context, req *request) {
	if s.Creds != nil {
		if err := s.Creds.Reset(); err != nil {
			log.WithError(err).Error("rpcserver: failed to reset credentials to privileged")
		}
	}

	prog, ok := s.Programs[req.header.Prog]
	if !ok {
		if err := req.reply(progUnavailReply(req.header.Xid)); err != nil {
			log.WithError(err).Debug("rpcserver: write PROG_UNAVAIL failed")
		}
		return
	}
	procs, ok := prog.Versions[req.header.Vers]
	if !ok {
		low, high := prog.versionRange()
		if err := req.reply(progMismatchReply(req.header.Xid, low, high)); err != nil {
			log.WithError(err).Debug("rpcserver: write PROG_MISMATCH failed")
		}
		return
	}
	if int(req.header.Proc) >= len(procs) {
		if err := req.reply(procUnavailReply(req.header.Xid)); err != nil {
			log.WithError(err).Debug("rpcserver: write PROC_UNAVAIL failed")
		}
		return
	}
	proc := procs[req.header.Proc]
	if s.Metrics != nil {
		s.Metrics.Calls.WithLabelValues(proc.Name).Inc()
	}

	var args interface{}
	if proc.NewArgs != nil {
		args = proc.NewArgs()
		if len(req.argBody) > 0 {
			if err := xdrwire.Decode(req.argBody, args); err != nil {
				log.WithError(err).WithField("proc", proc.Name).Debug("rpcserver: arg decode failed")
				if err := req.reply(garbageArgsReply(req.header.Xid)); err != nil {
					log.WithError(err).Debug("rpcserver: write GARBAGE_ARGS failed")
				}
				return
			}
		}
	}

	cc := &CallContext{
		Context:    ctx,
		RemoteAddr: req.remote,
		SourcePort: req.port,
	}
	if req.header.Cred.Flavor == AuthUnix {
		if au, err := DecodeAuthUnix(req.header.Cred.Body); err == nil {
			cc.Cred = au
			cc.HasUnixCred = true
		}
	}

	start := time.Now()
	result, err := proc.Handler(cc, args)
	if err != nil {
		log.WithError(err).WithField("proc", proc.Name).Error("rpcserver: handler failed")
		if err := req.reply(procUnavailReply(req.header.Xid)); err != nil {
			log.WithError(err).Debug("rpcserver: write error reply failed")
		}
		return
	}
	log.WithFields(log.Fields{"proc": proc.Name, "elapsed": time.Since(start)}).Debug("rpcserver: call")

	payload, encErr := result.Encode()
	if encErr != nil {
		log.WithError(encErr).WithField("proc", proc.Name).Error("rpcserver: result encode failed")
		if err := req.reply(procUnavailReply(req.header.Xid)); err != nil {
			log.WithError(err).Debug("rpcserver: write encode-failure reply failed")
		}
		return
	}
	var buf bytes.Buffer
	if err := WriteAcceptedReply(&buf, req.header.Xid, payload); err != nil {
		log.WithError(err).Error("rpcserver: frame reply failed")
		return
	}
	if err := req.reply(buf.Bytes()); err != nil {
		log.WithError(err).Debug("rpcserver: write reply failed")
	}
}

func progUnavailReply(xid uint32) []byte {
	var buf bytes.Buffer
	_ = WriteProgUnavail(&buf, xid)
	return buf.Bytes()
}

func procUnavailReply(xid uint32) []byte {
	var buf bytes.Buffer
	_ = WriteProcUnavail(&buf, xid)
	return buf.Bytes()
}

func garbageArgsReply(xid uint32) []byte {
	var buf bytes.Buffer
	_ = WriteGarbageArgs(&buf, xid)
	return buf.Bytes()
}

func progMismatchReply(xid, low, high uint32) []byte {
	var buf bytes.Buffer
	_ = WriteProgMismatch(&buf, xid, low, high)
	return buf.Bytes()
}
