package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jgoerzen/nfs-user-server/internal/authz"
	"github.com/jgoerzen/nfs-user-server/internal/config"
	"github.com/jgoerzen/nfs-user-server/internal/creds"
	"github.com/jgoerzen/nfs-user-server/internal/devtab"
	"github.com/jgoerzen/nfs-user-server/internal/exports"
	"github.com/jgoerzen/nfs-user-server/internal/failsafe"
	"github.com/jgoerzen/nfs-user-server/internal/fhcache"
	"github.com/jgoerzen/nfs-user-server/internal/hostres"
	"github.com/jgoerzen/nfs-user-server/internal/logging"
	"github.com/jgoerzen/nfs-user-server/internal/metrics"
	"github.com/jgoerzen/nfs-user-server/internal/mountproto"
	"github.com/jgoerzen/nfs-user-server/internal/nfsproc"
	"github.com/jgoerzen/nfs-user-server/internal/psi"
	"github.com/jgoerzen/nfs-user-server/internal/rmtab"
	"github.com/jgoerzen/nfs-user-server/internal/rpcserver"
)

// flushPeriod stands in for the original's SIGALRM-driven 5-second
// handle-cache flush (spec §5 "Signals").
const flushPeriod = 5 * time.Second

// failsafeWorkerEnv marks a re-exec'd child so it runs the server
// directly instead of spawning its own supervisor (internal/failsafe's
// re-exec model would otherwise recurse forever).
const failsafeWorkerEnv = "NFSD_FAILSAFE_WORKER"

// daemonizedEnv marks a re-exec'd child as already detached, so the
// default (no "-F") backgrounding happens exactly once.
const daemonizedEnv = "NFSD_DAEMONIZED"

// runMain dispatches to daemonization, the failsafe supervisor, or a
// single server instance, depending on opts and which re-exec
// generation this process is.
func runMain(opts *config.Options) error {
	logging.ConfigureLevel(len(opts.DebugFacilities) > 0)

	if !opts.Foreground && os.Getenv(daemonizedEnv) == "" {
		return daemonize()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.Failsafe && os.Getenv(failsafeWorkerEnv) == "" {
		return runSupervisor(ctx, opts)
	}

	return serve(ctx, opts)
}

// daemonize re-execs the running binary detached from the controlling
// terminal (new session, stdio on /dev/null) and returns immediately,
// the idiomatic Go stand-in for original_source/nfsd.c's
// "fork(); if (pid > 0) exit(0)" parent-exits-first daemonization
// (Go's runtime cannot safely fork without exec, so a self-reexec
// takes fork+exec's place).
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("nfsd: can't re-exec to daemonize: %w", err)
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("nfsd: daemonize re-exec failed: %w", err)
	}
	return nil
}

// runSupervisor runs opts.Workers copies of this same binary under
// internal/failsafe, each re-exec'd with the original argv and
// failsafeWorkerEnv set so it falls straight through to serve.
func runSupervisor(ctx context.Context, opts *config.Options) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("nfsd: can't re-exec for failsafe mode: %w", err)
	}

	sup := &failsafe.Supervisor{
		NCopies: opts.Workers,
		NewCmd: func() *exec.Cmd {
			cmd := exec.Command(exe, os.Args[1:]...)
			cmd.Env = append(os.Environ(), failsafeWorkerEnv+"=1")
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd
		},
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// serve builds every component and runs one NFS/MOUNT server instance
// until SIGTERM or ctx is cancelled.
func serve(ctx context.Context, opts *config.Options) error {
	gate := logging.NewGate(opts.DebugFacilities)

	hostRes := hostres.New()

	statics, err := config.LoadStaticMaps(opts.ExportsFile)
	if err != nil {
		return fmt.Errorf("nfsd: loading static maps: %w", err)
	}

	exResult, err := config.LoadExports(opts.ExportsFile, hostRes, statics)
	if err != nil {
		return fmt.Errorf("nfsd: loading exports file %s: %w", opts.ExportsFile, err)
	}
	exDB := exResult.DB

	if opts.Promiscuous {
		exDB.SetDefault(append([]exports.Mount(nil), exResult.AllMounts...))
	}

	publicRoot := opts.PublicRoot
	if publicRoot == "" {
		publicRoot = exResult.PublicRoot
	}

	enc, err := buildEncoder(opts.DeviceTableFile)
	if err != nil {
		return fmt.Errorf("nfsd: building pseudo-inode encoder: %w", err)
	}

	metricsReg, promReg := metrics.New()

	cache, err := fhcache.New(enc, 0, 0)
	if err != nil {
		return fmt.Errorf("nfsd: building file-handle cache: %w", err)
	}
	cache.Metrics = metricsReg

	credSwitch := creds.New()

	az := authz.New(exDB)
	az.GlobalSecurePortOverride = opts.WaivePrivPort
	az.SpoofTraceEnabled = !opts.SuppressSpoof
	az.Metrics = metricsReg

	rmtabLog := rmtab.New(opts.RMTabFile)

	nfsSrv := &nfsproc.Server{
		Cache:             cache,
		Authz:             az,
		Creds:             credSwitch,
		PublicRoot:        publicRoot,
		ReExport:          opts.ReExport,
		DisableCrossMount: opts.DisableCrossMount,
	}
	mountSrv := &mountproto.Server{
		Cache:    cache,
		Authz:    az,
		Exports:  exDB,
		RMTab:    rmtabLog,
		HostRes:  hostRes,
		ReExport: opts.ReExport,
	}

	rpc := rpcserver.NewServer(credSwitch)
	rpc.Metrics = metricsReg
	rpc.DebugGate = gate
	nfsProg := nfsproc.Program(nfsSrv)
	mountProg := mountproto.Program(mountSrv)
	rpc.Register(&nfsProg)
	rpc.Register(&mountProg)

	rpc.OnReload = func() {
		fresh, err := config.LoadExports(opts.ExportsFile, hostRes, statics)
		if err != nil {
			log.WithError(err).Error("nfsd: exports reload failed, keeping previous export table")
			return
		}
		if opts.Promiscuous {
			fresh.DB.SetDefault(append([]exports.Mount(nil), fresh.AllMounts...))
		}
		exDB.Swap(fresh.DB)
		log.Info("nfsd: exports file reloaded")
	}
	rpc.OnFlush = func() {
		cache.Flush(false)
	}
	rpc.OnShutdown = func() {
		log.Info("nfsd: shutting down")
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr := fmt.Sprintf(":%d", opts.Port)
	transportErr := make(chan error, 3)
	go func() { transportErr <- rpc.ServeUDP(serveCtx, addr) }()
	go func() { transportErr <- rpc.ServeTCP(serveCtx, addr) }()
	go func() { transportErr <- metrics.Serve(serveCtx, opts.MetricsAddr, promReg) }()

	// rpc.Serve owns the dispatch loop and its own SIGHUP/SIGUSR1/
	// SIGTERM handling (spec §5); it returns once SIGTERM has been
	// serviced between requests. Cancelling serveCtx afterward is what
	// actually stops the UDP/TCP listeners and the metrics server.
	err = rpc.Serve(serveCtx, flushPeriod)
	cancel()
	for i := 0; i < cap(transportErr); i++ {
		if e := <-transportErr; e != nil {
			log.WithError(e).Warn("nfsd: transport goroutine exited with error")
		}
	}
	return err
}

// buildEncoder picks the pseudo-inode strategy (spec §3): a device
// table file selects the injective Table encoder, otherwise the
// faster, collision-prone Mangle encoder is used.
func buildEncoder(deviceTableFile string) (psi.Encoder, error) {
	if deviceTableFile == "" {
		return psi.Mangle{}, nil
	}
	table := devtab.NewTable(deviceTableFile)
	return &psi.Table{Index: table}, nil
}
