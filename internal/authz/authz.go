// Package authz implements component G, per-request authorization:
// resolve the caller address to a client and mount point, enforce
// secure_port, and hand off to identity mapping (spec §4.G),
// grounded on original_source/auth.c's request-time checks.
package authz

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jgoerzen/nfs-user-server/internal/exports"
	"github.com/jgoerzen/nfs-user-server/internal/metrics"
)

// ErrAccessDenied is returned for failures at either resolution step
// (spec §4.G "Failure at step 1 or 2 returns access-denied").
var ErrAccessDenied = fmt.Errorf("authz: access denied")

// Request is the resolved context for one incoming call, consulted by
// every NFS/MOUNT procedure handler.
type Request struct {
	Client *exports.Client
	Mount  *exports.Mount
	Addr   net.IP
	Port   int
}

// Authorizer ties the export database to a rate-limited spoof/denial
// logger. GlobalSecurePortOverride disables the secure_port check
// server-wide (spec §6's "-n" waive-privileged-port flag; grounded on
// original_source/auth_clnt.c's "!allow_non_root && mp->o.secure_port"
// guard -- not to be confused with "-p" promiscuous mode, which
// synthesizes a default export client instead).
type Authorizer struct {
	DB                       *exports.DB
	GlobalSecurePortOverride bool
	SpoofTraceEnabled        bool
	Metrics                  *metrics.Registry
	logLimiter               *rate.Limiter
}

// New returns an Authorizer that logs at most one denial message per
// second per the spec's "rate-limited" requirement, bursting to 5.
func New(db *exports.DB) *Authorizer {
	return &Authorizer{DB: db, logLimiter: rate.NewLimiter(rate.Every(time.Second), 5)}
}

// Authorize implements the full spec §4.G sequence for one request.
func (a *Authorizer) Authorize(addr net.IP, port int, path string) (*Request, error) {
	client, err := a.DB.Resolve(addr)
	if err != nil {
		a.logDenied(addr, "no matching export client")
		return nil, ErrAccessDenied
	}

	mount, ok := client.MountFor(path)
	if !ok {
		a.logDenied(addr, fmt.Sprintf("no mount covers path %q", path))
		return nil, ErrAccessDenied
	}

	if mount.Opts.SecurePort && !a.GlobalSecurePortOverride && port >= 1024 {
		a.logDenied(addr, fmt.Sprintf("secure_port violation, source port %d", port))
		return nil, ErrAccessDenied
	}

	if mount.Opts.NoAccess {
		a.logDenied(addr, fmt.Sprintf("noaccess export, path %q", path))
		return nil, ErrAccessDenied
	}

	return &Request{Client: client, Mount: mount, Addr: addr, Port: port}, nil
}

func (a *Authorizer) logDenied(addr net.IP, reason string) {
	if a.Metrics != nil {
		a.Metrics.Denials.Inc()
	}
	if !a.SpoofTraceEnabled {
		return
	}
	if a.logLimiter != nil && !a.logLimiter.Allow() {
		return
	}
	log.WithFields(log.Fields{"addr": addr, "reason": reason}).Warn("authz: access denied")
}
