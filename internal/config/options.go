// Package config binds the CLI flag surface of spec §6 into a typed
// Options struct and parses the exports file and static-map file
// formats §6 defines, the way rclone's backends bind fs.Option
// declarations into a typed options struct per SPEC_FULL.md §1.1.
package config

import "github.com/jgoerzen/nfs-user-server/internal/logging"

// Options is every flag spec §6's "CLI surface (server)" names, bound
// by cmd/nfsd via pflag.
type Options struct {
	Foreground      bool              // -F
	DebugFacilities map[logging.Facility]bool // -d KIND
	ExportsFile     string            // -f FILE, default /etc/exports
	WaivePrivPort   bool              // -n
	Port            int               // -P PORT
	Promiscuous     bool              // -p
	ReExport        bool              // -r
	PublicRoot      string            // -R PATH
	LogTransfers    bool              // -l
	SuppressSpoof   bool              // -t
	DisableCrossMount bool            // -x
	Failsafe        bool              // -z / -zLEVEL
	FailsafeLevel   int
	Workers         int // positional N

	DeviceTableFile string // devtab path (--device-table); empty means psi.Mangle is used
	RMTabFile     string // default /etc/rmtab
	MetricsAddr   string // optional Prometheus listener; empty disables it
}

// Default returns the documented defaults (spec §6 names /etc/exports
// as the default exports file; the rest follow the original's usual
// unfsd invocation).
func Default() *Options {
	return &Options{
		ExportsFile:     "/etc/exports",
		RMTabFile:       "/etc/rmtab",
		Port:            2049,
		Workers:         1,
		DebugFacilities: map[logging.Facility]bool{},
	}
}
