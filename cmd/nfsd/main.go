// Command nfsd is a user-space NFS v2 / MOUNT v1-v2 file server: it
// speaks the wire protocols of RFC 1094 and RFC 1057 directly over UDP
// and TCP, authorizing and translating every call through an exports
// file, without involving the host kernel's NFS client or server code.
//
// Flags mirror spec §6's CLI surface; see original_source/main.c and
// original_source/auth_init.c for the invocation this is grounded on.
package main

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jgoerzen/nfs-user-server/internal/config"
	"github.com/jgoerzen/nfs-user-server/internal/logging"
)

// version is reported by -v; there is no release process yet driving
// this with a build-time ldflags override, so it stays a constant.
const version = "1.0.0"

func main() {
	opts := config.Default()
	var debugArgs []string
	var showVersion bool

	root := &cobra.Command{
		Use:           "nfsd [N]",
		Short:         "User-space NFS v2 / MOUNT v1-v2 server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println("nfsd " + version)
				return nil
			}

			facilities, err := logging.ParseFacilities(debugArgs)
			if err != nil {
				return err
			}
			opts.DebugFacilities = facilities

			if cmd.Flags().Changed("failsafe") {
				opts.Failsafe = true
			}

			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("invalid worker count %q", args[0])
				}
				opts.Workers = n
			}

			return runMain(opts)
		},
	}

	flags := root.Flags()
	flags.BoolVarP(&opts.Foreground, "foreground", "F", opts.Foreground,
		"stay in the foreground instead of daemonizing")
	flags.StringArrayVarP(&debugArgs, "debug", "d", nil,
		"enable a debug facility (auth,call,fhcache,fhtrace,devtab,general,rmtab,ugid,stale,all); may repeat or comma-join")
	flags.StringVarP(&opts.ExportsFile, "exports-file", "f", opts.ExportsFile,
		"path to the exports file")
	flags.BoolVarP(&opts.WaivePrivPort, "no-privileged-port", "n", opts.WaivePrivPort,
		"don't require calls to originate from a privileged port")
	flags.IntVarP(&opts.Port, "port", "P", opts.Port,
		"UDP/TCP port to bind NFS and MOUNT to")
	flags.BoolVarP(&opts.Promiscuous, "promiscuous", "p", opts.Promiscuous,
		"give any client that matches no export entry every export in the exports file")
	flags.BoolVarP(&opts.ReExport, "reexport", "r", opts.ReExport,
		"allow mounting paths that are themselves backed by an NFS mount")
	flags.StringVarP(&opts.PublicRoot, "public-root", "R", opts.PublicRoot,
		"filesystem path the NFSv2 public (all-zero) file handle resolves to")
	flags.BoolVarP(&opts.LogTransfers, "log-transfers", "l", opts.LogTransfers,
		"accepted for compatibility; READ/WRITE calls are not logged")
	flags.BoolVarP(&opts.SuppressSpoof, "no-spoof-warnings", "t", opts.SuppressSpoof,
		"suppress DNS spoof-attempt warnings")
	flags.BoolVarP(&opts.DisableCrossMount, "no-cross-mount", "x", opts.DisableCrossMount,
		"hide \".\"/\"..\" at filesystem mount-point boundaries in READDIR")
	flags.IntVarP(&opts.FailsafeLevel, "failsafe", "z", 0,
		"run under the failsafe supervisor, restarting crashed workers (an optional LEVEL is accepted; its value is not used)")
	flags.Lookup("failsafe").NoOptDefVal = "1"
	flags.BoolVarP(&showVersion, "version", "v", false, "print the version and exit")

	flags.StringVar(&opts.DeviceTableFile, "device-table", opts.DeviceTableFile,
		"device table file enabling the injective pseudo-inode encoder (default: bit-mangling encoder)")
	flags.StringVar(&opts.RMTabFile, "rmtab", opts.RMTabFile,
		"path to the remote-mount log")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr,
		"address to serve Prometheus metrics on (empty disables it)")

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("nfsd: fatal")
		os.Exit(1)
	}
}
