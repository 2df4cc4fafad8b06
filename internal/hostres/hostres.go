// Package hostres implements component E, the host resolver:
// reverse-lookup a client address into a name, never trusting the
// name until a forward lookup confirms it, guarding against DNS
// spoofing (original_source/auth.c auth_reverse_lookup/auth_forward_lookup).
package hostres

import (
	"fmt"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrSpoof is returned when a reverse-looked-up name's forward lookup
// does not include the address that was reverse-looked-up.
var ErrSpoof = fmt.Errorf("hostres: spoof: address does not appear in its own forward lookup")

// Lookup abstracts net.LookupAddr/net.LookupIP so tests can inject a
// fake resolver without touching the system DNS configuration.
type Lookup interface {
	LookupAddr(addr string) (names []string, err error)
	LookupIP(host string) (ips []net.IP, err error)
}

// SystemLookup is the default Lookup backed by the standard resolver.
type SystemLookup struct{}

func (SystemLookup) LookupAddr(addr string) ([]string, error) { return net.LookupAddr(addr) }
func (SystemLookup) LookupIP(host string) ([]net.IP, error)   { return net.LookupIP(host) }

// Resolver performs spoof-checked reverse lookups.
type Resolver struct {
	Lookup Lookup
}

// New returns a Resolver backed by the system DNS resolver.
func New() *Resolver { return &Resolver{Lookup: SystemLookup{}} }

// Reverse resolves addr to a verified hostname, or ErrSpoof/another
// error if the address has no PTR record, the PTR name has no A
// record, or that A record doesn't include addr back (spec §4.E
// "Reverse-lookups never trust the name alone: every returned name is
// forward-looked-up and the original address must appear in the
// result, else spoof").
func (r *Resolver) Reverse(addr net.IP) (string, error) {
	names, err := r.Lookup.LookupAddr(addr.String())
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("hostres: no PTR record for %s", addr)
	}
	name := stripNISWhitespace(names[0])
	name = strings.TrimSuffix(name, ".")

	ips, err := r.Lookup.LookupIP(name)
	if err != nil {
		log.WithFields(log.Fields{"addr": addr, "name": name}).
			Warn("hostres: couldn't verify address of host")
		return "", err
	}
	ip4, err := onlyIPv4(ips, addr, name)
	if err != nil {
		return "", err
	}
	for _, cand := range ip4 {
		if cand.Equal(addr) {
			return name, nil
		}
	}
	log.WithFields(log.Fields{"addr": addr, "name": name}).
		Error("hostres: spoof attempt: address pretends to be this host")
	return "", ErrSpoof
}

// Forward resolves hname to a verified AF_INET address list, with the
// same address-family/length checks the original's auth_forward_lookup
// applies (spec §4.E "Only AF_INET with a 4-byte address length is
// accepted").
func (r *Resolver) Forward(hname string) ([]net.IP, error) {
	ips, err := r.Lookup.LookupIP(hname)
	if err != nil {
		return nil, err
	}
	return onlyIPv4(ips, nil, hname)
}

func onlyIPv4(ips []net.IP, want net.IP, name string) ([]net.IP, error) {
	var out []net.IP
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			out = append(out, v4)
		}
	}
	if len(out) == 0 {
		log.WithField("name", name).Warn("hostres: no AF_INET address with length 4")
		return nil, fmt.Errorf("hostres: %s has no AF_INET address", name)
	}
	return out, nil
}

// stripNISWhitespace trims everything from the first space or tab
// onward, matching the original's defense against NIS maps that carry
// trailing whitespace in hostname records.
func stripNISWhitespace(name string) string {
	if i := strings.IndexAny(name, " \t"); i >= 0 {
		return name[:i]
	}
	return name
}
