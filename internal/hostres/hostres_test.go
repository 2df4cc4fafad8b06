package hostres

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	addrToNames map[string][]string
	nameToIPs   map[string][]net.IP
}

func (f *fakeLookup) LookupAddr(addr string) ([]string, error) {
	names, ok := f.addrToNames[addr]
	if !ok {
		return nil, fmt.Errorf("no PTR for %s", addr)
	}
	return names, nil
}

func (f *fakeLookup) LookupIP(host string) ([]net.IP, error) {
	ips, ok := f.nameToIPs[host]
	if !ok {
		return nil, fmt.Errorf("no A record for %s", host)
	}
	return ips, nil
}

func TestReverseSucceedsWhenForwardMatches(t *testing.T) {
	addr := net.ParseIP("10.0.0.5")
	f := &fakeLookup{
		addrToNames: map[string][]string{"10.0.0.5": {"client.lab.corp."}},
		nameToIPs:   map[string][]net.IP{"client.lab.corp": {addr}},
	}
	r := &Resolver{Lookup: f}

	name, err := r.Reverse(addr)
	require.NoError(t, err)
	assert.Equal(t, "client.lab.corp", name)
}

func TestReverseDetectsSpoof(t *testing.T) {
	addr := net.ParseIP("10.0.0.5")
	other := net.ParseIP("10.0.0.9")
	f := &fakeLookup{
		addrToNames: map[string][]string{"10.0.0.5": {"evil.example."}},
		nameToIPs:   map[string][]net.IP{"evil.example": {other}},
	}
	r := &Resolver{Lookup: f}

	_, err := r.Reverse(addr)
	assert.ErrorIs(t, err, ErrSpoof)
}

func TestReverseStripsNISTrailingWhitespace(t *testing.T) {
	addr := net.ParseIP("10.0.0.5")
	f := &fakeLookup{
		addrToNames: map[string][]string{"10.0.0.5": {"client.lab.corp \t"}},
		nameToIPs:   map[string][]net.IP{"client.lab.corp": {addr}},
	}
	r := &Resolver{Lookup: f}

	name, err := r.Reverse(addr)
	require.NoError(t, err)
	assert.Equal(t, "client.lab.corp", name)
}

func TestReverseNoPTRReturnsNoName(t *testing.T) {
	r := &Resolver{Lookup: &fakeLookup{}}
	name, err := r.Reverse(net.ParseIP("10.0.0.1"))
	assert.Error(t, err)
	assert.Empty(t, name)
}

func TestForwardRejectsNonIPv4Only(t *testing.T) {
	f := &fakeLookup{
		nameToIPs: map[string][]net.IP{"v6only.example": {net.ParseIP("::1")}},
	}
	r := &Resolver{Lookup: f}
	_, err := r.Forward("v6only.example")
	assert.Error(t, err)
}
