// Package metrics exposes the server's internal counters as
// Prometheus gauges/counters on an optional debug listener,
// supplementary to the "-d" facility logging (spec §6's debug
// facilities remain the primary surface; this mirrors the teacher's
// habit of shipping a metrics endpoint alongside structured logging).
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every gauge/counter this server reports.
type Registry struct {
	CacheEntries   prometheus.Gauge
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	OpenDescriptors prometheus.Gauge
	Calls          *prometheus.CounterVec
	Denials        prometheus.Counter
}

// New registers every metric against a fresh registry, safe to call
// multiple times in tests since each call produces an independent
// prometheus.Registry rather than using the global default.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	r := &Registry{
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nfsd_fhcache_entries",
			Help: "Number of resident file-handle cache entries.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "nfsd_fhcache_hits_total",
			Help: "File-handle cache lookups resolved without a stat/rebuild.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "nfsd_fhcache_misses_total",
			Help: "File-handle cache lookups that required a path rebuild.",
		}),
		OpenDescriptors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nfsd_open_descriptors",
			Help: "Open file descriptors held by the handle cache's descriptor LRU.",
		}),
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nfsd_procedure_calls_total",
			Help: "RPC calls handled, by procedure name.",
		}, []string{"proc"}),
		Denials: factory.NewCounter(prometheus.CounterOpts{
			Name: "nfsd_access_denials_total",
			Help: "Requests rejected by the authorization layer.",
		}),
	}
	return r, reg
}

// Serve starts the Prometheus exposition HTTP server on addr, blocking
// until ctx is cancelled. An empty addr disables the listener.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
