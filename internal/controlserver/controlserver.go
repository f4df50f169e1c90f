// Package controlserver exposes branchfs's observability surface: a
// liveness probe, Prometheus metrics, and a JSON status snapshot,
// the supplemented "always-on control server" component from
// SPEC_FULL.md, grounded on the teacher's own rc (remote control)
// stats surface.
package controlserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats is the snapshot a Source reports at any instant.
type Stats struct {
	Ready              bool
	CacheEntries       int
	CacheBytesUsed     int64
	CacheBytesCapacity int64
	TotalRemoteBytes   int64
}

// Source supplies the live stats the control server reports. vfs.VFS
// satisfies this once Bootstrap has completed; Server tolerates a nil
// Source (serves zeroed stats, per SPEC_FULL.md §7).
type Source interface {
	CacheStats() (entries int, totalBytes, capacityBytes int64)
	TotalRemoteSize() int64
}

// Server is the chi-routed HTTP control surface.
type Server struct {
	router http.Handler
	source Source
	ready  func() bool

	cacheBytesUsed     prometheus.GaugeFunc
	cacheBytesCapacity prometheus.GaugeFunc
	cacheEntries       prometheus.GaugeFunc
	remoteBytesTotal   prometheus.GaugeFunc
}

// New builds a Server. ready reports whether bootstrap has completed;
// source is consulted only once ready() is true.
func New(source Source, ready func() bool) *Server {
	s := &Server{source: source, ready: ready}

	reg := prometheus.NewRegistry()
	s.cacheBytesUsed = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "branchfs_cache_bytes_used", Help: "Bytes currently held in the local cache.",
	}, func() float64 { return float64(s.snapshot().CacheBytesUsed) })
	s.cacheBytesCapacity = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "branchfs_cache_bytes_capacity", Help: "Configured cache capacity in bytes.",
	}, func() float64 { return float64(s.snapshot().CacheBytesCapacity) })
	s.cacheEntries = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "branchfs_cache_entries", Help: "Number of paths currently cached locally.",
	}, func() float64 { return float64(s.snapshot().CacheEntries) })
	s.remoteBytesTotal = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "branchfs_remote_bytes_total", Help: "Sum of sizes across every manifest record.",
	}, func() float64 { return float64(s.snapshot().TotalRemoteBytes) })
	reg.MustRegister(s.cacheBytesUsed, s.cacheBytesCapacity, s.cacheEntries, s.remoteBytesTotal)

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) snapshot() Stats {
	ready := s.ready != nil && s.ready()
	if !ready || s.source == nil {
		return Stats{Ready: ready}
	}
	entries, used, capacity := s.source.CacheStats()
	return Stats{
		Ready:              true,
		CacheEntries:       entries,
		CacheBytesUsed:     used,
		CacheBytesCapacity: capacity,
		TotalRemoteBytes:   s.source.TotalRemoteSize(),
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.snapshot().Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.snapshot())
}
