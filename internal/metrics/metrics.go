// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics aggregates request, job, cache, and system counters. It
// exports both a Prometheus endpoint and a JSON snapshot for the admin
// routes. Recording never blocks job processing: every record path is a
// short mutex hold over plain counters.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EndpointStats aggregates one HTTP endpoint.
type EndpointStats struct {
	Count           int64          `json:"count"`
	TotalDurationMs int64          `json:"totalDurationMs"`
	MinMs           int64          `json:"minMs"`
	MaxMs           int64          `json:"maxMs"`
	StatusCodes     map[string]int `json:"statusCodes"`
}

// JobStats aggregates one job type.
type JobStats struct {
	Processed         int64 `json:"processed"`
	Failed            int64 `json:"failed"`
	TotalProcessingMs int64 `json:"totalProcessingMs"`
	MinMs             int64 `json:"minMs"`
	MaxMs             int64 `json:"maxMs"`
	QueueSize         int64 `json:"queueSize"`
}

// CacheStats aggregates one named cache.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
}

// SystemStats is the most recent sample of process health.
type SystemStats struct {
	MemoryBytes uint64  `json:"memoryBytes"`
	CPUPct      float64 `json:"cpuPct"`
	UptimeSec   int64   `json:"uptimeSec"`
	SampledAt   string  `json:"sampledAt,omitempty"`
}

// Snapshot is the JSON view served by the admin metrics routes.
type Snapshot struct {
	Requests map[string]EndpointStats `json:"requests"`
	Jobs     map[string]JobStats      `json:"jobs"`
	Caches   map[string]CacheStats    `json:"caches"`
	System   SystemStats              `json:"system"`
}

// Registry is the process metrics aggregate. Construct one in the
// composition root and pass it down.
type Registry struct {
	mu        sync.Mutex
	requests  map[string]*EndpointStats
	jobs      map[string]*JobStats
	caches    map[string]*CacheStats
	system    SystemStats
	startedAt time.Time

	prom            *prometheus.Registry
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	jobsProcessed   *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	cacheOps        *prometheus.CounterVec
	upstreamRetries *prometheus.CounterVec
}

// New builds a registry with fresh collectors.
func New() *Registry {
	r := &Registry{
		requests:  make(map[string]*EndpointStats),
		jobs:      make(map[string]*JobStats),
		caches:    make(map[string]*CacheStats),
		startedAt: time.Now(),
		prom:      prometheus.NewRegistry(),
	}
	r.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpufleet_http_requests_total",
		Help: "HTTP requests by endpoint and status code.",
	}, []string{"endpoint", "code"})
	r.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpufleet_http_request_duration_seconds",
		Help:    "HTTP request latency by endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
	r.jobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpufleet_jobs_total",
		Help: "Jobs finished by type and outcome.",
	}, []string{"type", "outcome"})
	r.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpufleet_job_duration_seconds",
		Help:    "Handler execution time by job type.",
		Buckets: []float64{.05, .25, 1, 5, 15, 60, 300, 900},
	}, []string{"type"})
	r.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpufleet_queue_depth",
		Help: "Jobs per type and queue state.",
	}, []string{"type", "state"})
	r.cacheOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpufleet_cache_ops_total",
		Help: "Cache operations by cache name and op.",
	}, []string{"cache", "op"})
	r.upstreamRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpufleet_upstream_retries_total",
		Help: "Upstream call retries by operation.",
	}, []string{"op"})

	r.prom.MustRegister(r.httpRequests, r.httpDuration, r.jobsProcessed,
		r.jobDuration, r.queueDepth, r.cacheOps, r.upstreamRetries)
	return r
}

// Handler exposes the Prometheus endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed HTTP request.
func (r *Registry) ObserveRequest(endpoint string, code int, d time.Duration) {
	ms := d.Milliseconds()
	r.mu.Lock()
	s, ok := r.requests[endpoint]
	if !ok {
		s = &EndpointStats{StatusCodes: make(map[string]int), MinMs: ms}
		r.requests[endpoint] = s
	}
	s.Count++
	s.TotalDurationMs += ms
	if ms < s.MinMs || s.Count == 1 {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
	s.StatusCodes[itoa(code)]++
	r.mu.Unlock()

	r.httpRequests.WithLabelValues(endpoint, itoa(code)).Inc()
	r.httpDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveJob records one finished job handler execution.
func (r *Registry) ObserveJob(jobType string, d time.Duration, failed bool) {
	ms := d.Milliseconds()
	r.mu.Lock()
	s, ok := r.jobs[jobType]
	if !ok {
		s = &JobStats{MinMs: ms}
		r.jobs[jobType] = s
	}
	s.Processed++
	if failed {
		s.Failed++
	}
	s.TotalProcessingMs += ms
	if ms < s.MinMs || s.Processed == 1 {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
	r.mu.Unlock()

	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	r.jobsProcessed.WithLabelValues(jobType, outcome).Inc()
	r.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// SetQueueSize records the pending depth for a job type.
func (r *Registry) SetQueueSize(jobType string, n int64) {
	r.mu.Lock()
	s, ok := r.jobs[jobType]
	if !ok {
		s = &JobStats{}
		r.jobs[jobType] = s
	}
	s.QueueSize = n
	r.mu.Unlock()
	r.queueDepth.WithLabelValues(jobType, "ready").Set(float64(n))
}

// IncUpstreamRetry counts one retried upstream call.
func (r *Registry) IncUpstreamRetry(op string) {
	r.upstreamRetries.WithLabelValues(op).Inc()
}

// Cache recorder hooks (cache.Recorder).

func (r *Registry) CacheHit(name string)      { r.cacheOp(name, "hit") }
func (r *Registry) CacheMiss(name string)     { r.cacheOp(name, "miss") }
func (r *Registry) CacheSet(name string)      { r.cacheOp(name, "set") }
func (r *Registry) CacheDelete(name string)   { r.cacheOp(name, "delete") }
func (r *Registry) CacheEviction(name string) { r.cacheOp(name, "eviction") }

func (r *Registry) cacheOp(name, op string) {
	r.mu.Lock()
	s, ok := r.caches[name]
	if !ok {
		s = &CacheStats{}
		r.caches[name] = s
	}
	switch op {
	case "hit":
		s.Hits++
	case "miss":
		s.Misses++
	case "set":
		s.Sets++
	case "delete":
		s.Deletes++
	case "eviction":
		s.Evictions++
	}
	r.mu.Unlock()
	r.cacheOps.WithLabelValues(name, op).Inc()
}

// SystemSampleInterval is the cadence of the memory and uptime sampler.
const SystemSampleInterval = 30 * time.Second

// RunSystemSampler samples memory and uptime every interval until ctx ends.
func (r *Registry) RunSystemSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = SystemSampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.sampleSystem()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sampleSystem()
		}
	}
}

func (r *Registry) sampleSystem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	r.mu.Lock()
	r.system = SystemStats{
		MemoryBytes: ms.Alloc,
		CPUPct:      cpuPercent(),
		UptimeSec:   int64(time.Since(r.startedAt).Seconds()),
		SampledAt:   time.Now().UTC().Format(time.RFC3339),
	}
	r.mu.Unlock()
}

// GetSnapshot returns a deep copy of the aggregate counters.
func (r *Registry) GetSnapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Requests: make(map[string]EndpointStats, len(r.requests)),
		Jobs:     make(map[string]JobStats, len(r.jobs)),
		Caches:   make(map[string]CacheStats, len(r.caches)),
		System:   r.system,
	}
	for k, v := range r.requests {
		cp := *v
		cp.StatusCodes = make(map[string]int, len(v.StatusCodes))
		for c, n := range v.StatusCodes {
			cp.StatusCodes[c] = n
		}
		snap.Requests[k] = cp
	}
	for k, v := range r.jobs {
		snap.Jobs[k] = *v
	}
	for k, v := range r.caches {
		snap.Caches[k] = *v
	}
	snap.System.UptimeSec = int64(time.Since(r.startedAt).Seconds())
	return snap
}

// Reset clears the JSON aggregates. Tests use it for clean state; the
// Prometheus collectors are rebuilt by constructing a fresh Registry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = make(map[string]*EndpointStats)
	r.jobs = make(map[string]*JobStats)
	r.caches = make(map[string]*CacheStats)
	r.startedAt = time.Now()
}

func itoa(n int) string {
	// Small positive ints only (HTTP codes).
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 && i > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
