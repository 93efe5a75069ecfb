// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package metrics exposes a Prometheus registry and HTTP server carrying
// operational counters/gauges plus the teacher's pprof debug endpoint, and
// a resident-memory sampler backed by gopsutil.
package metrics

import (
	"context"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// DefaultSampleInterval is how often SampleMemory refreshes the resident
// memory gauge.
const DefaultSampleInterval = 5 * time.Second

// Collectors groups every metric a processor binary updates.
type Collectors struct {
	Inserts    prometheus.Counter
	Duplicates prometheus.Counter
	Forwards   prometheus.Counter
	ForwardErrors prometheus.Counter
	Resizes    prometheus.Counter
	QueueDepth prometheus.Gauge
	IndexSize  prometheus.Gauge
	WorkerBusy prometheus.Gauge
	ResidentMemoryBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New registers a fresh set of collectors under a private registry, scoped
// by the component name (e.g. "udp", "tcp") so udp-processor and
// tcp-processor metrics never collide when scraped from the same binary.
func New(component string) *Collectors {
	reg := prometheus.NewRegistry()
	label := prometheus.Labels{"component": component}

	c := &Collectors{
		registry: reg,
		Inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messaging_relay_inserts_total", Help: "Records newly admitted into the dedup index.", ConstLabels: label,
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messaging_relay_duplicates_total", Help: "Records rejected as duplicate IDs.", ConstLabels: label,
		}),
		Forwards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messaging_relay_forwards_total", Help: "Records forwarded to the downstream stream link.", ConstLabels: label,
		}),
		ForwardErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messaging_relay_forward_errors_total", Help: "Forwarding attempts that failed.", ConstLabels: label,
		}),
		Resizes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messaging_relay_resizes_total", Help: "Dedup index resize events.", ConstLabels: label,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messaging_relay_queue_depth", Help: "Pending entries in the accepted-handle queue.", ConstLabels: label,
		}),
		IndexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messaging_relay_index_size", Help: "Entries currently stored in the dedup index.", ConstLabels: label,
		}),
		WorkerBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messaging_relay_workers_busy", Help: "Stream workers currently draining a connection.", ConstLabels: label,
		}),
		ResidentMemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messaging_relay_resident_memory_bytes", Help: "Process resident set size, sampled via gopsutil.", ConstLabels: label,
		}),
	}

	reg.MustRegister(
		c.Inserts, c.Duplicates, c.Forwards, c.ForwardErrors,
		c.Resizes, c.QueueDepth, c.IndexSize, c.WorkerBusy, c.ResidentMemoryBytes,
	)
	return c
}

// SampleMemory starts a background loop that refreshes ResidentMemoryBytes
// from the current process's RSS every interval, until ctx is cancelled.
func (c *Collectors) SampleMemory(ctx context.Context, interval time.Duration, log *zap.SugaredLogger) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warnw("gopsutil process handle unavailable, memory gauge disabled", "error", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mem, err := proc.MemoryInfo()
			if err != nil {
				log.Debugw("gopsutil memory sample failed", "error", err)
				continue
			}
			c.ResidentMemoryBytes.Set(float64(mem.RSS))
		}
	}
}

// Sizer reports the current occupancy of a dedup index. dedup.Index
// satisfies this without metrics importing the dedup package.
type Sizer interface {
	Size() uint64
}

// SampleSize starts a background loop that refreshes IndexSize from s.Size()
// every interval, until ctx is cancelled.
func (c *Collectors) SampleSize(ctx context.Context, interval time.Duration, s Sizer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.IndexSize.Set(float64(s.Size()))
		}
	}
}

// Handler serves /metrics (Prometheus exposition) and /debug/pprof/* (the
// teacher's own debug surface, carried over unchanged).
func (c *Collectors) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Serve starts an HTTP server on addr and blocks until ctx is cancelled.
func Serve(ctx context.Context, addr string, c *Collectors, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	srv := &http.Server{Addr: addr, Handler: c.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server exited", "error", err)
			return err
		}
		return nil
	}
}
