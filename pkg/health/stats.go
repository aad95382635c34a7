// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"fmt"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Counters are the tracer's pipeline counters. The first three are the
// ones embedding code is promised; the rest are diagnostics.
type Counters struct {
	Dropped int64 `json:"dropped_count"`
	Errors  int64 `json:"error_count"`
	Sent    int64 `json:"sent_count"`

	Submitted int64 `json:"submitted_count"`
	Discarded int64 `json:"discarded_count"`
	Batches   int64 `json:"batch_count"`
	Buffered  int   `json:"buffered"`

	Observed int64 `json:"hook_observed_count"`
	Faults   int64 `json:"hook_fault_count"`

	Installed  bool    `json:"installed"`
	SampleRate float64 `json:"sample_rate"`
}

// Stats tracks self-monitoring state for the tracer.
type Stats struct {
	startTime time.Time
	source    func() Counters
}

// NewStats creates a Stats reading pipeline counters from source.
func NewStats(source func() Counters) *Stats {
	if source == nil {
		source = func() Counters { return Counters{} }
	}
	return &Stats{
		startTime: time.Now(),
		source:    source,
	}
}

// Uptime returns tracer uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Goroutines     int     `json:"goroutines"`
	MemorySysBytes uint64  `json:"memory_sys_bytes"`
	Counters
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		UptimeSeconds:  s.Uptime().Seconds(),
		Goroutines:     runtime.NumGoroutine(),
		MemorySysBytes: memStats.Sys,
		Counters:       s.source(),
	}
}

// Register adds the tracer metrics to reg. Values are read from the source
// at scrape time.
func (s *Stats) Register(reg prometheus.Registerer) error {
	counter := func(name, help string, get func(Counters) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "frametrace",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(get(s.source())) })
	}
	gauge := func(name, help string, get func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "frametrace",
			Name:      name,
			Help:      help,
		}, get)
	}

	cs := []prometheus.Collector{
		counter("records_submitted_total", "Records accepted by the sampler and submitted to the dispatcher",
			func(c Counters) int64 { return c.Submitted }),
		counter("records_sent_total", "Records delivered to the sink",
			func(c Counters) int64 { return c.Sent }),
		counter("records_dropped_total", "Records dropped because the buffer was full",
			func(c Counters) int64 { return c.Dropped }),
		counter("records_discarded_total", "Records discarded after a failed send",
			func(c Counters) int64 { return c.Discarded }),
		counter("send_errors_total", "Batches that failed after all retries",
			func(c Counters) int64 { return c.Errors }),
		counter("batches_sent_total", "Batches delivered to the sink",
			func(c Counters) int64 { return c.Batches }),
		counter("hook_events_total", "Host callbacks observed by the hook",
			func(c Counters) int64 { return c.Observed }),
		counter("hook_faults_total", "Host callbacks aborted by a recovered fault",
			func(c Counters) int64 { return c.Faults }),
		gauge("buffer_records", "Records waiting in the dispatch buffer",
			func() float64 { return float64(s.source().Buffered) }),
		gauge("hook_installed", "1 when the trace hook is installed",
			func() float64 {
				if s.source().Installed {
					return 1
				}
				return 0
			}),
		gauge("sample_rate", "Configured sampling rate",
			func() float64 { return s.source().SampleRate }),
		gauge("uptime_seconds", "Tracer uptime in seconds",
			func() float64 { return s.Uptime().Seconds() }),
		collectors.NewGoCollector(),
	}

	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metric: %w", err)
		}
	}
	return nil
}
