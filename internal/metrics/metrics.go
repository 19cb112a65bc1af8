// Package metrics exposes the node's Prometheus collectors.
// Every method is safe to call on a nil *Collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "content_node"

// Sync kinds.
const (
	SyncKindSecondary = "secondary"
	SyncKindRecovery  = "recovery"
)

// Content sources.
const (
	SourceLocal  = "local"
	SourcePeer   = "peer"
	SourcePublic = "public"
	SourceMiss   = "miss"
)

// Collectors groups the node's metrics.
type Collectors struct {
	syncDuration       *prometheus.HistogramVec
	syncJobs           *prometheus.CounterVec
	syncCoalesced      prometheus.Counter
	contentResolutions *prometheus.CounterVec
	blacklistDenials   prometheus.Counter
}

// New registers the collectors on registerer.
func New(registerer prometheus.Registerer) *Collectors {
	factory := promauto.With(registerer)
	return &Collectors{
		syncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "duration_seconds",
				Help:      "Duration of per-wallet sync runs",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"kind", "status"},
		),
		syncJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "jobs_total",
				Help:      "Sync jobs by kind and outcome status",
			},
			[]string{"kind", "status"},
		),
		syncCoalesced: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "coalesced_total",
				Help:      "Sync requests folded into an already pending run",
			},
		),
		contentResolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "content",
				Name:      "resolutions_total",
				Help:      "Content reads by the source that served them",
			},
			[]string{"source"},
		),
		blacklistDenials: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "blacklist",
				Name:      "denials_total",
				Help:      "Content reads refused by the blacklist",
			},
		),
	}
}

// ObserveSync records one finished wallet sync.
func (c *Collectors) ObserveSync(kind, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.syncDuration.WithLabelValues(kind, status).Observe(elapsed.Seconds())
	c.syncJobs.WithLabelValues(kind, status).Inc()
}

// SyncCoalesced counts a request merged into a pending run.
func (c *Collectors) SyncCoalesced() {
	if c == nil {
		return
	}
	c.syncCoalesced.Inc()
}

// ContentResolved counts a content read by source.
func (c *Collectors) ContentResolved(source string) {
	if c == nil {
		return
	}
	c.contentResolutions.WithLabelValues(source).Inc()
}

// BlacklistDenied counts a refused content read.
func (c *Collectors) BlacklistDenied() {
	if c == nil {
		return
	}
	c.blacklistDenials.Inc()
}
