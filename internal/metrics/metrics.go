// Package metrics holds the Prometheus collectors for the bot.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ffbot"

type Metrics struct {
	reg *prometheus.Registry

	cacheHits      prometheus.Counter
	feedFetches    *prometheus.CounterVec
	feedDuration   prometheus.Histogram
	snapshotEvents prometheus.Gauge
	snapshotTime   prometheus.Gauge

	channels    *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	lastRun     *prometheus.GaugeVec

	nextTrigger prometheus.Gauge

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
}

// New creates a registry with process/go collectors and the bot's metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calendar",
			Name:      "cache_hits_total",
			Help:      "Calendar reads served from the cache file",
		}),
		feedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calendar",
			Name:      "feed_fetches_total",
			Help:      "Remote feed fetches by result",
		}, []string{"result"}),
		feedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "calendar",
			Name:      "feed_fetch_duration_seconds",
			Help:      "Time spent fetching the remote feed",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		snapshotEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calendar",
			Name:      "snapshot_events",
			Help:      "Number of events in the current snapshot",
		}),
		snapshotTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calendar",
			Name:      "snapshot_fetched_timestamp_seconds",
			Help:      "Unix time the current snapshot was fetched",
		}),
		channels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "channels_total",
			Help:      "Per-channel fan-out outcomes",
		}, []string{"result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by trigger, mode and result",
		}, []string{"trigger", "mode", "result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Pipeline run duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger", "mode"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last run by result",
		}, []string{"trigger", "result"}),
		nextTrigger: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "next_trigger_timestamp_seconds",
			Help:      "Unix time of the pending daily trigger",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "commands_total",
			Help:      "Chat commands by name and outcome",
		}, []string{"command", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "command_duration_seconds",
			Help:      "Chat command handling time",
			Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 15, 60},
		}, []string{"command"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheHits, m.feedFetches, m.feedDuration, m.snapshotEvents, m.snapshotTime,
		m.channels, m.runs, m.runDuration, m.lastRun, m.nextTrigger,
		m.commands, m.commandDuration,
	)
	return m
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) FeedFetched(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.feedFetches.WithLabelValues(result).Inc()
	m.feedDuration.Observe(took.Seconds())
}

func (m *Metrics) SnapshotLoaded(events int, fetchedAt time.Time) {
	if m == nil {
		return
	}
	m.snapshotEvents.Set(float64(events))
	if !fetchedAt.IsZero() {
		m.snapshotTime.Set(float64(fetchedAt.Unix()))
	}
}

func (m *Metrics) ChannelResult(result string) {
	if m == nil {
		return
	}
	m.channels.WithLabelValues(result).Inc()
}

func (m *Metrics) RunFinished(trigger, mode string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runs.WithLabelValues(trigger, mode, result).Inc()
	m.runDuration.WithLabelValues(trigger, mode).Observe(took.Seconds())
	m.lastRun.WithLabelValues(trigger, result).Set(float64(time.Now().Unix()))
}

func (m *Metrics) TriggerArmed(next time.Time) {
	if m == nil {
		return
	}
	m.nextTrigger.Set(float64(next.Unix()))
}

func (m *Metrics) CommandDone(command, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
	m.commandDuration.WithLabelValues(command).Observe(took.Seconds())
}
