package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	reg *prometheus.Registry

	TrackedUnits    *prometheus.GaugeVec   // bus label
	TrackersStarted *prometheus.CounterVec // bus label
	TrackersStopped *prometheus.CounterVec // bus, reason labels

	LocationLogs    *prometheus.CounterVec // bus label
	UnchangedPolls  *prometheus.CounterVec // bus label
	UnresolvedLines *prometheus.CounterVec // bus label

	GatewayRequests *prometheus.CounterVec // endpoint, result labels
	GatewayDuration *prometheus.HistogramVec

	DiscoveryDuration *prometheus.HistogramVec // bus label
	DiscoveryStopErrs *prometheus.CounterVec   // bus label
	Restarts          *prometheus.CounterVec   // task label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	DiscoveryInterval prometheus.Gauge // seconds
	TrackInterval     prometheus.Gauge // seconds
}

func NewCollector(discoveryInterval, trackInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TrackedUnits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracker_tracked_units",
			Help: "Units present in the latest discovery cycle.",
		}, []string{"bus"}),
		TrackersStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_unit_trackers_started_total",
			Help: "Unit tracker goroutines started.",
		}, []string{"bus"}),
		TrackersStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_unit_trackers_stopped_total",
			Help: "Unit tracker goroutines stopped.",
		}, []string{"bus", "reason"}),
		LocationLogs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_location_logs_total",
			Help: "Location logs written.",
		}, []string{"bus"}),
		UnchangedPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_unchanged_polls_total",
			Help: "Location polls skipped because the unit did not move.",
		}, []string{"bus"}),
		UnresolvedLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_unresolved_variants_total",
			Help: "Tracker iterations skipped because no line matches the prediction's variant.",
		}, []string{"bus"}),
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_gateway_requests_total",
			Help: "Gateway requests by endpoint and result.",
		}, []string{"endpoint", "result"}),
		GatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracker_gateway_request_duration_seconds",
			Help:    "Gateway request latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"endpoint"}),
		DiscoveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracker_discovery_cycle_duration_seconds",
			Help:    "Duration of a discovery cycle, excluding tracker start stagger.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"bus"}),
		DiscoveryStopErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_discovery_stop_errors_total",
			Help: "Stop prediction queries that failed during discovery.",
		}, []string{"bus"}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_supervisor_restarts_total",
			Help: "Supervised task failures followed by a backoff restart.",
		}, []string{"task"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		DiscoveryInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_discovery_interval_seconds",
			Help: "Discovery loop period in seconds.",
		}),
		TrackInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_track_interval_seconds",
			Help: "Base unit polling interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.TrackedUnits, c.TrackersStarted, c.TrackersStopped,
		c.LocationLogs, c.UnchangedPolls, c.UnresolvedLines,
		c.GatewayRequests, c.GatewayDuration,
		c.DiscoveryDuration, c.DiscoveryStopErrs, c.Restarts,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.DiscoveryInterval, c.TrackInterval,
	)

	c.DiscoveryInterval.Set(discoveryInterval.Seconds())
	c.TrackInterval.Set(trackInterval.Seconds())

	return c
}

// GatewayObserve implements stmapi.Metrics.
func (c *Collector) GatewayObserve(endpoint string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.GatewayRequests.WithLabelValues(endpoint, result).Inc()
	c.GatewayDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RestartInc implements supervisor.Metrics.
func (c *Collector) RestartInc(task string) { c.Restarts.WithLabelValues(task).Inc() }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	return srv
}
