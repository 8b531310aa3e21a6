package observability

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream labels for websocket metrics.
const (
	StreamFleet = "fleet"
	StreamTrack = "track"
)

// Collector bundles the Prometheus metrics of the tracker service. A nil
// *Collector is valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	FeedEvents      *prometheus.CounterVec
	FeedErrors      *prometheus.CounterVec
	Derivations     prometheus.Histogram
	VisibleEntities prometheus.Gauge
	StaleEntities   prometheus.Gauge
	WSClients       *prometheus.GaugeVec
	FramesSent      *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDurations   *prometheus.HistogramVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// Prometheus registry when nil. Registering twice on one registry returns
// the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_events_total",
		Help: "Snapshots received from the store, labeled by path.",
	}, []string{"path"}), "feed_events_total")
	if err != nil {
		return nil, err
	}
	feedErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_errors_total",
		Help: "Subscription errors reported by the store, labeled by path.",
	}, []string{"path"}), "feed_errors_total")
	if err != nil {
		return nil, err
	}
	derivations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "feed_derivation_duration_seconds",
		Help:    "Time spent merging the location and status feeds.",
		Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}), "feed_derivation_duration_seconds")
	if err != nil {
		return nil, err
	}
	visible, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_visible_entities",
		Help: "Entities in the latest derived list.",
	}), "fleet_visible_entities")
	if err != nil {
		return nil, err
	}
	stale, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_stale_entities",
		Help: "Visible entities currently classified stale.",
	}), "fleet_stale_entities")
	if err != nil {
		return nil, err
	}
	clients, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_clients",
		Help: "Connected websocket clients, labeled by stream.",
	}, []string{"stream"}), "ws_clients")
	if err != nil {
		return nil, err
	}
	sent, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_frames_sent_total",
		Help: "Frames queued to websocket clients, labeled by stream.",
	}, []string{"stream"}), "ws_frames_sent_total")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_frames_dropped_total",
		Help: "Frames dropped because a client's send buffer was full.",
	}, []string{"stream"}), "ws_frames_dropped_total")
	if err != nil {
		return nil, err
	}
	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Handled HTTP requests, labeled by route and status code.",
	}, []string{"route", "code"}), "http_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"route"}), "http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:        gatherer,
		FeedEvents:      events,
		FeedErrors:      feedErrors,
		Derivations:     derivations,
		VisibleEntities: visible,
		StaleEntities:   stale,
		WSClients:       clients,
		FramesSent:      sent,
		FramesDropped:   dropped,
		HTTPRequests:    requests,
		HTTPDurations:   durations,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// FeedEvent counts one snapshot delivery.
func (c *Collector) FeedEvent(path string) {
	if c == nil {
		return
	}
	c.FeedEvents.WithLabelValues(path).Inc()
}

// FeedError counts one subscription error.
func (c *Collector) FeedError(path string) {
	if c == nil {
		return
	}
	c.FeedErrors.WithLabelValues(path).Inc()
}

// Derivation records one merge of the feeds.
func (c *Collector) Derivation(elapsed time.Duration, entities int) {
	if c == nil {
		return
	}
	c.Derivations.Observe(elapsed.Seconds())
	c.VisibleEntities.Set(float64(entities))
}

// SetStale records how many visible entities are stale.
func (c *Collector) SetStale(n int) {
	if c == nil {
		return
	}
	c.StaleEntities.Set(float64(n))
}

// ClientConnected and ClientDisconnected track websocket clients.
func (c *Collector) ClientConnected(stream string) {
	if c == nil {
		return
	}
	c.WSClients.WithLabelValues(stream).Inc()
}

func (c *Collector) ClientDisconnected(stream string) {
	if c == nil {
		return
	}
	c.WSClients.WithLabelValues(stream).Dec()
}

// FrameSent counts a frame queued for a client.
func (c *Collector) FrameSent(stream string) {
	if c == nil {
		return
	}
	c.FramesSent.WithLabelValues(stream).Inc()
}

// FrameDropped counts a frame skipped for a slow client.
func (c *Collector) FrameDropped(stream string) {
	if c == nil {
		return
	}
	c.FramesDropped.WithLabelValues(stream).Inc()
}

// Middleware records request counts and latency under route.
func (c *Collector) Middleware(route string, next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		c.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		c.HTTPDurations.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes websocket upgrades through to the underlying writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
