package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ardnew/openvizsla/pkg"
)

const (
	namespace = "openvizsla"
	subsystem = "capture"
)

// Capture holds the collectors of capture sessions. A nil *Capture is valid
// and records nothing.
type Capture struct {
	packets        prometheus.Counter
	bytes          prometheus.Counter
	dropped        prometheus.Counter
	registerFrames prometheus.Counter
	transfers      *prometheus.CounterVec
	decodeErrors   prometheus.Counter
	sessions       *prometheus.CounterVec
	active         prometheus.Gauge
}

// NewCapture creates the capture collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewCapture(reg prometheus.Registerer) (*Capture, error) {
	c := &Capture{
		packets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_total",
			Help:      "Packets delivered to the capture callback.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_total",
			Help:      "Payload bytes delivered to the capture callback.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_packets_total",
			Help:      "Packets decoded after the session stopped and discarded.",
		}),
		registerFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "register_frames_total",
			Help:      "Register echo frames seen in the stream.",
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfers_total",
			Help:      "Completed bulk transfers by status.",
		}, []string{"status"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "decode_errors_total",
			Help:      "Fatal stream decode errors.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_total",
			Help:      "Capture sessions by terminal outcome.",
		}, []string{"outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_transfers",
			Help:      "Bulk transfers currently in flight.",
		}),
	}
	if reg != nil {
		for _, col := range c.collectors() {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Capture) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.packets, c.bytes, c.dropped, c.registerFrames,
		c.transfers, c.decodeErrors, c.sessions, c.active,
	}
}

var (
	registerOnce sync.Once
	defaultSet   *Capture
)

// Default returns collectors registered once with the default Prometheus
// registry.
func Default() *Capture {
	registerOnce.Do(func() {
		c, err := NewCapture(prometheus.DefaultRegisterer)
		if err != nil {
			pkg.LogWarn(pkg.ComponentCapture, "metrics registration failed", "error", err)
			c, _ = NewCapture(nil)
		}
		defaultSet = c
	})
	return defaultSet
}

// Packet records one delivered packet of size payload bytes.
func (c *Capture) Packet(size int) {
	if c == nil {
		return
	}
	c.packets.Inc()
	c.bytes.Add(float64(size))
}

// Dropped records a packet discarded after the session stopped.
func (c *Capture) Dropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

// RegisterFrame records a register echo frame.
func (c *Capture) RegisterFrame() {
	if c == nil {
		return
	}
	c.registerFrames.Inc()
}

// Transfer records a completed bulk transfer.
func (c *Capture) Transfer(status pkg.TransferStatus) {
	if c == nil {
		return
	}
	c.transfers.WithLabelValues(status.String()).Inc()
}

// DecodeError records a fatal decode error.
func (c *Capture) DecodeError() {
	if c == nil {
		return
	}
	c.decodeErrors.Inc()
}

// Session records the outcome of a finished capture session.
func (c *Capture) Session(outcome string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(outcome).Inc()
}

// SetActive sets the number of in-flight transfers.
func (c *Capture) SetActive(n int) {
	if c == nil {
		return
	}
	c.active.Set(float64(n))
}

// Handler returns an HTTP handler exposing the metrics in g. A nil g serves
// the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
