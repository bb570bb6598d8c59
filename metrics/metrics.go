// Package metrics implements the Prometheus exporter (C15): gauges
// and counters mirroring the RTT monitor, loss tracker, and adaptive
// controller, served on an expvar-style /metrics endpoint. Purely
// observational — nothing in the transport reads these back.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the metric collectors a sender or receiver process
// registers at startup. A single process only populates the subset
// that applies to its role (a sender never sets FramesDelivered; a
// receiver records PathRTT and PathWeight as 0).
type Registry struct {
	reg *prometheus.Registry

	PathRTTMs      *prometheus.GaugeVec
	PathLossRatio  *prometheus.GaugeVec
	PathWeight     *prometheus.GaugeVec
	BitrateBps     prometheus.Gauge
	FPS            prometheus.Gauge
	FramesDelivered prometheus.Counter
	FramesDroppedAge prometheus.Counter
	FramesDroppedFEC prometheus.Counter
}

const namespace = "meshstream"

// New constructs and registers a fresh Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		PathRTTMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "path_rtt_ms", Help: "Latest measured RTT per path in milliseconds.",
		}, []string{"port"}),
		PathLossRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "path_loss_ratio", Help: "Current loss ratio per path.",
		}, []string{"port"}),
		PathWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "path_weight", Help: "Current scheduler selection weight per path.",
		}, []string{"port"}),
		BitrateBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bitrate_bps", Help: "Current adaptive controller bitrate tier.",
		}),
		FPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fps", Help: "Current adaptive controller frame rate.",
		}),
		FramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_delivered_total", Help: "Frames successfully reassembled and delivered.",
		}),
		FramesDroppedAge: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_age_total", Help: "Frames dropped for exceeding the hard age ceiling.",
		}),
		FramesDroppedFEC: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_fec_total", Help: "Frames dropped because FEC recovery failed.",
		}),
	}

	reg.MustRegister(r.PathRTTMs, r.PathLossRatio, r.PathWeight, r.BitrateBps, r.FPS,
		r.FramesDelivered, r.FramesDroppedAge, r.FramesDroppedFEC)
	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObservePath records the current RTT/loss/weight for one path port.
func (r *Registry) ObservePath(port int, rttMs, lossRatio float64, weight int) {
	label := strconv.Itoa(port)
	r.PathRTTMs.WithLabelValues(label).Set(rttMs)
	r.PathLossRatio.WithLabelValues(label).Set(lossRatio)
	r.PathWeight.WithLabelValues(label).Set(float64(weight))
}

// ObserveAdaptive records the controller's current tier.
func (r *Registry) ObserveAdaptive(bitrateBps, fps int) {
	r.BitrateBps.Set(float64(bitrateBps))
	r.FPS.Set(float64(fps))
}
