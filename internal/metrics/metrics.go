// Package metrics exports gtvcore's Prometheus counters and gauges over
// HTTP, grounded on the widespread promhttp.Handler() pattern the
// ecosystem uses to expose client_golang metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/5l1v3r1/gtvcore/internal/registry"
)

var (
	upstreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gtvcore_upstreams_active",
		Help: "Number of Upstreams currently tracked by the registry.",
	})
	channelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gtvcore_channels_active",
		Help: "Number of Channels currently tracked by the registry.",
	})
	channelPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gtvcore_channel_buffered_packets",
		Help: "Packets currently buffered in one Channel's delay buffer.",
	}, []string{"channel"})
	channelOverflows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gtvcore_channel_overflow_total",
		Help: "Cumulative delay buffer overflow recoveries, by channel.",
	}, []string{"channel"})
	channelUnderflows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gtvcore_channel_underflow_total",
		Help: "Cumulative Waiting<-Reading underflow recoveries, by channel.",
	}, []string{"channel"})
)

// Sample refreshes the gauges from one Registry snapshot. It is called
// once per tick, after Registry.Tick, on the tick loop. Registry's
// snapshot accessors take the Registry lock; the per-Channel counters
// read here take no lock, so Sample is not safe to run concurrently with
// Tick.
func Sample(r *registry.Registry) {
	ups := r.Upstreams()
	chs := r.Channels()
	upstreamsActive.Set(float64(len(ups)))
	channelsActive.Set(float64(len(chs)))
	for _, ch := range chs {
		channelPackets.WithLabelValues(ch.Name).Set(float64(ch.NumPackets()))
		channelOverflows.WithLabelValues(ch.Name).Set(float64(ch.OverflowCount()))
		channelUnderflows.WithLabelValues(ch.Name).Set(float64(ch.UnderflowCount()))
	}
}

// Handler returns the promhttp handler to mount at the configured
// metrics address/path.
func Handler() http.Handler { return promhttp.Handler() }
