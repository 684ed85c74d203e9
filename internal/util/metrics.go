package util

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "btcomms"

// RegisterMetrics exposes Stats as Prometheus collectors on reg. The
// collectors read the atomic counters on scrape, so the hot path only ever
// touches Stats.
func RegisterMetrics(reg prometheus.Registerer) error {
	counter := func(name, help string, v func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v()) })
	}
	gauge := func(name, help string, v func() int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v()) })
	}

	collectors := []prometheus.Collector{
		counter("links_total", "Links connected since start.", Stats.TotalLinks.Load),
		counter("frames_sent_total", "Application frames sent.", Stats.FramesSent.Load),
		counter("frames_received_total", "Application frames received.", Stats.FramesRecv.Load),
		counter("bytes_sent_total", "Bytes written to links.", Stats.BytesSent.Load),
		counter("bytes_received_total", "Bytes read from links.", Stats.BytesRecv.Load),
		counter("queue_full_total", "Sends rejected by a full outbound queue.", Stats.QueueFull.Load),
		gauge("links_active", "Links currently connected.", Stats.ActiveLinks),
		gauge("frames_pending", "Frames waiting in outbound queues.", Stats.Pending.Load),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
