package drip

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

type sessionMetrics struct {
	registry metrics.Registry

	Downloads       metrics.Gauge
	ActiveDownloads metrics.Gauge
	Uptime          metrics.Gauge
	SpeedDownload   metrics.Meter
	BytesDownloaded metrics.Counter
	ProbeRetries    metrics.Counter
	Restarts        metrics.Counter
}

func (s *Session) initMetrics() {
	r := metrics.NewRegistry()
	s.metrics = &sessionMetrics{
		registry: r,

		Uptime: metrics.NewRegisteredFunctionalGauge("uptime", r, func() int64 { return int64(time.Since(s.createdAt) / time.Second) }),
		Downloads: metrics.NewRegisteredFunctionalGauge("downloads", r, func() int64 {
			s.mDownloads.RLock()
			defer s.mDownloads.RUnlock()
			return int64(len(s.downloads))
		}),
		ActiveDownloads: metrics.NewRegisteredFunctionalGauge("downloads_active", r, func() int64 {
			var n int64
			for _, d := range s.ListDownloads() {
				st := d.Status().State
				if !st.Terminal() && st != Paused && st != AwaitingResume && st != Idle {
					n++
				}
			}
			return n
		}),
		SpeedDownload:   metrics.NewRegisteredMeter("speed_download", r),
		BytesDownloaded: metrics.NewRegisteredCounter("bytes_downloaded", r),
		ProbeRetries:    metrics.NewRegisteredCounter("probe_retries", r),
		Restarts:        metrics.NewRegisteredCounter("restarts", r),
	}
}

func (m *sessionMetrics) Close() {
	m.SpeedDownload.Stop()
	m.registry.UnregisterAll()
}
