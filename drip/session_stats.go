package drip

import "time"

// SessionStats contains statistics about the whole Session.
type SessionStats struct {
	Downloads       int
	ActiveDownloads int
	Uptime          time.Duration
	SpeedDownload   int
	BytesDownloaded int64
	ProbeRetries    int64
	Restarts        int64
}

// Stats returns statistics about the Session.
func (s *Session) Stats() SessionStats {
	s.mDownloads.RLock()
	downloads := len(s.downloads)
	s.mDownloads.RUnlock()

	return SessionStats{
		Downloads:       downloads,
		ActiveDownloads: int(s.metrics.ActiveDownloads.Value()),
		Uptime:          time.Since(s.createdAt),
		SpeedDownload:   int(s.metrics.SpeedDownload.Rate1()) / 1024,
		BytesDownloaded: s.metrics.BytesDownloaded.Count(),
		ProbeRetries:    s.metrics.ProbeRetries.Count(),
		Restarts:        s.metrics.Restarts.Count(),
	}
}
