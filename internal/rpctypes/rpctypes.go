package rpctypes

type Download struct {
	ID          string
	Source      string
	Destination string
	AddedAt     Time
}

type Status struct {
	State             string
	BytesDownloaded   int64
	ExpectedSize      int64
	ETag              string
	Error             string
	Restarts          int
	LastRestartReason string
}

type SessionStats struct {
	Downloads       int
	ActiveDownloads int
	Uptime          int
	SpeedDownload   int
	BytesDownloaded int64
	ProbeRetries    int64
	Restarts        int64
}

type AddDownloadRequest struct {
	Source       string
	Destination  string
	ExpectedHash string
	AddDownloadOptions
}

type AddDownloadOptions struct {
	ID string
}

type AddDownloadResponse struct {
	Download Download
}

type ListDownloadsRequest struct{}

type ListDownloadsResponse struct {
	Downloads []Download
}

type PauseDownloadRequest struct {
	ID string
}

type PauseDownloadResponse struct{}

type ResumeDownloadRequest struct {
	ID string
}

type ResumeDownloadResponse struct{}

type RemoveDownloadRequest struct {
	ID string
}

type RemoveDownloadResponse struct{}

type GetDownloadStatusRequest struct {
	ID string
}

type GetDownloadStatusResponse struct {
	Status Status
}

type GetSessionStatsRequest struct{}

type GetSessionStatsResponse struct {
	Stats SessionStats
}
