package drip

import (
	"github.com/chiral-network/drip/internal/rpctypes"
	"github.com/powerman/rpc-codec/jsonrpc2"
)

type rpcHandler struct {
	session *Session
}

func (h *rpcHandler) Version(args struct{}, reply *string) error {
	*reply = Version
	return nil
}

func rpcError(err error) error {
	if err == nil {
		return nil
	}
	if kind := KindOf(err); kind != 0 {
		return jsonrpc2.NewError(int(kind), err.Error())
	}
	return err
}

func newDownloadType(d *Download) rpctypes.Download {
	return rpctypes.Download{
		ID:          d.ID(),
		Source:      d.Source(),
		Destination: d.Destination(),
		AddedAt:     rpctypes.Time{Time: d.AddedAt()},
	}
}

func newStatusType(s Status) rpctypes.Status {
	st := rpctypes.Status{
		State:             string(s.State),
		BytesDownloaded:   s.BytesDownloaded,
		ExpectedSize:      s.ExpectedSize,
		ETag:              s.ETag,
		Restarts:          s.Restarts,
		LastRestartReason: s.LastRestartCause,
	}
	if s.Error != nil {
		st.Error = s.Error.Error()
	}
	return st
}

func (h *rpcHandler) AddDownload(args *rpctypes.AddDownloadRequest, reply *rpctypes.AddDownloadResponse) error {
	opt := &AddDownloadOptions{
		ID:           args.ID,
		ExpectedHash: args.ExpectedHash,
	}
	d, err := h.session.AddDownload(args.Source, args.Destination, opt)
	if err != nil {
		return rpcError(err)
	}
	reply.Download = newDownloadType(d)
	return nil
}

func (h *rpcHandler) ListDownloads(args *rpctypes.ListDownloadsRequest, reply *rpctypes.ListDownloadsResponse) error {
	downloads := h.session.ListDownloads()
	reply.Downloads = make([]rpctypes.Download, 0, len(downloads))
	for _, d := range downloads {
		reply.Downloads = append(reply.Downloads, newDownloadType(d))
	}
	return nil
}

func (h *rpcHandler) PauseDownload(args *rpctypes.PauseDownloadRequest, reply *rpctypes.PauseDownloadResponse) error {
	return rpcError(h.session.PauseDownload(args.ID))
}

func (h *rpcHandler) ResumeDownload(args *rpctypes.ResumeDownloadRequest, reply *rpctypes.ResumeDownloadResponse) error {
	return rpcError(h.session.ResumeDownload(args.ID))
}

func (h *rpcHandler) RemoveDownload(args *rpctypes.RemoveDownloadRequest, reply *rpctypes.RemoveDownloadResponse) error {
	return rpcError(h.session.RemoveDownload(args.ID))
}

func (h *rpcHandler) GetDownloadStatus(args *rpctypes.GetDownloadStatusRequest, reply *rpctypes.GetDownloadStatusResponse) error {
	status, err := h.session.DownloadStatus(args.ID)
	if err != nil {
		return rpcError(err)
	}
	reply.Status = newStatusType(status)
	return nil
}

func (h *rpcHandler) GetSessionStats(args *rpctypes.GetSessionStatsRequest, reply *rpctypes.GetSessionStatsResponse) error {
	stats := h.session.Stats()
	reply.Stats = rpctypes.SessionStats{
		Downloads:       stats.Downloads,
		ActiveDownloads: stats.ActiveDownloads,
		Uptime:          int(stats.Uptime.Seconds()),
		SpeedDownload:   stats.SpeedDownload,
		BytesDownloaded: stats.BytesDownloaded,
		ProbeRetries:    stats.ProbeRetries,
		Restarts:        stats.Restarts,
	}
	return nil
}
