// Package driprpc provides a client for communicating with a drip RPC server.
package driprpc

import (
	"strings"

	"github.com/chiral-network/drip/internal/rpctypes"
	"github.com/powerman/rpc-codec/jsonrpc2"
)

// Client is a JSON-RPC 2.0 client for a drip session.
type Client struct {
	client *jsonrpc2.Client
	addr   string
}

// NewClient returns a new Client for connecting a server at addr.
func NewClient(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	clt := jsonrpc2.NewHTTPClient(addr)
	return &Client{
		client: clt,
		addr:   addr,
	}
}

// Addr returns the address of the server.
func (c *Client) Addr() string {
	return c.addr
}

// Close the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// ServerVersion returns the version of the connected server.
func (c *Client) ServerVersion() (string, error) {
	var reply string
	return reply, c.client.Call("Session.Version", nil, &reply)
}

// AddDownload adds a new download for source, saved to dest.
func (c *Client) AddDownload(source, dest string, options *AddDownloadOptions) (*rpctypes.Download, error) {
	args := rpctypes.AddDownloadRequest{
		Source:      source,
		Destination: dest,
	}
	if options != nil {
		args.ID = options.ID
		args.ExpectedHash = options.ExpectedHash
	}
	var reply rpctypes.AddDownloadResponse
	return &reply.Download, c.client.Call("Session.AddDownload", args, &reply)
}

// AddDownloadOptions contains optional parameters for AddDownload.
type AddDownloadOptions struct {
	ID           string
	ExpectedHash string
}

// ListDownloads returns the list of downloads in the session.
func (c *Client) ListDownloads() ([]rpctypes.Download, error) {
	var reply rpctypes.ListDownloadsResponse
	return reply.Downloads, c.client.Call("Session.ListDownloads", nil, &reply)
}

// PauseDownload pauses the download with downloadID.
func (c *Client) PauseDownload(downloadID string) error {
	args := rpctypes.PauseDownloadRequest{ID: downloadID}
	var reply rpctypes.PauseDownloadResponse
	return c.client.Call("Session.PauseDownload", args, &reply)
}

// ResumeDownload resumes the download with downloadID.
func (c *Client) ResumeDownload(downloadID string) error {
	args := rpctypes.ResumeDownloadRequest{ID: downloadID}
	var reply rpctypes.ResumeDownloadResponse
	return c.client.Call("Session.ResumeDownload", args, &reply)
}

// RemoveDownload removes the download with downloadID and its artifacts.
func (c *Client) RemoveDownload(downloadID string) error {
	args := rpctypes.RemoveDownloadRequest{ID: downloadID}
	var reply rpctypes.RemoveDownloadResponse
	return c.client.Call("Session.RemoveDownload", args, &reply)
}

// GetDownloadStatus returns a snapshot of the download with downloadID.
func (c *Client) GetDownloadStatus(downloadID string) (*rpctypes.Status, error) {
	args := rpctypes.GetDownloadStatusRequest{ID: downloadID}
	var reply rpctypes.GetDownloadStatusResponse
	return &reply.Status, c.client.Call("Session.GetDownloadStatus", args, &reply)
}

// GetSessionStats returns statistics about the session.
func (c *Client) GetSessionStats() (*rpctypes.SessionStats, error) {
	var reply rpctypes.GetSessionStatsResponse
	return &reply.Stats, c.client.Call("Session.GetSessionStats", nil, &reply)
}
