package drip

import "time"

// Download is the public handle of a download in a Session.
type Download struct {
	session  *Session
	download *download
}

// ID returns the opaque stable identifier of the download.
func (d *Download) ID() string {
	return d.download.id
}

// Source returns the locator the download fetches from.
func (d *Download) Source() string {
	return d.download.sourceURL
}

// Destination returns the final on-disk target path.
func (d *Download) Destination() string {
	return d.download.dest
}

// AddedAt returns the time the download was added to the session.
func (d *Download) AddedAt() time.Time {
	return d.download.addedAt
}

// Status returns a snapshot of the download.
func (d *Download) Status() Status {
	return d.download.Status()
}

// Pause signals cooperative cancellation to the transfer loop.
func (d *Download) Pause() error {
	return d.session.PauseDownload(d.download.id)
}

// Resume continues a paused or recovered download.
func (d *Download) Resume() error {
	return d.session.ResumeDownload(d.download.id)
}
