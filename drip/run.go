package drip

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/chiral-network/drip/internal/diskspace"
	"github.com/chiral-network/drip/internal/sidecar"
	"github.com/chiral-network/drip/internal/source"
	"github.com/chiral-network/drip/internal/verifier"
)

// stepResult is the control outcome of a blocking step in the transfer.
type stepResult int

const (
	stepContinue stepResult = iota
	stepPaused
	stepClosed
	stepDone
)

// A transfer that keeps restarting is not converging; give up after this
// many discarded attempts in one run.
const maxRestartsPerRun = 5

// run is the event loop of a download. It owns the partial file, the sidecar
// and every field of the download struct not guarded by the snapshot mutex.
func (d *download) run(start bool) {
	defer close(d.doneC)
	if start {
		if d.transfer() == stepClosed {
			return
		}
	}
	for {
		select {
		case <-d.closeC:
			return
		case ack := <-d.pauseCommandC:
			// Not transferring; nothing to flush.
			close(ack)
		case <-d.resumeCommandC:
			if d.transfer() == stepClosed {
				return
			}
		}
	}
}

// transfer drives the state machine until the download is terminal, paused
// or the session shuts down.
func (d *download) transfer() stepResult {
	restarts := 0
	for {
		switch d.state {
		case Idle, Paused, AwaitingResume, Failed:
			d.lastError = nil
			d.setState(PreparingHead)

		case PreparingHead:
			info, res := d.probe()
			if res != stepContinue {
				return res
			}
			if info.Size < 0 {
				d.fail(newError(KindSource, "source did not report a size"))
				return stepDone
			}
			d.info = info
			d.expectedSize = info.Size
			d.etag = info.ETag
			if d.restartOnResume {
				d.restartOnResume = false
				d.toRestarting("integrity failure")
				break
			}
			if res := d.reconcileSidecar(info); res != stepContinue {
				return res
			}

		case Restarting:
			restarts++
			if restarts > maxRestartsPerRun {
				d.fail(newError(KindSource, "source keeps changing, giving up"))
				return stepDone
			}
			if err := d.store.Remove(); err != nil {
				d.fail(wrapError(KindIO, err))
				return stepDone
			}
			if err := d.store.RemovePart(); err != nil {
				d.fail(wrapError(KindIO, err))
				return stepDone
			}
			d.rec = nil
			d.bytesDone = 0
			// Metadata from before the restart trigger cannot be trusted;
			// re-probe so size and freshness tokens describe the resource
			// that is actually going to be fetched.
			d.setState(PreparingHead)

		case PreflightStorage:
			if err := d.preflight(); err != nil {
				d.fail(err)
				return stepDone
			}
			d.setState(ValidatingMetadata)

		case ValidatingMetadata:
			partSize, err := d.store.PartSize()
			if err != nil {
				d.fail(wrapError(KindIO, err))
				return stepDone
			}
			if d.rec != nil && d.rec.BytesDownloaded != partSize {
				d.toRestarting("sidecar offset does not match partial file length")
				break
			}
			if d.rec == nil && partSize != 0 {
				d.toRestarting("partial file without sidecar")
				break
			}
			d.bytesDone = partSize
			rec := &sidecar.Record{
				DownloadID:      d.id,
				Source:          d.sourceURL,
				ETag:            d.info.ETag,
				LastModified:    d.info.LastModified,
				ExpectedSize:    d.info.Size,
				BytesDownloaded: d.bytesDone,
			}
			if err := d.store.Write(rec); err != nil {
				d.fail(wrapError(KindIO, err))
				return stepDone
			}
			d.rec = rec
			d.setState(Downloading)

		case Downloading:
			if res := d.stream(); res != stepContinue {
				return res
			}

		case VerifyingSha:
			if res := d.verify(); res != stepContinue {
				return res
			}

		case FinalizingIo:
			if err := d.finalize(); err != nil {
				d.fail(err)
				return stepDone
			}
			d.setState(Completed)
			d.log.Infof("download completed: %s", d.dest)
			return stepDone

		case Completed:
			return stepDone
		}
	}
}

// reconcileSidecar compares fresh probe metadata against the persisted
// record. Any disagreement discards the partial progress; resuming on top of
// a changed resource would produce a corrupt file.
func (d *download) reconcileSidecar(info *source.Info) stepResult {
	rec, err := d.store.Load()
	switch {
	case err == nil:
		if rec.ETag != info.ETag || rec.ExpectedSize != info.Size || rec.LastModified != info.LastModified {
			d.toRestarting("source changed since last probe")
			return stepContinue
		}
		d.rec = rec
		d.setState(PreflightStorage)
	case os.IsNotExist(err):
		d.rec = nil
		if d.store.HasPart() {
			d.toRestarting("partial file without sidecar")
			return stepContinue
		}
		d.setState(PreflightStorage)
	case errors.Is(err, sidecar.ErrCorrupt):
		d.toRestarting("corrupt sidecar")
	default:
		d.fail(wrapError(KindIO, err))
		return stepDone
	}
	return stepContinue
}

// probe issues the metadata request, retrying transient failures with
// exponential backoff. The attempt count is bounded and surfaced in the
// session metrics.
func (d *download) probe() (*source.Info, stepResult) {
	cfg := &d.session.config
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.ProbeBackoffBase,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         cfg.ProbeBackoffMax,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	for attempt := 1; ; attempt++ {
		d.setState(PreparingHead)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ProbeTimeout)
		info, err := d.src.Probe(ctx)
		cancel()
		if err == nil {
			return info, stepContinue
		}
		if !source.IsTemporary(err) || attempt >= cfg.MaxProbeAttempts {
			d.fail(wrapError(KindSource, err))
			return nil, stepDone
		}
		d.session.metrics.ProbeRetries.Inc(1)
		d.log.Debugf("probe attempt %d failed: %s", attempt, err)
		d.setState(HeadBackoff)
		select {
		case <-time.After(bo.NextBackOff()):
		case ack := <-d.pauseCommandC:
			d.setState(Paused)
			close(ack)
			return nil, stepPaused
		case <-d.closeC:
			return nil, stepClosed
		}
	}
}

// preflight verifies the destination directory exists and the filesystem has
// room for the remaining bytes. The partial file is kept on failure.
func (d *download) preflight() error {
	dir := filepath.Dir(d.dest)
	fi, err := os.Stat(dir)
	if err != nil {
		return wrapError(KindIO, err)
	}
	if !fi.IsDir() {
		return wrapError(KindIO, fmt.Errorf("not a directory: %s", dir))
	}
	free, err := diskFree(dir)
	if err != nil {
		return wrapError(KindIO, err)
	}
	if free < 0 {
		// Unknown on this platform.
		return nil
	}
	partSize, err := d.store.PartSize()
	if err != nil {
		return wrapError(KindIO, err)
	}
	remaining := d.info.Size - partSize
	if free < remaining {
		return wrapError(KindIO, fmt.Errorf("insufficient storage: %d bytes free, %d required", free, remaining))
	}
	return nil
}

// diskFree is swappable in tests.
var diskFree = diskspace.Free

// verify computes the whole-file digest and compares it against the
// caller-supplied expectation. A mismatch is fatal and keeps the artifacts
// on disk; the next resume restarts from scratch.
func (d *download) verify() stepResult {
	digest, err := verifier.SumFile(d.store.PartPath())
	if err != nil {
		d.fail(wrapError(KindIO, err))
		return stepDone
	}
	if d.expectedHash != "" {
		want, err := verifier.ParseExpected(d.expectedHash)
		if err != nil {
			// Validated at add time; only reachable through a bad hydrated record.
			d.fail(wrapError(KindInvalid, err))
			return stepDone
		}
		if !bytes.Equal(digest, want) {
			d.restartOnResume = true
			d.fail(newError(KindSource, "integrity check failed: digest does not match expected hash"))
			return stepDone
		}
	}
	d.rec.FinalHash = hex.EncodeToString(digest)
	if err := d.store.Write(d.rec); err != nil {
		d.fail(wrapError(KindIO, err))
		return stepDone
	}
	d.setState(FinalizingIo)
	return stepContinue
}

// finalize flushes the partial file and renames it into the destination.
// A failed rename keeps the completed data in the partial file.
func (d *download) finalize() error {
	f, err := os.OpenFile(d.store.PartPath(), os.O_RDWR, 0o640)
	if err != nil {
		return wrapError(KindIO, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return wrapError(KindIO, err)
	}
	if err = f.Close(); err != nil {
		return wrapError(KindIO, err)
	}
	if err = os.Rename(d.store.PartPath(), d.dest); err != nil {
		return wrapError(KindIO, err)
	}
	return d.store.Remove()
}

func (d *download) toRestarting(cause string) {
	d.restarts++
	d.restartCause = cause
	d.session.metrics.Restarts.Inc(1)
	d.log.Infof("restarting: %s", cause)
	d.setState(Restarting)
}

func (d *download) fail(err error) {
	d.lastError = err
	d.setState(Failed)
	d.log.Error(err)
}
