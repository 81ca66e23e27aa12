package drip

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chiral-network/drip/internal/source"
)

// stream runs the Downloading/PersistingProgress loop: read one bounded
// buffer from the source, flush it and the sidecar to disk, then check for
// a pause before requesting the next buffer. Persistence of a buffer
// strictly precedes the next read, so a crash loses at most one in-flight
// buffer and the partial file length always equals the recorded offset.
func (d *download) stream() stepResult {
	f, err := os.OpenFile(d.store.PartPath(), os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		d.fail(wrapError(KindIO, err))
		return stepDone
	}
	defer f.Close()
	// The invariant is length == offset; drop anything past it.
	if err = f.Truncate(d.bytesDone); err != nil {
		d.fail(wrapError(KindIO, err))
		return stepDone
	}
	if _, err = f.Seek(d.bytesDone, io.SeekStart); err != nil {
		d.fail(wrapError(KindIO, err))
		return stepDone
	}

	if d.bytesDone == d.info.Size {
		d.setState(VerifyingSha)
		return stepContinue
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	readTimeout := d.session.config.ReadTimeout
	timer := time.AfterFunc(readTimeout, cancel)
	defer timer.Stop()

	// Sources without an entity tag still get a precondition: the stored
	// Last-Modified date works as an If-Range token too.
	token := d.etag
	if token == "" {
		token = d.info.LastModified
	}
	body, start, err := d.src.FetchRange(ctx, d.bytesDone, token)
	if err != nil {
		switch source.KindOf(err) {
		case source.KindChanged:
			d.toRestarting("source changed since last probe")
			return stepContinue
		case source.KindRangeUnsupported:
			d.toRestarting("source does not support ranges")
			return stepContinue
		default:
			d.fail(wrapError(KindSource, err))
			return stepDone
		}
	}
	defer body.Close()
	if start != d.bytesDone {
		if start == 0 && d.bytesDone > 0 {
			// Range request was not honored; the body is the whole resource.
			d.toRestarting("source does not support ranges")
			return stepContinue
		}
		d.fail(wrapError(KindSource, &source.Error{
			Kind: source.KindProtocol,
			URL:  d.sourceURL,
			Err:  fmt.Errorf("requested offset %d, got %d", d.bytesDone, start),
		}))
		return stepDone
	}

	for d.bytesDone < d.info.Size {
		buflen := d.info.Size - d.bytesDone
		if max := int64(d.session.config.ReadBufferSize); buflen > max {
			buflen = max
		}
		buf := d.session.bufferPool.Get(int(buflen))

		if res := d.throttle(buflen); res != stepContinue {
			buf.Release()
			return res
		}
		n, err := readFull(body, buf.Data, timer, readTimeout)
		if n > 0 {
			if res := d.persist(f, buf.Data[:n]); res != stepContinue {
				buf.Release()
				return res
			}
		}
		buf.Release()
		if err != nil {
			d.fail(wrapError(KindSource, &source.Error{
				Kind: source.KindUnreachable,
				URL:  d.sourceURL,
				Err:  fmt.Errorf("body ended at offset %d of %d: %w", d.bytesDone, d.info.Size, err),
			}))
			return stepDone
		}

		// The only cancellation point: after a persisted write, before the
		// next read.
		select {
		case ack := <-d.pauseCommandC:
			d.setState(Paused)
			close(ack)
			return stepPaused
		case <-d.closeC:
			d.setState(Paused)
			return stepClosed
		default:
		}
	}

	d.setState(VerifyingSha)
	return stepContinue
}

// persist flushes one buffer and the sidecar before the next read is
// requested.
func (d *download) persist(f *os.File, b []byte) stepResult {
	d.setState(PersistingProgress)
	if _, err := f.Write(b); err != nil {
		d.fail(wrapError(KindIO, err))
		return stepDone
	}
	if err := f.Sync(); err != nil {
		d.fail(wrapError(KindIO, err))
		return stepDone
	}
	d.bytesDone += int64(len(b))
	d.rec.BytesDownloaded = d.bytesDone
	if err := d.store.Write(d.rec); err != nil {
		d.fail(wrapError(KindIO, err))
		return stepDone
	}
	d.session.metrics.SpeedDownload.Mark(int64(len(b)))
	d.session.metrics.BytesDownloaded.Inc(int64(len(b)))
	d.setState(Downloading)
	return stepContinue
}

// throttle waits for the session rate limiter before a read.
func (d *download) throttle(n int64) stepResult {
	if d.session.rateLimiter == nil {
		return stepContinue
	}
	wait := d.session.rateLimiter.Take(n)
	if wait == 0 {
		return stepContinue
	}
	select {
	case <-time.After(wait):
		return stepContinue
	case ack := <-d.pauseCommandC:
		d.setState(Paused)
		close(ack)
		return stepPaused
	case <-d.closeC:
		d.setState(Paused)
		return stepClosed
	}
}

// readFull is similar to io.ReadFull call, plus it resets the read timer on
// each iteration.
func readFull(r io.Reader, b []byte, t *time.Timer, d time.Duration) (o int, err error) {
	for o < len(b) && err == nil {
		var nn int
		nn, err = r.Read(b[o:])
		o += nn
		t.Reset(d)
	}
	if o >= len(b) {
		err = nil
	}
	return
}
