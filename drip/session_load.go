package drip

import (
	"os"

	"github.com/chiral-network/drip/internal/sidecar"
)

// loadExistingDownloads hydrates downloads found in the session database.
// Interrupted transfers come back as AwaitingResume so callers can tell a
// recovered session apart from an interactively paused one. Nothing starts
// transferring until a resume command arrives.
func (s *Session) loadExistingDownloads(ids []string) {
	var loaded int
	for _, id := range ids {
		err := s.loadExistingDownload(id)
		if err != nil {
			s.log.Error(err)
			continue
		}
		loaded++
	}
	s.log.Infof("loaded %d existing downloads", loaded)
}

func (s *Session) loadExistingDownload(id string) error {
	spec, err := s.resumer.Read(id)
	if err != nil {
		return err
	}
	src, err := s.resolveSource(spec.Source)
	if err != nil {
		return err
	}
	store := sidecar.New(spec.Dest)
	state := AwaitingResume
	rec, recErr := store.Load()
	hasMeta := recErr == nil
	hasPart := store.HasPart()
	switch {
	case hasMeta && hasPart:
		// Interrupted mid-transfer; resume revalidates the offset.
	case !hasMeta && !hasPart && os.IsNotExist(recErr):
		// Nothing on disk: completed earlier or never started.
		if _, err2 := os.Stat(spec.Dest); err2 == nil {
			state = Completed
		}
		rec = nil
	default:
		// One half of the sidecar/part pair is missing or unreadable.
		// Trusting an internally inconsistent pair risks a corrupt file;
		// discard both and start over on resume.
		s.log.Warningf("download #%s has inconsistent resume data, starting fresh", id)
		_ = store.Remove()
		_ = store.RemovePart()
		rec = nil
	}

	d := newDownload(s, id, spec.Source, spec.Dest, spec.ExpectedHash, spec.AddedAt, src, state)
	if rec != nil {
		d.rec = rec
		d.bytesDone = rec.BytesDownloaded
		d.expectedSize = rec.ExpectedSize
		d.etag = rec.ETag
		d.updateSnapshot()
	}
	s.insertDownload(d)
	s.log.Debugf("loaded existing download: #%s %s", id, spec.Source)
	go d.run(false)
	return nil
}
