package drip

// State is the position of a download in its lifecycle.
type State string

const (
	// Idle is a freshly created download that has not probed the source yet.
	Idle State = "Idle"
	// PreparingHead is an in-flight metadata probe.
	PreparingHead State = "Preparing Head"
	// HeadBackoff waits between failed probe attempts.
	HeadBackoff State = "Head Backoff"
	// Restarting discards the partial file and sidecar after the source
	// changed or local state disagreed with itself.
	Restarting State = "Restarting"
	// PreflightStorage checks the destination directory and free space.
	PreflightStorage State = "Preflight Storage"
	// ValidatingMetadata reconciles the sidecar offset with the partial
	// file length.
	ValidatingMetadata State = "Validating Metadata"
	// Downloading reads the next buffer from the source.
	Downloading State = "Downloading"
	// PersistingProgress flushes the buffer and updates the sidecar.
	PersistingProgress State = "Persisting Progress"
	// Paused is an interactively paused download.
	Paused State = "Paused"
	// AwaitingResume is a download hydrated from disk after a process
	// restart, waiting for a resume command.
	AwaitingResume State = "Awaiting Resume"
	// VerifyingSha computes the whole-file digest.
	VerifyingSha State = "Verifying Sha"
	// FinalizingIo renames the finished file into place.
	FinalizingIo State = "Finalizing Io"
	// Completed downloads have been renamed to their destination.
	Completed State = "Completed"
	// Failed downloads keep their artifacts on disk for inspection or retry.
	Failed State = "Failed"
)

// Terminal reports whether no further work happens without a command.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Resumable reports whether a resume command is accepted in this state.
// Failed downloads are resumable unless the failure was an invalid request.
func (s State) Resumable() bool {
	return s == Paused || s == AwaitingResume || s == Failed
}
