package drip

import "errors"

// ErrorKind is the closed set of failure classes surfaced over the command
// boundary. Callers branch on the kind instead of parsing messages.
type ErrorKind int

const (
	// KindNotFound means the download id is unknown.
	KindNotFound ErrorKind = iota + 1
	// KindInvalid means the request is malformed or the transition is not
	// legal in the download's current state.
	KindInvalid
	// KindSource is a network or protocol failure reported by the source
	// adapter.
	KindSource
	// KindIO is a filesystem failure: exhausted storage, permission denied,
	// failed rename.
	KindIO
	// KindAlreadyCompleted means the destination already holds a completed
	// transfer.
	KindAlreadyCompleted
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalid:
		return "invalid"
	case KindSource:
		return "source"
	case KindIO:
		return "io"
	case KindAlreadyCompleted:
		return "already completed"
	default:
		return "unknown"
	}
}

// Error is the error type returned from Session and Download methods.
type Error struct {
	Kind ErrorKind
	Err  error
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

func wrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Error implements error interface.
func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or 0 for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsNotFound reports whether err carries KindNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsInvalid reports whether err carries KindInvalid.
func IsInvalid(err error) bool { return KindOf(err) == KindInvalid }
