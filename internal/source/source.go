// Package source defines the contract between the download engine and the
// transports it fetches bytes from.
//
// A Source must be able to answer a metadata probe (size and freshness
// tokens) and serve the remainder of the resource starting at an arbitrary
// byte offset. A transport that cannot serve ranges must still serve the
// whole body from offset zero; the engine detects the shorter start offset
// and restarts cleanly instead of misaligning the partial file.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Info is the result of a metadata probe.
type Info struct {
	// Total size of the resource in bytes. Negative if the source did not
	// report a size.
	Size int64
	// Opaque freshness token, empty if the source has none.
	ETag string
	// Last modification timestamp as reported by the source, empty if unknown.
	LastModified string
	// True if the source advertises byte-range support.
	AcceptRanges bool
}

// Source fetches a single remote resource.
type Source interface {
	// Probe issues a metadata-only request.
	Probe(ctx context.Context) (*Info, error)

	// FetchRange requests the resource body starting at offset.
	// token is the freshness token from the last probe; a source that can
	// evaluate preconditions must fail with KindChanged when the token no
	// longer matches instead of serving mismatched bytes.
	//
	// start is the offset the returned body actually begins at. A source
	// without range support returns start == 0 regardless of the requested
	// offset; the caller must restart from scratch in that case.
	// The body is finite and not restartable mid-stream.
	FetchRange(ctx context.Context, offset int64, token string) (body io.ReadCloser, start int64, err error)
}

// Kind classifies a source failure.
type Kind int

const (
	// KindProtocol is a malformed locator or response.
	KindProtocol Kind = iota + 1
	// KindUnreachable is a network-level failure. Retryable.
	KindUnreachable
	// KindRangeUnsupported means the source cannot serve the requested range.
	KindRangeUnsupported
	// KindUnexpectedStatus is a response status the adapter cannot handle.
	// Retryable for server-side (5xx-class) statuses.
	KindUnexpectedStatus
	// KindChanged means the freshness precondition failed; the resource
	// changed since the last probe.
	KindChanged
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol error"
	case KindUnreachable:
		return "unreachable"
	case KindRangeUnsupported:
		return "range unsupported"
	case KindUnexpectedStatus:
		return "unexpected status"
	case KindChanged:
		return "resource changed"
	default:
		return "unknown"
	}
}

// Error is a classified source failure.
type Error struct {
	Kind   Kind
	URL    string
	Status int // HTTP status code if applicable, 0 otherwise
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "source: " + msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether the failure is worth retrying.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindUnreachable:
		return true
	case KindUnexpectedStatus:
		return e.Status >= 500
	default:
		return false
	}
}

// KindOf returns the classification of err, or 0 if err is not a source error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTemporary reports whether err is a retryable source failure.
func IsTemporary(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Temporary()
}
