// Package errs classifies handler failures per spec §7's error taxonomy,
// so that every worker's message-handling boundary can decide, in one
// place, whether to increment a stage's failedItems, retry, dead-letter,
// or silently ack-and-drop.
package errs

import "github.com/pkg/errors"

// Kind is one of the error kinds named in spec §7. It is not a Go error
// type hierarchy; it is a classification tag attached to a wrapped error.
type Kind int

const (
	// KindFatal is any unexpected error: dead-lettered, and the
	// reconciler will eventually fail the parent job.
	KindFatal Kind = iota
	// KindDecode is a source image that failed to decode.
	KindDecode
	// KindEncode is an artifact that failed to encode.
	KindEncode
	// KindUnsupportedFormat is a source format the image processor does
	// not handle.
	KindUnsupportedFormat
	// KindNoCapacity is returned by the cache folder registry when no
	// folder has room; non-retryable at the message level.
	KindNoCapacity
	// KindTransientIO is a retryable I/O failure (network blip, file
	// briefly locked, broker hiccup).
	KindTransientIO
	// KindMissingParent means the parent job referenced by a message no
	// longer exists: ack and drop, log a warning.
	KindMissingParent
	// KindParentTerminal means the parent job is Cancelled/Failed/
	// Completed: ack and return without doing work.
	KindParentTerminal
	// KindTimeout means the handler's wall-clock deadline expired:
	// retryable.
	KindTimeout
)

// String renders the kind for logging.
func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "Decode"
	case KindEncode:
		return "Encode"
	case KindUnsupportedFormat:
		return "UnsupportedFormat"
	case KindNoCapacity:
		return "NoCapacity"
	case KindTransientIO:
		return "TransientIO"
	case KindMissingParent:
		return "MissingParent"
	case KindParentTerminal:
		return "ParentTerminal"
	case KindTimeout:
		return "Timeout"
	default:
		return "Fatal"
	}
}

// Retryable reports whether a message handler failing with this kind
// should be republished (subject to message.maxRetries) rather than
// counted as a permanent per-item failure.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientIO, KindTimeout:
		return true
	default:
		return false
	}
}

// Classified wraps an underlying error with a Kind.
type Classified struct {
	kind Kind
	err  error
}

// New creates a new error from msg, tagged with the given kind.
func New(kind Kind, msg string) error {
	return &Classified{kind: kind, err: errors.New(msg)}
}

// Wrap attaches a Kind to an existing error, preserving its stack via
// github.com/pkg/errors.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}

	return &Classified{kind: kind, err: errors.Wrap(err, msg)}
}

func (c *Classified) Error() string { return c.err.Error() }
func (c *Classified) Unwrap() error { return c.err }
func (c *Classified) Kind() Kind    { return c.kind }

// KindOf extracts the Kind from err, defaulting to KindFatal for
// unclassified errors (including nil, which also reports KindFatal since
// callers are expected to check err != nil first).
func KindOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.kind
	}

	return KindFatal
}

// IsRetryable is a convenience wrapper around KindOf(err).Retryable().
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
