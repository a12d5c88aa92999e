package overlay

import "github.com/pkg/errors"

// Kind classifies an overlay error the way spec.md section 7's taxonomy
// requires, mirroring the adnl package's Kind pattern.
type Kind int

const (
	KindUnknownOverlay Kind = iota
	KindDeletingPublicOverlay
	KindNoConsumerFound
	KindUnsupportedQuery
	KindUnsupportedOverlayBroadcastMessage
	KindCapacityExhausted
)

type overlayError struct {
	kind Kind
	msg  string
}

func (e *overlayError) Error() string { return e.msg }

func newError(kind Kind, msg string) error {
	return &overlayError{kind: kind, msg: msg}
}

// ErrorKind extracts the Kind from err if it (or something it wraps) is an
// overlay-originated error.
func ErrorKind(err error) (Kind, bool) {
	var oe *overlayError
	for err != nil {
		if o, ok := err.(*overlayError); ok {
			oe = o
			break
		}
		err = errors.Unwrap(err)
	}
	if oe == nil {
		return 0, false
	}
	return oe.kind, true
}

var (
	// ErrUnknownOverlay is returned when a message or query names an
	// overlay short id this node has no shard for.
	ErrUnknownOverlay = newError(KindUnknownOverlay, "overlay: unknown overlay")
	// ErrDeletingPublicOverlay is returned by DeletePrivateOverlay when the
	// named shard is public, spec.md testable property 5.
	ErrDeletingPublicOverlay = newError(KindDeletingPublicOverlay, "overlay: cannot delete a public overlay")
	// ErrNoConsumerFound is returned when a query bundle names an overlay
	// with no registered per-overlay subscriber.
	ErrNoConsumerFound = newError(KindNoConsumerFound, "overlay: no consumer found")
	// ErrUnsupportedQuery is returned when the per-overlay subscriber
	// rejects a query it was handed.
	ErrUnsupportedQuery = newError(KindUnsupportedQuery, "overlay: unsupported query")
	// ErrUnsupportedOverlayBroadcastMessage is returned for a custom message
	// whose second bundle element is neither BroadcastSimple nor
	// BroadcastFec -- including the commented-out catchain/validator path
	// spec.md's design notes say to reject rather than infer.
	ErrUnsupportedOverlayBroadcastMessage = newError(KindUnsupportedOverlayBroadcastMessage, "overlay: unsupported overlay broadcast message")
)
