package adnl

import "github.com/pkg/errors"

// Kind classifies an adnl error the way spec.md section 7's taxonomy
// requires: callers switch on Kind rather than matching error strings.
type Kind int

const (
	KindUnknownLocalKey Kind = iota
	KindUnknownPeer
	KindTimeout
	KindShutdown
	KindDecodeFailed
	KindCapacityExhausted
)

type nodeError struct {
	kind Kind
	msg  string
}

func (e *nodeError) Error() string { return e.msg }

func newError(kind Kind, msg string) error {
	return &nodeError{kind: kind, msg: msg}
}

// ErrorKind extracts the Kind from err if it (or something it wraps) is a
// adnl-originated error, and returns ok=false otherwise.
func ErrorKind(err error) (Kind, bool) {
	var ne *nodeError
	for err != nil {
		if n, ok := err.(*nodeError); ok {
			ne = n
			break
		}
		err = errors.Unwrap(err)
	}
	if ne == nil {
		return 0, false
	}
	return ne.kind, true
}

var (
	// ErrUnknownLocalKey is returned by AddPeer/Query/SendCustomMessage when
	// the caller names a local short id that was never registered via AddKey.
	ErrUnknownLocalKey = newError(KindUnknownLocalKey, "adnl: unknown local key")
	// ErrUnknownPeer is returned for operations against a (local, remote)
	// pair that was never added.
	ErrUnknownPeer = newError(KindUnknownPeer, "adnl: unknown peer")
	// ErrTimeout is returned by Query when no answer arrives before the
	// caller's deadline.
	ErrTimeout = newError(KindTimeout, "adnl: query timed out")
	// ErrShutdown wakes every pending query waiter when the node is closed.
	ErrShutdown = newError(KindShutdown, "adnl: node shut down")
)
