package rldp

import "github.com/pkg/errors"

// Kind classifies an RLDP error the way spec.md section 7's taxonomy
// requires, mirroring the adnl and overlay packages' Kind pattern.
type Kind int

const (
	KindFailedToEncode Kind = iota
	KindTransferTimedOut
	KindParametersRejected
	KindDecodeFailed
	KindUnknownTransfer
)

type rldpError struct {
	kind Kind
	msg  string
}

func (e *rldpError) Error() string { return e.msg }

func newError(kind Kind, msg string) error {
	return &rldpError{kind: kind, msg: msg}
}

// ErrorKind extracts the Kind from err if it (or something it wraps) is an
// rldp-originated error.
func ErrorKind(err error) (Kind, bool) {
	var re *rldpError
	for err != nil {
		if r, ok := err.(*rldpError); ok {
			re = r
			break
		}
		err = errors.Unwrap(err)
	}
	if re == nil {
		return 0, false
	}
	return re.kind, true
}

var (
	// ErrFailedToEncode surfaces to the sending caller when the RaptorQ
	// encoder cannot produce another packet, spec.md section 4.6.
	ErrFailedToEncode = newError(KindFailedToEncode, "rldp: failed to encode")
	// ErrTransferTimedOut surfaces to the sending caller when no Complete
	// arrives before the deadline, whether or not Acks were seen.
	ErrTransferTimedOut = newError(KindTransferTimedOut, "rldp: transfer timed out")
	// ErrParametersRejected is sent back to the peer (as an Error message)
	// and returned locally when a sender's declared FEC parameters exceed
	// configured bounds.
	ErrParametersRejected = newError(KindParametersRejected, "rldp: fec parameters rejected")
	// ErrDecodeFailed is sent back to the peer when a fully-received symbol
	// set still fails to reconstruct.
	ErrDecodeFailed = newError(KindDecodeFailed, "rldp: decode failed")
	// ErrUnknownTransfer names the case of an Ack/Complete/Error for a
	// transfer id this node has no sender state for. Node does not return
	// it: such messages are dropped silently.
	ErrUnknownTransfer = newError(KindUnknownTransfer, "rldp: unknown transfer")
)
