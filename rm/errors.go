package rm

import (
	"errors"
	"fmt"

	"github.com/glimte/relay/message"
)

var (
	// ErrSequenceTerminated is returned for sends on a terminated sequence
	ErrSequenceTerminated = errors.New("rm: sequence terminated")
	// ErrSequenceClosed is returned for sends on a closing sequence
	ErrSequenceClosed = errors.New("rm: sequence closed")
	// ErrSequenceExpired is returned for sends on an expired sequence
	ErrSequenceExpired = errors.New("rm: sequence expired")
	// ErrDeliveryFailure is matched by every DeliveryFailure
	ErrDeliveryFailure = errors.New("rm: delivery failure")
	// ErrUnknownSequence is returned for identifiers the manager does not know
	ErrUnknownSequence = errors.New("rm: unknown sequence")
	// ErrManagerClosed is returned once the manager has shut down
	ErrManagerClosed = errors.New("rm: manager closed")
)

// Fault subcodes
const (
	SubcodeUnknownSequence           = "wsrm:UnknownSequence"
	SubcodeSequenceTerminated        = "wsrm:SequenceTerminated"
	SubcodeLastMessageNumberExceeded = "wsrm:LastMessageNumberExceeded"
	SubcodeInvalidAcknowledgement    = "wsrm:InvalidAcknowledgement"
	SubcodeMessageNumberRollover     = "wsrm:MessageNumberRollover"
	SubcodeInvalidHeader             = "wsrm:InvalidSequenceHeader"
	SubcodeTooManyHeld               = "wsrm:TooManyHeldMessages"
)

// DeliveryFailure reports a message that was never acknowledged within the
// retransmission budget
type DeliveryFailure struct {
	SequenceID Identifier
	Number     uint64
	Attempts   int
	Err        error // last transport error, if any
}

func (e *DeliveryFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rm: message %d of sequence %s not acknowledged after %d attempts: %v",
			e.Number, e.SequenceID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rm: message %d of sequence %s not acknowledged after %d attempts",
		e.Number, e.SequenceID, e.Attempts)
}

func (e *DeliveryFailure) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDeliveryFailure, e.Err}
	}
	return []error{ErrDeliveryFailure}
}

// SequenceError reports a rejected operation on a sequence
type SequenceError struct {
	Op         string
	SequenceID Identifier
	Err        error
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("rm: %s on sequence %s: %v", e.Op, e.SequenceID, e.Err)
}

func (e *SequenceError) Unwrap() error {
	return e.Err
}

func sequenceFault(code message.FaultCode, subcode, reason string) *message.Fault {
	return &message.Fault{Code: code, Subcode: subcode, Reason: reason}
}
