package message

import (
	"errors"
	"fmt"
)

// FaultCode classifies a fault on the wire
type FaultCode string

const (
	// FaultMustUnderstand is raised when a mandatory header is not understood
	FaultMustUnderstand FaultCode = "MustUnderstand"
	// FaultSender blames the message sender
	FaultSender FaultCode = "Sender"
	// FaultReceiver blames the receiving node
	FaultReceiver FaultCode = "Receiver"
	// FaultVersionMismatch is raised for an unknown envelope namespace
	FaultVersionMismatch FaultCode = "VersionMismatch"
)

var (
	// ErrNoConduit is returned when an outbound message has no conduit to travel on
	ErrNoConduit = errors.New("message: no conduit")
	// ErrNoPayload is returned when a message carries no payload
	ErrNoPayload = errors.New("message: no payload")
)

// Fault is a protocol fault. Its Error text is exactly the fault reason.
type Fault struct {
	Code    FaultCode // Standard fault code
	Subcode string    // Protocol-specific subcode
	Reason  string    // Human-readable reason
	Err     error     // Underlying error
}

// NewFault creates a fault with a code and reason
func NewFault(code FaultCode, reason string) *Fault {
	return &Fault{Code: code, Reason: reason}
}

func (f *Fault) Error() string {
	return f.Reason
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// AsFault returns err as a Fault, wrapping non-fault errors as receiver faults
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var fault *Fault
	if errors.As(err, &fault) {
		return fault
	}
	return &Fault{Code: FaultReceiver, Reason: err.Error(), Err: err}
}

// TransportError reports an I/O failure while moving a message
type TransportError struct {
	Op      string // Operation that failed
	Address string // Peer address
	Err     error  // Underlying error
}

func (e *TransportError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("transport error: %s %s: %v", e.Op, e.Address, e.Err)
	}
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
