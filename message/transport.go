package message

import (
	"context"
	"io"
	"time"
)

// Conduit carries outbound messages to a peer
type Conduit interface {
	// Prepare returns the sink the outbound payload is written to.
	// Closing the sink sends the message.
	Prepare(ctx context.Context, msg *Message) (io.WriteCloser, error)

	// Close releases the conduit
	Close() error
}

// BackChannelPolicy tunes a back-channel conduit
type BackChannelPolicy struct {
	Timeout time.Duration
}

// Destination receives inbound messages for one address
type Destination interface {
	// Address returns the address the destination listens on
	Address() string

	// BackChannel returns a conduit for the response path of a two-way exchange
	BackChannel(in *Message, policy *BackChannelPolicy, target string) (Conduit, error)

	// SetObserver registers the observer inbound messages are delivered to
	SetObserver(observer MessageObserver)

	// Close stops delivery
	Close() error
}

// ConduitInitiator opens conduits to target addresses
type ConduitInitiator interface {
	Conduit(target string) (Conduit, error)
}

// MessageObserver is notified once per accepted unit of work
type MessageObserver interface {
	OnMessage(ctx context.Context, msg *Message)
}

// MessageObserverFunc is a function adapter for MessageObserver
type MessageObserverFunc func(ctx context.Context, msg *Message)

// OnMessage implements MessageObserver
func (f MessageObserverFunc) OnMessage(ctx context.Context, msg *Message) {
	f(ctx, msg)
}

// Payload returns the inbound payload reader, or nil
func Payload(m *Message) io.Reader {
	r, _ := Content[io.Reader](m)
	return r
}
