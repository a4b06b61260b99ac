package interceptors

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
)

const (
	// MessageSenderName is the name of the interceptor that opens the conduit sink
	MessageSenderName = "MessageSenderInterceptor"
	// MessageSenderEndingName is the name of the interceptor that sends the message
	MessageSenderEndingName = "MessageSenderEndingInterceptor"
)

// Aborter is implemented by sinks that can discard a message instead of sending it
type Aborter interface {
	Abort() error
}

// conduitSink keeps the unwrapped sink the conduit returned
type conduitSink struct {
	io.WriteCloser
}

// Sink returns the current outbound sink. Interceptors that transform the
// payload wrap it with SetSink.
func Sink(msg *message.Message) (io.WriteCloser, bool) {
	return message.Content[io.WriteCloser](msg)
}

// SetSink replaces the current outbound sink
func SetSink(msg *message.Message, sink io.WriteCloser) {
	message.SetContent[io.WriteCloser](msg, sink)
}

// MessageSenderInterceptor prepares the exchange conduit and installs its sink
type MessageSenderInterceptor struct {
	Base
}

// NewMessageSenderInterceptor creates the interceptor
func NewMessageSenderInterceptor() *MessageSenderInterceptor {
	return &MessageSenderInterceptor{Base: NewBase(MessageSenderName, phase.PrepareSend)}
}

// HandleMessage implements Interceptor
func (i *MessageSenderInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	ex := msg.Exchange()
	if ex == nil || ex.Conduit() == nil {
		return fmt.Errorf("send %s: %w", msg.ID(), message.ErrNoConduit)
	}

	sink, err := ex.Conduit().Prepare(ctx, msg)
	if err != nil {
		var te *message.TransportError
		if errors.As(err, &te) {
			return err
		}
		return &message.TransportError{Op: "prepare", Err: err}
	}

	message.SetContent(msg, conduitSink{sink})
	SetSink(msg, sink)
	return nil
}

// HandleFault discards the prepared message so nothing is sent
func (i *MessageSenderInterceptor) HandleFault(ctx context.Context, msg *message.Message) {
	sink, ok := message.Content[conduitSink](msg)
	if !ok {
		return
	}
	message.RemoveContent[conduitSink](msg)
	message.RemoveContent[io.WriteCloser](msg)
	if a, ok := sink.WriteCloser.(Aborter); ok {
		_ = a.Abort()
	}
}

// MessageSenderEndingInterceptor closes the sink, which sends the message
type MessageSenderEndingInterceptor struct {
	Base
}

// NewMessageSenderEndingInterceptor creates the interceptor
func NewMessageSenderEndingInterceptor() *MessageSenderEndingInterceptor {
	b := NewBase(MessageSenderEndingName, phase.Send)
	return &MessageSenderEndingInterceptor{Base: b}
}

// HandleMessage implements Interceptor
func (i *MessageSenderEndingInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	sink, ok := Sink(msg)
	if !ok {
		return fmt.Errorf("send %s: %w", msg.ID(), message.ErrNoPayload)
	}
	message.RemoveContent[io.WriteCloser](msg)
	message.RemoveContent[conduitSink](msg)

	if err := sink.Close(); err != nil {
		var te *message.TransportError
		if errors.As(err, &te) {
			return err
		}
		return &message.TransportError{Op: "send", Err: err}
	}
	return nil
}
