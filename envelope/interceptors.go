package envelope

import (
	"context"
	"fmt"

	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
)

const (
	ReadHeadersName = "ReadHeadersInterceptor"
	WriterName      = "EnvelopeWriterInterceptor"
)

// ReadHeadersInterceptor decodes the inbound envelope. It understands the
// addressing headers it maps onto message properties.
type ReadHeadersInterceptor struct {
	interceptors.Base
}

// NewReadHeadersInterceptor creates the inbound envelope decoder
func NewReadHeadersInterceptor() *ReadHeadersInterceptor {
	return &ReadHeadersInterceptor{Base: interceptors.NewBase(ReadHeadersName, phase.Read)}
}

// HandleMessage implements interceptors.Interceptor
func (i *ReadHeadersInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	payload := message.Payload(msg)
	if payload == nil {
		return fmt.Errorf("read envelope %s: %w", msg.ID(), message.ErrNoPayload)
	}
	return Decode(msg, payload)
}

// UnderstoodHeaders implements interceptors.HeaderProcessor
func (i *ReadHeadersInterceptor) UnderstoodHeaders() []message.QName {
	return []message.QName{MessageIDName, RelatesToName, ReplyToName, ActionName, ToName}
}

// Roles implements interceptors.HeaderProcessor
func (i *ReadHeadersInterceptor) Roles() []string {
	return nil
}

// WriterInterceptor encodes the outbound envelope into the message sink
type WriterInterceptor struct {
	interceptors.Base
	indent int
}

// NewWriterInterceptor creates the outbound envelope encoder
func NewWriterInterceptor() *WriterInterceptor {
	return &WriterInterceptor{Base: interceptors.NewBase(WriterName, phase.Write), indent: -1}
}

// WithIndent pretty prints envelopes with the given number of spaces
func (i *WriterInterceptor) WithIndent(spaces int) *WriterInterceptor {
	i.indent = spaces
	return i
}

// HandleMessage implements interceptors.Interceptor
func (i *WriterInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	sink, ok := interceptors.Sink(msg)
	if !ok {
		return fmt.Errorf("write envelope %s: %w", msg.ID(), message.ErrNoConduit)
	}

	doc, err := Encode(msg)
	if err != nil {
		return err
	}
	if i.indent >= 0 {
		doc.Indent(i.indent)
	}
	if _, err := doc.WriteTo(sink); err != nil {
		return &message.TransportError{Op: "write", Err: err}
	}
	return nil
}
