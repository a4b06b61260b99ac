package interceptors

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
	"github.com/klauspost/compress/flate"
)

const (
	// ContentEncodingHeader is the protocol header naming the payload encoding
	ContentEncodingHeader = "Content-Encoding"
	// DeflateEncoding is the raw deflate encoding token
	DeflateEncoding = "deflate"

	DeflateName = "DeflateInterceptor"
	InflateName = "InflateInterceptor"
)

// DeflateInterceptor compresses the outbound payload
type DeflateInterceptor struct {
	Base
	level int
}

// NewDeflateInterceptor creates a compressing interceptor. Level follows
// flate, e.g. flate.DefaultCompression.
func NewDeflateInterceptor(level int) *DeflateInterceptor {
	return &DeflateInterceptor{
		Base:  NewBase(DeflateName, phase.PreStream),
		level: level,
	}
}

// HandleMessage implements Interceptor
func (i *DeflateInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	sink, ok := Sink(msg)
	if !ok {
		return fmt.Errorf("deflate %s: %w", msg.ID(), message.ErrNoPayload)
	}
	fw, err := flate.NewWriter(sink, i.level)
	if err != nil {
		return fmt.Errorf("deflate %s: %w", msg.ID(), err)
	}
	msg.ProtocolHeaders()[ContentEncodingHeader] = DeflateEncoding
	SetSink(msg, &deflateSink{fw: fw, next: sink})
	return nil
}

// HandleFault restores the uncompressed sink
func (i *DeflateInterceptor) HandleFault(ctx context.Context, msg *message.Message) {
	if ds, ok := message.Content[io.WriteCloser](msg); ok {
		if d, ok := ds.(*deflateSink); ok {
			SetSink(msg, d.next)
		}
	}
	delete(msg.ProtocolHeaders(), ContentEncodingHeader)
}

type deflateSink struct {
	fw   *flate.Writer
	next io.WriteCloser
}

func (s *deflateSink) Write(p []byte) (int, error) {
	return s.fw.Write(p)
}

func (s *deflateSink) Close() error {
	if err := s.fw.Close(); err != nil {
		return err
	}
	return s.next.Close()
}

func (s *deflateSink) Abort() error {
	if a, ok := s.next.(Aborter); ok {
		return a.Abort()
	}
	return nil
}

// InflateInterceptor decompresses inbound payloads announced as deflate
type InflateInterceptor struct {
	Base
}

// NewInflateInterceptor creates a decompressing interceptor
func NewInflateInterceptor() *InflateInterceptor {
	return &InflateInterceptor{Base: NewBase(InflateName, phase.Receive)}
}

// HandleMessage implements Interceptor
func (i *InflateInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	headers := msg.ProtocolHeaders()
	if !strings.EqualFold(strings.TrimSpace(headers[ContentEncodingHeader]), DeflateEncoding) {
		return nil
	}
	payload := message.Payload(msg)
	if payload == nil {
		return fmt.Errorf("inflate %s: %w", msg.ID(), message.ErrNoPayload)
	}
	message.SetContent[io.Reader](msg, flate.NewReader(payload))
	delete(headers, ContentEncodingHeader)
	return nil
}
