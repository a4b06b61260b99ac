package interceptors

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/relay/internal/reliability"
	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferSink struct {
	conduit *bufferConduit
	buf     bytes.Buffer
}

func (s *bufferSink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *bufferSink) Close() error {
	s.conduit.mu.Lock()
	defer s.conduit.mu.Unlock()
	if s.conduit.sendErr != nil {
		return s.conduit.sendErr
	}
	s.conduit.sent = append(s.conduit.sent, s.buf.Bytes())
	return nil
}

func (s *bufferSink) Abort() error {
	s.conduit.aborted.Add(1)
	return nil
}

type bufferConduit struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	aborted atomic.Int32
}

func (c *bufferConduit) Prepare(ctx context.Context, msg *message.Message) (io.WriteCloser, error) {
	return &bufferSink{conduit: c}, nil
}

func (c *bufferConduit) Close() error { return nil }

func (c *bufferConduit) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

type backChannelDestination struct {
	conduit *bufferConduit
	calls   atomic.Int32
}

func (d *backChannelDestination) Address() string { return "local://orders" }

func (d *backChannelDestination) BackChannel(in *message.Message, policy *message.BackChannelPolicy, target string) (message.Conduit, error) {
	d.calls.Add(1)
	return d.conduit, nil
}

func (d *backChannelDestination) SetObserver(observer message.MessageObserver) {}

func (d *backChannelDestination) Close() error { return nil }

func payloadWriter(body string) Interceptor {
	return NewInterceptorFunc("PayloadWriter", phase.Write, func(ctx context.Context, msg *message.Message) error {
		sink, ok := Sink(msg)
		if !ok {
			return message.ErrNoPayload
		}
		_, err := io.WriteString(sink, body)
		return err
	})
}

func outChain(t *testing.T, extra ...Interceptor) *PhaseChain {
	t.Helper()
	chain := NewPhaseChain(phase.NewManager().Phases(phase.Out), WithName("out"))
	require.NoError(t, chain.Add(NewMessageSenderInterceptor(), NewMessageSenderEndingInterceptor()))
	require.NoError(t, chain.Add(extra...))
	return chain
}

func TestMessageSender(t *testing.T) {
	t.Run("closing the sink sends the payload", func(t *testing.T) {
		conduit := &bufferConduit{}
		ex := message.NewExchange()
		ex.SetConduit(conduit)
		out := message.NewOutboundMessage()
		ex.SetOutMessage(out)

		require.NoError(t, outChain(t, payloadWriter("<order/>")).DoIntercept(context.Background(), out))

		require.Len(t, conduit.messages(), 1)
		assert.Equal(t, "<order/>", string(conduit.messages()[0]))
	})

	t.Run("a fault after prepare aborts the sink", func(t *testing.T) {
		conduit := &bufferConduit{}
		ex := message.NewExchange()
		ex.SetConduit(conduit)
		out := message.NewOutboundMessage()
		ex.SetOutMessage(out)

		failing := NewInterceptorFunc("Marshaller", phase.Marshal, func(ctx context.Context, msg *message.Message) error {
			return errors.New("cannot marshal")
		})
		err := outChain(t, failing).DoIntercept(context.Background(), out)

		require.Error(t, err)
		assert.Equal(t, int32(1), conduit.aborted.Load())
		assert.Empty(t, conduit.messages())
	})

	t.Run("a send failure is a transport error", func(t *testing.T) {
		conduit := &bufferConduit{sendErr: errors.New("connection reset")}
		ex := message.NewExchange()
		ex.SetConduit(conduit)
		out := message.NewOutboundMessage()
		ex.SetOutMessage(out)

		err := outChain(t, payloadWriter("x")).DoIntercept(context.Background(), out)

		var te *message.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "send", te.Op)
	})

	t.Run("a message without conduit faults", func(t *testing.T) {
		out := message.NewOutboundMessage()
		message.NewExchange().SetOutMessage(out)

		err := outChain(t).DoIntercept(context.Background(), out)
		assert.ErrorIs(t, err, message.ErrNoConduit)
	})
}

func TestDeflate(t *testing.T) {
	t.Run("payload round trips through deflate and inflate", func(t *testing.T) {
		conduit := &bufferConduit{}
		ex := message.NewExchange()
		ex.SetConduit(conduit)
		out := message.NewOutboundMessage()
		ex.SetOutMessage(out)

		body := "<order><item>espresso</item><item>espresso</item></order>"
		chain := outChain(t, NewDeflateInterceptor(flate.BestCompression), payloadWriter(body))
		require.NoError(t, chain.DoIntercept(context.Background(), out))
		assert.Equal(t, DeflateEncoding, out.ProtocolHeaders()[ContentEncodingHeader])

		in := message.NewMessage()
		in.ProtocolHeaders()[ContentEncodingHeader] = "deflate"
		message.SetContent[io.Reader](in, bytes.NewReader(conduit.messages()[0]))

		inChain := NewPhaseChain(inPhases())
		require.NoError(t, inChain.Add(NewInflateInterceptor()))
		require.NoError(t, inChain.DoIntercept(context.Background(), in))

		decoded, err := io.ReadAll(message.Payload(in))
		require.NoError(t, err)
		assert.Equal(t, body, string(decoded))
		assert.NotContains(t, in.ProtocolHeaders(), ContentEncodingHeader)
	})

	t.Run("inflate leaves plain payloads alone", func(t *testing.T) {
		in := message.NewMessage()
		reader := bytes.NewReader([]byte("plain"))
		message.SetContent[io.Reader](in, reader)

		require.NoError(t, NewInflateInterceptor().HandleMessage(context.Background(), in))
		assert.Same(t, reader, message.Payload(in))
	})
}

func TestOutgoingChainInterceptor(t *testing.T) {
	t.Run("one-way exchanges never build an out chain", func(t *testing.T) {
		var builds atomic.Int32
		factory := func(ex *message.Exchange) (*PhaseChain, error) {
			builds.Add(1)
			return outChain(t), nil
		}
		dest := &backChannelDestination{conduit: &bufferConduit{}}

		ex := message.NewExchange()
		ex.SetDestination(dest)
		ex.SetOneWay(true)
		in := message.NewMessage()
		ex.SetInMessage(in)
		ex.SetOutMessage(message.NewOutboundMessage())

		require.NoError(t, NewOutgoingChainInterceptor(factory, nil).HandleMessage(context.Background(), in))

		assert.Equal(t, int32(0), builds.Load())
		assert.Equal(t, int32(0), dest.calls.Load())
	})

	t.Run("two-way exchanges respond over the back channel", func(t *testing.T) {
		conduit := &bufferConduit{}
		dest := &backChannelDestination{conduit: conduit}
		factory := func(ex *message.Exchange) (*PhaseChain, error) {
			return outChain(t, payloadWriter("<confirmation/>")), nil
		}

		ex := message.NewExchange()
		ex.SetDestination(dest)
		in := message.NewMessage()
		ex.SetInMessage(in)
		ex.SetOutMessage(message.NewOutboundMessage())

		require.NoError(t, NewOutgoingChainInterceptor(factory, nil).HandleMessage(context.Background(), in))

		assert.Equal(t, int32(1), dest.calls.Load())
		require.Len(t, conduit.messages(), 1)
		assert.Equal(t, "<confirmation/>", string(conduit.messages()[0]))
	})

	t.Run("concurrent triggers build one out chain", func(t *testing.T) {
		var builds atomic.Int32
		dest := &backChannelDestination{conduit: &bufferConduit{}}
		factory := func(ex *message.Exchange) (*PhaseChain, error) {
			builds.Add(1)
			return outChain(t, payloadWriter("x")), nil
		}
		interceptor := NewOutgoingChainInterceptor(factory, nil)

		ex := message.NewExchange()
		ex.SetDestination(dest)
		in := message.NewMessage()
		ex.SetInMessage(in)
		ex.SetOutMessage(message.NewOutboundMessage())

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = interceptor.HandleMessage(context.Background(), in)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), builds.Load())
		assert.Equal(t, int32(1), dest.calls.Load())
	})

	t.Run("missing back channel is an error", func(t *testing.T) {
		ex := message.NewExchange()
		in := message.NewMessage()
		ex.SetInMessage(in)
		ex.SetOutMessage(message.NewOutboundMessage())

		interceptor := NewOutgoingChainInterceptor(func(ex *message.Exchange) (*PhaseChain, error) {
			return outChain(t), nil
		}, nil)
		assert.ErrorIs(t, interceptor.HandleMessage(context.Background(), in), message.ErrNoConduit)
	})
}

func TestFilteringInterceptor(t *testing.T) {
	t.Run("filtered messages pause the chain", func(t *testing.T) {
		rec := &recorder{}
		chain := NewPhaseChain(inPhases())
		require.NoError(t, chain.Add(
			NewFilteringInterceptor(phase.PreLogical, NewActionFilter("urn:order"), SkipSilently),
			newRecording(rec, "invoker", phase.Invoke),
		))

		msg := message.NewMessage()
		msg.Put(message.ActionKey, "urn:cancel")
		require.NoError(t, chain.DoIntercept(context.Background(), msg))

		assert.Equal(t, StatePaused, chain.State())
		assert.Empty(t, rec.get())
	})

	t.Run("accepted messages continue", func(t *testing.T) {
		rec := &recorder{}
		chain := NewPhaseChain(inPhases())
		require.NoError(t, chain.Add(
			NewFilteringInterceptor(phase.PreLogical, NewOrFilter(
				NewActionFilter("urn:order"),
				NewPropertyFilter("priority", "high"),
			), SkipWithLog),
			newRecording(rec, "invoker", phase.Invoke),
		))

		msg := message.NewMessage()
		msg.Put("priority", "high")
		require.NoError(t, chain.DoIntercept(context.Background(), msg))

		assert.Equal(t, []string{"invoker"}, rec.get())
	})

	t.Run("SkipWithError faults the sender", func(t *testing.T) {
		chain := NewPhaseChain(inPhases())
		require.NoError(t, chain.Add(NewFilteringInterceptor(phase.PreLogical,
			NewCompositeFilter(NewActionFilter("urn:order"), NewPropertyFilter("priority", "high")),
			SkipWithError)))

		msg := message.NewMessage()
		msg.Put(message.ActionKey, "urn:order")
		err := chain.DoIntercept(context.Background(), msg)

		var fault *message.Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, message.FaultSender, fault.Code)
	})

	t.Run("ConditionalInterceptor unwinds only when it ran", func(t *testing.T) {
		rec := &recorder{}
		chain := NewPhaseChain(inPhases())
		failing := newRecording(rec, "invoker", phase.Invoke)
		failing.err = errors.New("boom")
		require.NoError(t, chain.Add(
			NewConditionalInterceptor(NewPropertyFilter("audit", true), newRecording(rec, "audit", phase.PreLogical)),
			failing,
		))

		require.Error(t, chain.DoIntercept(context.Background(), message.NewMessage()))
		assert.Equal(t, []string{"invoker"}, rec.get())
	})
}

func TestRetryInterceptor(t *testing.T) {
	t.Run("retries transient errors", func(t *testing.T) {
		calls := 0
		inner := NewInterceptorFunc("Invoker", phase.Invoke, func(ctx context.Context, msg *message.Message) error {
			calls++
			if calls < 3 {
				return errors.New("temporarily unavailable")
			}
			return nil
		})
		retry := NewRetryInterceptor(inner, reliability.NewFixedDelay(time.Millisecond, 5))

		require.NoError(t, retry.HandleMessage(context.Background(), message.NewMessage()))
		assert.Equal(t, 3, calls)
		assert.Equal(t, phase.Invoke, retry.Phase())
	})

	t.Run("does not retry faults", func(t *testing.T) {
		calls := 0
		inner := NewInterceptorFunc("Invoker", phase.Invoke, func(ctx context.Context, msg *message.Message) error {
			calls++
			return message.NewFault(message.FaultSender, "invalid order")
		})
		retry := NewRetryInterceptor(inner, reliability.NewFixedDelay(time.Millisecond, 5))

		err := retry.HandleMessage(context.Background(), message.NewMessage())

		var fault *message.Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, "invalid order", fault.Reason)
		assert.Equal(t, 1, calls)
	})
}
