package rm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/glimte/relay/envelope"
	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// invocations records the message numbers the application saw
type invocations struct {
	mu      sync.Mutex
	numbers []uint64
	failOn  map[uint64]int
}

func (v *invocations) invoker() interceptors.Interceptor {
	return interceptors.NewInterceptorFunc("invoker", phase.Invoke, func(ctx context.Context, msg *message.Message) error {
		p, ok := PropertiesOf(msg)
		if !ok || p.Sequence == nil {
			return nil
		}
		n := p.Sequence.Number
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.failOn[n] > 0 {
			v.failOn[n]--
			return message.NewFault(message.FaultReceiver, "order service unavailable")
		}
		v.numbers = append(v.numbers, n)
		return nil
	})
}

func (v *invocations) get() []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]uint64(nil), v.numbers...)
}

func newInChain(t *testing.T, m *Manager, v *invocations) *interceptors.PhaseChain {
	t.Helper()
	chain := interceptors.NewPhaseChain(phase.NewManager().Phases(phase.In), interceptors.WithName("in"))
	require.NoError(t, chain.Add(NewInInterceptor(m), v.invoker(), NewDeliveryInterceptor(m)))
	return chain
}

func sequenced(id Identifier, n uint64, replyTo string) *message.Message {
	msg := message.NewMessage()
	ex := message.NewExchange()
	ex.SetInMessage(msg)
	if replyTo != "" {
		msg.Put(message.ReplyToKey, replyTo)
	}
	message.SetContent(msg, &RMProperties{
		Sequence: &SequenceType{ID: id, Number: n},
		ExposeAs: Namespace200702,
	})
	return msg
}

func TestInInterceptor(t *testing.T) {
	id := Identifier("urn:uuid:orders-from-client")

	t.Run("out of order messages are delivered in order", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		v := &invocations{}
		template := newInChain(t, m, v)

		for _, n := range []uint64{3, 1, 2} {
			require.NoError(t, template.Clone().DoIntercept(context.Background(), sequenced(id, n, "")))
		}

		assert.Eventually(t, func() bool { return len(v.get()) == 3 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []uint64{1, 2, 3}, v.get())
	})

	t.Run("a held message pauses its chain", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		v := &invocations{}
		chain := newInChain(t, m, v).Clone()

		require.NoError(t, chain.DoIntercept(context.Background(), sequenced(id, 2, "")))

		assert.Equal(t, interceptors.StatePaused, chain.State())
		assert.Empty(t, v.get())
	})

	t.Run("concurrent duplicated arrivals reach the application once and in order", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		v := &invocations{}
		template := newInChain(t, m, v)

		const count = 20
		var arrivals []uint64
		for n := uint64(1); n <= count; n++ {
			arrivals = append(arrivals, n, n)
		}
		rand.Shuffle(len(arrivals), func(i, j int) { arrivals[i], arrivals[j] = arrivals[j], arrivals[i] })

		var wg sync.WaitGroup
		for _, n := range arrivals {
			wg.Add(1)
			go func(n uint64) {
				defer wg.Done()
				assert.NoError(t, template.Clone().DoIntercept(context.Background(), sequenced(id, n, "")))
			}(n)
		}
		wg.Wait()

		assert.Eventually(t, func() bool { return len(v.get()) == count }, 2*time.Second, 5*time.Millisecond)
		got := v.get()
		for i, n := range got {
			assert.Equal(t, uint64(i+1), n)
		}
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, v.get(), count)
	})

	t.Run("a failed delivery accepts the retransmission", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		v := &invocations{failOn: map[uint64]int{1: 1}}
		template := newInChain(t, m, v)

		err := template.Clone().DoIntercept(context.Background(), sequenced(id, 1, ""))
		var fault *message.Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, message.FaultReceiver, fault.Code)

		require.NoError(t, template.Clone().DoIntercept(context.Background(), sequenced(id, 1, "")))
		assert.Equal(t, []uint64{1}, v.get())
	})

	t.Run("a duplicate is acknowledged again", func(t *testing.T) {
		proxy := &mockProxy{}
		proxy.On("Acknowledge", mock.Anything, "local://client", Namespace200702, mock.Anything).Return(nil)
		m := newTestManager(t, fastConfig(), WithProxy(proxy))
		v := &invocations{}
		template := newInChain(t, m, v)

		require.NoError(t, template.Clone().DoIntercept(context.Background(), sequenced(id, 1, "local://client")))
		require.NoError(t, template.Clone().DoIntercept(context.Background(), sequenced(id, 1, "local://client")))

		assert.Equal(t, []uint64{1}, v.get())
		proxy.AssertNumberOfCalls(t, "Acknowledge", 2)
	})

	t.Run("numbers beyond the last message fault", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		v := &invocations{}
		template := newInChain(t, m, v)

		last := sequenced(id, 1, "")
		p, _ := PropertiesOf(last)
		p.Sequence.LastMessage = true
		require.NoError(t, template.Clone().DoIntercept(context.Background(), last))

		err := template.Clone().DoIntercept(context.Background(), sequenced(id, 2, ""))
		var fault *message.Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, SubcodeSequenceTerminated, fault.Subcode)
	})

	t.Run("piggybacked acknowledgements resolve outbound deliveries", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		rec, d := sendRecord(t, m, "local://orders")

		msg := message.NewMessage()
		message.SetContent(msg, &RMProperties{Acks: []SequenceAcknowledgement{{ID: rec.SequenceID, Ranges: []AckRange{{1, 1}}}}})
		chain := newInChain(t, m, &invocations{}).Clone()

		require.NoError(t, chain.DoIntercept(context.Background(), msg))
		assert.NoError(t, d.Err())
		assert.Equal(t, interceptors.StateComplete, chain.State())
	})

	t.Run("standalone protocol messages stop before the application", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		rec, _ := sendRecord(t, m, "local://orders")
		v := &invocations{}

		msg := message.NewMessage()
		msg.Put(message.ActionKey, AckAction(Namespace200702))
		message.SetContent(msg, &RMProperties{Acks: []SequenceAcknowledgement{{ID: rec.SequenceID, Ranges: []AckRange{{1, 1}}}}})
		chain := newInChain(t, m, v).Clone()

		require.NoError(t, chain.DoIntercept(context.Background(), msg))
		assert.Equal(t, interceptors.StatePaused, chain.State())
		assert.Empty(t, v.get())
	})

	t.Run("a response carries the acknowledgement of its request", func(t *testing.T) {
		cfg := fastConfig()
		cfg.AcknowledgementInterval = time.Hour
		m := newTestManager(t, cfg)
		in := sequenced(id, 1, "local://client")
		require.NoError(t, newInChain(t, m, &invocations{}).Clone().DoIntercept(context.Background(), in))

		out := message.NewOutboundMessage()
		in.Exchange().SetOutMessage(out)
		require.NoError(t, NewOutInterceptor(m).HandleMessage(context.Background(), out))

		p, ok := PropertiesOf(out)
		require.True(t, ok)
		assert.Nil(t, p.Sequence)
		require.Len(t, p.Acks, 1)
		assert.Equal(t, id, p.Acks[0].ID)
		assert.Equal(t, []AckRange{{1, 1}}, []AckRange(p.Acks[0].Ranges))
	})
}

// flakyConduit fails the first failures sends and records the rest
type flakyConduit struct {
	mu       sync.Mutex
	failures int
	sent     [][]byte
}

type flakySink struct {
	conduit *flakyConduit
	buf     bytes.Buffer
}

func (s *flakySink) Write(p []byte) (int, error) { return s.buf.Write(p) }

func (s *flakySink) Close() error {
	c := s.conduit
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return &message.TransportError{Op: "send", Address: "local://orders", Err: errors.New("connection reset")}
	}
	c.sent = append(c.sent, s.buf.Bytes())
	return nil
}

func (c *flakyConduit) Prepare(ctx context.Context, msg *message.Message) (io.WriteCloser, error) {
	return &flakySink{conduit: c}, nil
}

func (c *flakyConduit) Close() error { return nil }

func (c *flakyConduit) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newOutChain(t *testing.T, m *Manager) *interceptors.PhaseChain {
	t.Helper()
	chain := interceptors.NewPhaseChain(phase.NewManager().Phases(phase.Out), interceptors.WithName("out"))
	require.NoError(t, chain.Add(
		NewOutInterceptor(m),
		interceptors.NewMessageSenderInterceptor(),
		interceptors.NewDeflateInterceptor(-1),
		NewCaptureInterceptor(m),
		NewCodecOutInterceptor(m.Config().Namespace),
		envelope.NewWriterInterceptor(),
		interceptors.NewMessageSenderEndingInterceptor(),
	))
	return chain
}

func request(conduit message.Conduit, target string) *message.Message {
	out := message.NewOutboundMessage()
	ex := message.NewExchange()
	ex.SetOutMessage(out)
	ex.SetOneWay(true)
	ex.SetConduit(conduit)
	out.Put(message.ToKey, target)
	out.Put(message.ActionKey, "urn:orders:place")
	envelope.SetBody(out, envelope.Body{Payload: []byte(`<order><item>tea</item></order>`)})
	return out
}

func TestOutInterceptors(t *testing.T) {
	t.Run("capture runs before compression", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		var got []string
		for _, ic := range newOutChain(t, m).Interceptors() {
			if ic.Phase() == phase.PreStream {
				got = append(got, ic.Name())
			}
		}
		assert.Equal(t, []string{CaptureName, interceptors.DeflateName}, got)
	})

	t.Run("a failed first send is retransmitted from the snapshot", func(t *testing.T) {
		conduit := &flakyConduit{failures: 1}
		resender := ResenderFunc(func(ctx context.Context, rec *Record) error {
			sink, err := conduit.Prepare(ctx, message.NewOutboundMessage())
			if err != nil {
				return err
			}
			sink.Write(rec.Payload)
			return sink.Close()
		})
		m := newTestManager(t, fastConfig(), WithResender(resender))

		out := request(conduit, "local://orders")
		require.NoError(t, newOutChain(t, m).DoIntercept(context.Background(), out))

		d, ok := DeliveryOf(out)
		require.True(t, ok)
		assert.Equal(t, uint64(1), d.Number)
		assert.Equal(t, 1, m.Pending())

		assert.Eventually(t, func() bool { return conduit.count() == 1 }, time.Second, 5*time.Millisecond)

		conduit.mu.Lock()
		payload := conduit.sent[0]
		conduit.mu.Unlock()
		in := message.NewMessage()
		in.ProtocolHeaders()[interceptors.ContentEncodingHeader] = interceptors.DeflateEncoding
		message.SetContent[io.Reader](in, bytes.NewReader(payload))
		require.NoError(t, interceptors.NewInflateInterceptor().HandleMessage(context.Background(), in))
		require.NoError(t, envelope.NewReadHeadersInterceptor().HandleMessage(context.Background(), in))

		p, err := DecodeHeaders(in)
		require.NoError(t, err)
		require.NotNil(t, p.Sequence)
		assert.Equal(t, d.SequenceID, p.Sequence.ID)
		assert.Equal(t, uint64(1), p.Sequence.Number)

		require.NoError(t, m.ProcessAcknowledgement(SequenceAcknowledgement{ID: d.SequenceID, Ranges: []AckRange{{1, 1}}}))
		assert.NoError(t, d.Wait(context.Background()))
	})

	t.Run("the snapshot keeps the protocol headers", func(t *testing.T) {
		conduit := &flakyConduit{}
		m := newTestManager(t, fastConfig())
		out := request(conduit, "local://orders")
		require.NoError(t, newOutChain(t, m).DoIntercept(context.Background(), out))

		d, _ := DeliveryOf(out)
		recs := m.queue.purge(d.SequenceID)
		require.Len(t, recs, 1)
		assert.Equal(t, interceptors.DeflateEncoding, recs[0].Headers[interceptors.ContentEncodingHeader])
		assert.Equal(t, "local://orders", recs[0].Target)
	})

	t.Run("a send without target fails", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		out := request(&flakyConduit{}, "")

		err := newOutChain(t, m).DoIntercept(context.Background(), out)
		assert.Error(t, err)
	})

	t.Run("a message faulted before the wire gives up its number", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		out := request(&flakyConduit{}, "local://orders")
		envelope.SetBody(out, envelope.Body{Payload: []byte("not xml")})

		err := newOutChain(t, m).DoIntercept(context.Background(), out)
		require.Error(t, err)

		d, ok := DeliveryOf(out)
		require.True(t, ok)
		assert.Error(t, d.Err())
		seq, _ := m.SourceSequence(d.SequenceID)
		assert.Equal(t, StateTerminated, seq.State())

		next := request(&flakyConduit{}, "local://orders")
		require.NoError(t, newOutChain(t, m).DoIntercept(context.Background(), next))
		nd, _ := DeliveryOf(next)
		assert.NotEqual(t, d.SequenceID, nd.SequenceID)
		assert.Equal(t, uint64(1), nd.Number)
	})

	t.Run("the last message requests an acknowledgement", func(t *testing.T) {
		m := newTestManager(t, fastConfig())
		out := request(&flakyConduit{}, "local://orders")
		out.Put(LastMessageKey, true)

		require.NoError(t, NewOutInterceptor(m).HandleMessage(context.Background(), out))
		p, _ := PropertiesOf(out)
		assert.True(t, p.Sequence.LastMessage)
		require.Len(t, p.AckRequested, 1)
		assert.Equal(t, p.Sequence.ID, p.AckRequested[0].ID)
	})
}
