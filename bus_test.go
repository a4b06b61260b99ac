package relay

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/relay/health"
	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/internal/config"
	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
	"github.com/glimte/relay/rm"
	"github.com/glimte/relay/transports/local"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ordersAddress = "local://orders"
	clientAddress = "local://client"

	placeAction = "urn:orders/Place"
	quoteAction = "urn:orders/Quote"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func fastReliability() rm.Config {
	cfg := rm.DefaultConfig()
	cfg.BaseRetransmissionInterval = 10 * time.Millisecond
	cfg.MaxRetransmissionInterval = 40 * time.Millisecond
	cfg.SchedulerInterval = 5 * time.Millisecond
	cfg.AcknowledgementInterval = 0
	cfg.ResendRate = 1000
	cfg.ResendBurst = 100
	return cfg
}

func newNetwork(t *testing.T, opts ...local.Option) *local.Transport {
	t.Helper()
	tr := local.NewTransport(append([]local.Option{local.WithLogger(quietLogger)}, opts...)...)
	tr.Start(context.Background())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func newTestBus(t *testing.T, tr *local.Transport, opts ...Option) *Bus {
	t.Helper()
	b, err := NewBus(append([]Option{WithConduitInitiator(tr), WithLogger(quietLogger)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestEndpoint(t *testing.T, b *Bus, tr *local.Transport) *Endpoint {
	t.Helper()
	dest, err := tr.Destination(ordersAddress)
	require.NoError(t, err)
	ep, err := b.NewEndpoint(dest)
	require.NoError(t, err)
	return ep
}

func newTestClient(t *testing.T, b *Bus, tr *local.Transport) *Client {
	t.Helper()
	dest, err := tr.Destination(clientAddress)
	require.NoError(t, err)
	c, err := b.NewClient(dest)
	require.NoError(t, err)
	return c
}

// orders records the payloads an endpoint received
type orders struct {
	mu       sync.Mutex
	payloads []string
}

func (o *orders) handler() Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) ([]byte, error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.payloads = append(o.payloads, string(req.Payload))
		return nil, nil
	})
}

func (o *orders) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.payloads...)
}

// counter counts outbound chain passes
func counter(n *atomic.Int32) interceptors.Interceptor {
	return interceptors.NewInterceptorFunc("counter", phase.Setup, func(ctx context.Context, msg *message.Message) error {
		n.Add(1)
		return nil
	})
}

func TestBus(t *testing.T) {
	ctx := context.Background()

	t.Run("a one-way message reaches its handler and builds no response chain", func(t *testing.T) {
		tr := newNetwork(t)
		server := newTestBus(t, tr)
		var outbound atomic.Int32
		server.AddOutInterceptors(counter(&outbound))
		ep := newTestEndpoint(t, server, tr)
		o := &orders{}
		ep.HandleOneWay(placeAction, o.handler())
		c := newTestClient(t, newTestBus(t, tr), tr)

		d, err := c.Send(ctx, ordersAddress, placeAction, []byte(`<order id="1"/>`))
		require.NoError(t, err)
		assert.Nil(t, d)

		require.Eventually(t, func() bool { return len(o.get()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Contains(t, o.get()[0], `id="1"`)
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, outbound.Load())
	})

	t.Run("a request gets the handler's response", func(t *testing.T) {
		tr := newNetwork(t)
		server := newTestBus(t, tr, WithCompression(-1))
		var outbound atomic.Int32
		server.AddOutInterceptors(counter(&outbound))
		ep := newTestEndpoint(t, server, tr)
		ep.Handle(quoteAction, HandlerFunc(func(ctx context.Context, req *Request) ([]byte, error) {
			return []byte(`<quote total="42"/>`), nil
		}))
		c := newTestClient(t, newTestBus(t, tr, WithCompression(-1)), tr)

		resp, err := c.Request(ctx, ordersAddress, quoteAction, []byte(`<order id="1"/>`))
		require.NoError(t, err)
		assert.Contains(t, string(resp), `total="42"`)
		assert.Equal(t, int32(1), outbound.Load())
		assert.Zero(t, c.Pending())
	})

	t.Run("a handler error comes back as a fault", func(t *testing.T) {
		tr := newNetwork(t)
		server := newTestBus(t, tr)
		ep := newTestEndpoint(t, server, tr)
		ep.Handle(quoteAction, HandlerFunc(func(ctx context.Context, req *Request) ([]byte, error) {
			return nil, message.NewFault(message.FaultReceiver, "out of stock")
		}))
		c := newTestClient(t, newTestBus(t, tr), tr)

		_, err := c.Request(ctx, ordersAddress, quoteAction, []byte(`<order id="1"/>`))
		var fault *message.Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, message.FaultReceiver, fault.Code)
		assert.Equal(t, "out of stock", fault.Reason)
	})

	t.Run("an unknown action is a sender fault", func(t *testing.T) {
		tr := newNetwork(t)
		newTestEndpoint(t, newTestBus(t, tr), tr)
		c := newTestClient(t, newTestBus(t, tr), tr)

		_, err := c.Request(ctx, ordersAddress, "urn:orders/Cancel", []byte(`<order id="1"/>`))
		var fault *message.Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, message.FaultSender, fault.Code)
	})

	t.Run("a mandatory header nobody understands is rejected", func(t *testing.T) {
		tr := newNetwork(t)
		ep := newTestEndpoint(t, newTestBus(t, tr), tr)
		ep.Handle(quoteAction, HandlerFunc(func(ctx context.Context, req *Request) ([]byte, error) {
			return []byte(`<quote/>`), nil
		}))
		c := newTestClient(t, newTestBus(t, tr), tr)

		_, err := c.Request(ctx, ordersAddress, quoteAction, []byte(`<order id="1"/>`),
			WithHeader(message.Header{
				Name:           message.QName{Space: "urn:booking", Local: "reservation"},
				MustUnderstand: true,
				Value:          "r-1",
			}))
		var fault *message.Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, message.FaultMustUnderstand, fault.Code)
		assert.Equal(t, "Can not understand QNames: {urn:booking}reservation", fault.Reason)
	})

	t.Run("a request without response times out", func(t *testing.T) {
		tr := newNetwork(t)
		c := newTestClient(t, newTestBus(t, tr, WithRequestTimeout(20*time.Millisecond)), tr)

		_, err := c.Request(ctx, "local://nowhere", quoteAction, []byte(`<order/>`))
		assert.ErrorIs(t, err, ErrRequestTimeout)
		assert.Zero(t, c.Pending())
	})

	t.Run("a bus without transport cannot send", func(t *testing.T) {
		b, err := NewBus(WithLogger(quietLogger))
		require.NoError(t, err)
		defer b.Close()

		msg := message.NewOutboundMessage()
		assert.ErrorIs(t, b.send(ctx, ordersAddress, msg, true), ErrNoConduitInitiator)
	})

	t.Run("chain metrics are registered", func(t *testing.T) {
		tr := newNetwork(t)
		reg := prometheus.NewRegistry()
		server := newTestBus(t, tr, WithRegisterer(reg))
		ep := newTestEndpoint(t, server, tr)
		ep.Handle(quoteAction, HandlerFunc(func(ctx context.Context, req *Request) ([]byte, error) {
			return []byte(`<quote/>`), nil
		}))
		c := newTestClient(t, newTestBus(t, tr), tr)

		_, err := c.Request(ctx, ordersAddress, quoteAction, []byte(`<order/>`))
		require.NoError(t, err)

		n, err := testutil.GatherAndCount(reg, "relay_chain_runs_total")
		require.NoError(t, err)
		assert.Positive(t, n)
	})
}

func TestReliableBus(t *testing.T) {
	ctx := context.Background()

	t.Run("messages lost on the wire are delivered once and in order", func(t *testing.T) {
		var sent atomic.Int32
		tr := newNetwork(t, local.WithSendHook(func(p local.Packet) error {
			if p.Address == ordersAddress && sent.Add(1)%3 == 1 {
				return local.ErrDrop
			}
			return nil
		}))
		server := newTestBus(t, tr, WithReliability(fastReliability()))
		ep := newTestEndpoint(t, server, tr)
		o := &orders{}
		ep.HandleOneWay(placeAction, o.handler())
		client := newTestBus(t, tr, WithReliability(fastReliability()))
		c := newTestClient(t, client, tr)

		const count = 10
		var deliveries []*rm.Delivery
		for i := 1; i <= count; i++ {
			d, err := c.Send(ctx, ordersAddress, placeAction, []byte(`<order id="`+strconv.Itoa(i)+`"/>`))
			require.NoError(t, err)
			require.NotNil(t, d)
			deliveries = append(deliveries, d)
		}

		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		for i, d := range deliveries {
			require.NoError(t, d.Wait(waitCtx), "message %d", i+1)
			assert.Equal(t, uint64(i+1), d.Number)
		}

		got := o.get()
		require.Len(t, got, count)
		for i, payload := range got {
			assert.Contains(t, payload, `id="`+strconv.Itoa(i+1)+`"`)
		}
		assert.Positive(t, tr.Dropped())
		assert.Eventually(t, func() bool { return client.Reliability().Pending() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("an unreachable target fails the delivery once", func(t *testing.T) {
		tr := newNetwork(t)
		cfg := fastReliability()
		cfg.MaxRetransmissions = 2
		c := newTestClient(t, newTestBus(t, tr, WithReliability(cfg)), tr)

		d, err := c.Send(ctx, "local://nowhere", placeAction, []byte(`<order/>`))
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err = d.Wait(waitCtx)
		require.ErrorIs(t, err, rm.ErrDeliveryFailure)
		var failure *rm.DeliveryFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, 3, failure.Attempts)
	})

	t.Run("a reliable request to an unreachable target returns the delivery failure", func(t *testing.T) {
		tr := newNetwork(t)
		cfg := fastReliability()
		cfg.MaxRetransmissions = 2
		c := newTestClient(t, newTestBus(t, tr, WithReliability(cfg), WithRequestTimeout(2*time.Second)), tr)

		start := time.Now()
		_, err := c.Request(ctx, "local://nowhere", quoteAction, []byte(`<order/>`))
		require.ErrorIs(t, err, rm.ErrDeliveryFailure)
		assert.NotErrorIs(t, err, ErrRequestTimeout)
		var failure *rm.DeliveryFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, 3, failure.Attempts)
		assert.Less(t, time.Since(start), time.Second)
		assert.Zero(t, c.Pending())
	})

	t.Run("a reliable request is answered and acknowledged", func(t *testing.T) {
		tr := newNetwork(t)
		server := newTestBus(t, tr, WithReliability(fastReliability()))
		ep := newTestEndpoint(t, server, tr)
		ep.Handle(quoteAction, HandlerFunc(func(ctx context.Context, req *Request) ([]byte, error) {
			return []byte(`<quote total="7"/>`), nil
		}))
		client := newTestBus(t, tr, WithReliability(fastReliability()))
		c := newTestClient(t, client, tr)

		resp, err := c.Request(ctx, ordersAddress, quoteAction, []byte(`<order id="1"/>`))
		require.NoError(t, err)
		assert.Contains(t, string(resp), `total="7"`)
		assert.Eventually(t, func() bool { return client.Reliability().Pending() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("shutdown waits for acknowledgements and then refuses sends", func(t *testing.T) {
		tr := newNetwork(t)
		server := newTestBus(t, tr, WithReliability(fastReliability()))
		ep := newTestEndpoint(t, server, tr)
		ep.HandleOneWay(placeAction, (&orders{}).handler())
		client := newTestBus(t, tr, WithReliability(fastReliability()))
		c := newTestClient(t, client, tr)

		d, err := c.Send(ctx, ordersAddress, placeAction, []byte(`<order/>`), LastMessage())
		require.NoError(t, err)

		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		require.NoError(t, client.Shutdown(shutdownCtx))
		assert.NoError(t, d.Err())

		_, err = c.Send(ctx, ordersAddress, placeAction, []byte(`<order/>`))
		assert.ErrorIs(t, err, ErrBusClosed)
	})
}

func TestNewBusFromConfig(t *testing.T) {
	t.Run("the loaded configuration enables reliable messaging", func(t *testing.T) {
		cfg, err := config.Load("")
		require.NoError(t, err)
		cfg.Bus.Compression = true

		b, err := NewBusFromConfig(cfg, WithConduitInitiator(newNetwork(t)))
		require.NoError(t, err)
		defer b.Close()

		require.NotNil(t, b.Reliability())
		assert.Equal(t, cfg.RM(), b.Reliability().Config())
		assert.True(t, b.compression)
	})

	t.Run("a reliable bus reports its backlog", func(t *testing.T) {
		b := newTestBus(t, newNetwork(t), WithReliability(fastReliability()))
		registry := health.NewRegistry()
		b.RegisterHealthChecks(registry, 10)

		report := registry.Check(context.Background())
		assert.Equal(t, health.StatusHealthy, report.Status)
		assert.Contains(t, report.Checks, "reliability")
	})

	t.Run("invalid reliability settings are rejected", func(t *testing.T) {
		cfg := rm.DefaultConfig()
		cfg.MaxHeldMessages = 0
		_, err := NewBus(WithReliability(cfg))
		assert.Error(t, err)
	})
}
