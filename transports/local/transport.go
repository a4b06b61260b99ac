package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/relay/message"
)

// SendHook inspects packets before they are queued. Returning ErrDrop loses
// the packet silently; any other error fails the send.
type SendHook func(p Packet) error

// Transport is an in-process transport. Conduits and destinations created
// from one transport share a single Channel drained by a pool of workers.
type Transport struct {
	channel *Channel
	workers int
	logger  *slog.Logger
	timeout time.Duration

	mu           sync.RWMutex
	destinations map[string]*Destination
	hook         SendHook

	running atomic.Bool
	sent    atomic.Int64
	dropped atomic.Int64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures the transport
type Option func(*Transport)

// WithWorkers sets the number of dispatcher workers
func WithWorkers(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.workers = n
		}
	}
}

// WithCapacity sets the channel buffer size
func WithCapacity(n int) Option {
	return func(t *Transport) {
		t.channel = NewChannel(n)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithSendTimeout bounds how long a send waits on a full channel
func WithSendTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.timeout = d
	}
}

// WithSendHook installs a hook called for every packet sent
func WithSendHook(hook SendHook) Option {
	return func(t *Transport) {
		t.hook = hook
	}
}

// NewTransport creates a transport. Start must be called before packets
// are dispatched to destinations.
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		channel:      NewChannel(1024),
		workers:      4,
		logger:       slog.Default(),
		timeout:      30 * time.Second,
		destinations: make(map[string]*Destination),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the dispatcher workers
func (t *Transport) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go t.worker(ctx, i)
	}
	t.logger.Info("local transport started", "workers", t.workers)
}

func (t *Transport) worker(ctx context.Context, id int) {
	defer t.wg.Done()

	for t.running.Load() {
		p, err := t.channel.Accept(ctx)
		if err != nil {
			if errors.Is(err, ErrChannelClosed) || ctx.Err() != nil {
				return
			}
			t.logger.Error("accept failed", "worker", id, "error", err)
			continue
		}
		t.dispatch(ctx, p)
	}
}

func (t *Transport) dispatch(ctx context.Context, p Packet) {
	t.mu.RLock()
	d, ok := t.destinations[p.Address]
	t.mu.RUnlock()
	if !ok {
		t.dropped.Add(1)
		t.logger.Warn("no destination for packet", "address", p.Address)
		return
	}
	d.deliver(ctx, p)
}

// SetSendHook replaces the send hook; nil removes it
func (t *Transport) SetSendHook(hook SendHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = hook
}

// Inject queues a packet without running the send hook
func (t *Transport) Inject(ctx context.Context, p Packet) error {
	return t.channel.Send(ctx, p.Clone())
}

func (t *Transport) send(ctx context.Context, p Packet) error {
	t.mu.RLock()
	hook := t.hook
	t.mu.RUnlock()

	if hook != nil {
		if err := hook(p); err != nil {
			if errors.Is(err, ErrDrop) {
				t.dropped.Add(1)
				return nil
			}
			return err
		}
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if err := t.channel.Send(ctx, p); err != nil {
		return err
	}
	t.sent.Add(1)
	return nil
}

// Sent returns the number of packets queued
func (t *Transport) Sent() int64 {
	return t.sent.Load()
}

// Dropped returns the number of packets lost by hooks or unroutable
func (t *Transport) Dropped() int64 {
	return t.dropped.Load()
}

// Conduit returns a conduit to target. It implements message.ConduitInitiator.
func (t *Transport) Conduit(target string) (message.Conduit, error) {
	if target == "" {
		return nil, fmt.Errorf("conduit: %w", ErrNoDestination)
	}
	return &Conduit{transport: t, target: target}, nil
}

// Destination registers a destination listening on address
func (t *Transport) Destination(address string) (*Destination, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.destinations[address]; ok {
		return nil, fmt.Errorf("destination %s already registered", address)
	}
	d := &Destination{transport: t, address: address}
	t.destinations[address] = d
	return d, nil
}

func (t *Transport) removeDestination(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.destinations, address)
}

// Close stops the workers and the channel
func (t *Transport) Close() error {
	if !t.running.CompareAndSwap(true, false) {
		t.channel.Close()
		return nil
	}
	t.channel.Close()
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.logger.Info("local transport stopped")
	return nil
}

// Conduit sends messages to one address of the transport
type Conduit struct {
	transport *Transport
	target    string
	timeout   time.Duration
	closed    atomic.Bool
}

// Prepare implements message.Conduit
func (c *Conduit) Prepare(ctx context.Context, msg *message.Message) (io.WriteCloser, error) {
	if c.closed.Load() {
		return nil, &message.TransportError{Op: "prepare", Address: c.target, Err: ErrChannelClosed}
	}
	return &sink{conduit: c, ctx: ctx, msg: msg}, nil
}

// Target returns the address messages are sent to
func (c *Conduit) Target() string {
	return c.target
}

// Close implements message.Conduit
func (c *Conduit) Close() error {
	c.closed.Store(true)
	return nil
}

// sink buffers the payload; closing it sends one packet
type sink struct {
	conduit *Conduit
	ctx     context.Context
	msg     *message.Message
	buf     bytes.Buffer
	done    bool
}

func (s *sink) Write(p []byte) (int, error) {
	if s.done {
		return 0, ErrAborted
	}
	return s.buf.Write(p)
}

func (s *sink) Close() error {
	if s.done {
		return ErrAborted
	}
	s.done = true

	ctx := s.ctx
	if c := s.conduit; c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	p := Packet{
		Address: s.conduit.target,
		Payload: bytes.Clone(s.buf.Bytes()),
		Headers: maps.Clone(s.msg.ProtocolHeaders()),
	}
	if err := s.conduit.transport.send(ctx, p); err != nil {
		return &message.TransportError{Op: "send", Address: s.conduit.target, Err: err}
	}
	return nil
}

// Abort discards the buffered payload
func (s *sink) Abort() error {
	s.done = true
	s.buf.Reset()
	return nil
}

// Destination receives the packets addressed to it and hands each one to
// its observer as a new inbound message
type Destination struct {
	transport *Transport
	address   string

	mu       sync.RWMutex
	observer message.MessageObserver
	closed   bool
}

// Address implements message.Destination
func (d *Destination) Address() string {
	return d.address
}

// SetObserver implements message.Destination
func (d *Destination) SetObserver(observer message.MessageObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = observer
}

// BackChannel implements message.Destination. The response travels to
// target, or to the reply address of the inbound message.
func (d *Destination) BackChannel(in *message.Message, policy *message.BackChannelPolicy, target string) (message.Conduit, error) {
	if target == "" && in != nil {
		target = in.GetString(message.ReplyToKey)
	}
	if target == "" {
		return nil, ErrNoReplyTo
	}
	c := &Conduit{transport: d.transport, target: target}
	if policy != nil {
		c.timeout = policy.Timeout
	}
	return c, nil
}

func (d *Destination) deliver(ctx context.Context, p Packet) {
	d.mu.RLock()
	observer, closed := d.observer, d.closed
	d.mu.RUnlock()
	if closed || observer == nil {
		d.transport.dropped.Add(1)
		d.transport.logger.Warn("destination is not accepting", "address", d.address)
		return
	}

	msg := message.NewMessage()
	ex := message.NewExchange()
	ex.SetInMessage(msg)
	ex.SetDestination(d)
	maps.Copy(msg.ProtocolHeaders(), p.Headers)
	message.SetContent[io.Reader](msg, bytes.NewReader(p.Payload))

	observer.OnMessage(ctx, msg)
}

// Close implements message.Destination
func (d *Destination) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.transport.removeDestination(d.address)
	return nil
}
