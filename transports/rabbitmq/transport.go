package rabbitmq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/relay/internal/rabbitmq"
	"github.com/glimte/relay/message"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Scheme prefixes broker addresses; the rest of the address is a queue name
const Scheme = "amqp:"

// ContentType is the content type of published envelopes
const ContentType = "application/soap+xml"

var (
	// ErrInvalidAddress is returned for an address without a queue name
	ErrInvalidAddress = errors.New("rabbitmq: invalid address")
	// ErrNoReplyTo is returned when a back channel has no queue to reply to
	ErrNoReplyTo = errors.New("rabbitmq: no reply queue")
	// ErrClosed is returned by a closed transport
	ErrClosed = errors.New("rabbitmq: transport closed")
)

// Address returns the broker address of a queue
func Address(queue string) string {
	return Scheme + queue
}

// QueueOf returns the queue name of a broker address
func QueueOf(address string) (string, error) {
	queue, ok := strings.CutPrefix(address, Scheme)
	queue = strings.TrimPrefix(queue, "//")
	if !ok || queue == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return queue, nil
}

// Transport carries envelopes over a RabbitMQ broker. Conduits publish to a
// queue through the default exchange; each destination polls its queue.
type Transport struct {
	manager      *rabbitmq.ConnectionManager
	publisher    *rabbitmq.Publisher
	logger       *slog.Logger
	pollInterval time.Duration
	consumers    int
	durable      bool

	mu           sync.Mutex
	destinations map[string]*Destination
	running      atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// TransportConfig holds the transport settings
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	PollInterval      time.Duration
	Consumers         int
	Durable           bool
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithPollInterval sets how long an idle consumer waits before polling again
func WithPollInterval(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PollInterval = d
	}
}

// WithConsumers sets the number of polling workers per destination
func WithConsumers(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Consumers = n
	}
}

// WithDurableQueues declares destination queues durable
func WithDurableQueues(durable bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Durable = durable
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker at url
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		PollInterval: 100 * time.Millisecond,
		Consumers:    1,
		Durable:      true,
		Logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.Consumers <= 0 || cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("consumers and poll interval must be positive: %w", rabbitmq.ErrInvalidConfiguration)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	t := &Transport{
		manager:      manager,
		publisher:    rabbitmq.NewPublisher(manager, cfg.PublisherOptions...),
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		consumers:    cfg.Consumers,
		durable:      cfg.Durable,
		destinations: make(map[string]*Destination),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.running.Store(true)
	return t, nil
}

// IsConnected reports the broker connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Conduit implements message.ConduitInitiator
func (t *Transport) Conduit(target string) (message.Conduit, error) {
	queue, err := QueueOf(target)
	if err != nil {
		return nil, err
	}
	return &Conduit{transport: t, queue: queue}, nil
}

// Destination declares the queue of address and starts polling it
func (t *Transport) Destination(address string) (*Destination, error) {
	queue, err := QueueOf(address)
	if err != nil {
		return nil, err
	}
	if !t.running.Load() {
		return nil, ErrClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.destinations[queue]; ok {
		return nil, fmt.Errorf("destination %s already registered", address)
	}
	if err := t.declare(queue); err != nil {
		return nil, err
	}

	d := &Destination{transport: t, queue: queue}
	d.ctx, d.cancel = context.WithCancel(t.ctx)
	t.destinations[queue] = d
	for i := 0; i < t.consumers; i++ {
		t.wg.Add(1)
		go d.poll(i)
	}
	return d, nil
}

func (t *Transport) declare(queue string) error {
	ch, err := t.manager.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, t.durable, !t.durable, false, false, nil); err != nil {
		return &rabbitmq.ChannelError{Op: "declare", Queue: queue, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Close stops every destination and closes the connection
func (t *Transport) Close() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	t.cancel()
	t.wg.Wait()
	t.publisher.Close()
	return t.manager.Close()
}

// Conduit publishes envelopes to one queue
type Conduit struct {
	transport *Transport
	queue     string
	timeout   time.Duration
}

// Prepare implements message.Conduit
func (c *Conduit) Prepare(ctx context.Context, msg *message.Message) (io.WriteCloser, error) {
	if !c.transport.running.Load() {
		return nil, &message.TransportError{Op: "prepare", Address: Address(c.queue), Err: ErrClosed}
	}
	return &sink{conduit: c, ctx: ctx, msg: msg}, nil
}

// Close implements message.Conduit
func (c *Conduit) Close() error {
	return nil
}

type sink struct {
	conduit *Conduit
	ctx     context.Context
	msg     *message.Message
	buf     bytes.Buffer
	aborted bool
}

func (s *sink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *sink) Close() error {
	if s.aborted {
		return nil
	}
	ctx := s.ctx
	if s.conduit.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.conduit.timeout)
		defer cancel()
	}
	if err := s.conduit.transport.publisher.Publish(ctx, s.conduit.queue, publishing(s.msg, s.buf.Bytes())); err != nil {
		return &message.TransportError{Op: "send", Address: Address(s.conduit.queue), Err: err}
	}
	return nil
}

func (s *sink) Abort() error {
	s.aborted = true
	s.buf.Reset()
	return nil
}

func publishing(msg *message.Message, body []byte) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:  ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID(),
		Timestamp:    time.Now(),
		Body:         bytes.Clone(body),
	}
	if replyTo := msg.GetString(message.ReplyToKey); replyTo != "" {
		if queue, err := QueueOf(replyTo); err == nil {
			p.ReplyTo = queue
		}
	}
	if headers := msg.ProtocolHeaders(); len(headers) > 0 {
		p.Headers = make(amqp.Table, len(headers))
		for k, v := range headers {
			p.Headers[k] = v
		}
	}
	return p
}

// Destination polls one queue and hands each delivery to its observer.
// Workers share one channel; each basic.get is taken under a lock.
type Destination struct {
	transport *Transport
	queue     string
	ctx       context.Context
	cancel    context.CancelFunc

	getMu sync.Mutex
	ch    *amqp.Channel

	obsMu    sync.RWMutex
	observer message.MessageObserver
}

// Address implements message.Destination
func (d *Destination) Address() string {
	return Address(d.queue)
}

// SetObserver implements message.Destination
func (d *Destination) SetObserver(observer message.MessageObserver) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.observer = observer
}

// BackChannel implements message.Destination. Responses are published to
// target, or to the reply queue of the inbound message.
func (d *Destination) BackChannel(in *message.Message, policy *message.BackChannelPolicy, target string) (message.Conduit, error) {
	if target == "" && in != nil {
		target = in.GetString(message.ReplyToKey)
	}
	if target == "" {
		return nil, ErrNoReplyTo
	}
	queue, err := QueueOf(target)
	if err != nil {
		return nil, err
	}
	c := &Conduit{transport: d.transport, queue: queue}
	if policy != nil {
		c.timeout = policy.Timeout
	}
	return c, nil
}

// Close stops polling
func (d *Destination) Close() error {
	d.cancel()
	d.getMu.Lock()
	if d.ch != nil {
		d.ch.Close()
		d.ch = nil
	}
	d.getMu.Unlock()
	d.transport.mu.Lock()
	delete(d.transport.destinations, d.queue)
	d.transport.mu.Unlock()
	return nil
}

func (d *Destination) poll(worker int) {
	defer d.transport.wg.Done()
	logger := d.transport.logger.With("queue", d.queue, "worker", worker)

	for d.transport.running.Load() && d.ctx.Err() == nil {
		delivery, ok, err := d.get()
		if err != nil {
			logger.Warn("basic.get failed", "error", err)
		}
		if !ok {
			select {
			case <-time.After(d.transport.pollInterval):
			case <-d.ctx.Done():
				return
			}
			continue
		}
		d.dispatch(delivery, logger)
	}
}

// get takes one delivery, reopening the channel when it was lost
func (d *Destination) get() (amqp.Delivery, bool, error) {
	d.getMu.Lock()
	defer d.getMu.Unlock()

	if d.ch == nil || d.ch.IsClosed() {
		ch, err := d.transport.manager.Channel()
		if err != nil {
			return amqp.Delivery{}, false, err
		}
		d.ch = ch
	}
	delivery, ok, err := d.ch.Get(d.queue, false)
	if err != nil {
		d.ch = nil
		return amqp.Delivery{}, false, &rabbitmq.ChannelError{Op: "get", Queue: d.queue, Err: err, Timestamp: time.Now()}
	}
	return delivery, ok, nil
}

func (d *Destination) dispatch(delivery amqp.Delivery, logger *slog.Logger) {
	d.obsMu.RLock()
	observer := d.observer
	d.obsMu.RUnlock()

	if observer == nil {
		if err := delivery.Nack(false, true); err != nil {
			logger.Warn("failed to return delivery", "error", err)
		}
		return
	}

	observer.OnMessage(d.ctx, inbound(d, delivery))

	// The observer owns the message now; redelivery is left to reliable messaging.
	if err := delivery.Ack(false); err != nil {
		logger.Warn("failed to ack delivery", "error", err)
	}
}

func inbound(d *Destination, delivery amqp.Delivery) *message.Message {
	msg := message.NewMessage()
	ex := message.NewExchange()
	ex.SetInMessage(msg)
	ex.SetDestination(d)

	headers := msg.ProtocolHeaders()
	for k, v := range delivery.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	if delivery.ReplyTo != "" {
		msg.Put(message.ReplyToKey, Address(delivery.ReplyTo))
	}
	message.SetContent[io.Reader](msg, bytes.NewReader(delivery.Body))
	return msg
}
