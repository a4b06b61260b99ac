// Copyright 2024 Relay Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/glimte/relay/envelope"
	"github.com/glimte/relay/health"
	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/internal/config"
	"github.com/glimte/relay/internal/observability"
	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
	"github.com/glimte/relay/rm"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrBusClosed is returned by a closed bus
	ErrBusClosed = errors.New("relay: bus closed")
	// ErrNoConduitInitiator is returned when the bus has no way to reach a target
	ErrNoConduitInitiator = errors.New("relay: no conduit initiator")
)

// Bus assembles interceptor chains for endpoints and clients. Interceptors
// added to the bus are provided to every chain built afterwards.
type Bus struct {
	name        string
	phases      *phase.Manager
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     interceptors.MetricsCollector
	rmMetrics   rm.MetricsCollector
	conduits    message.ConduitInitiator
	backChannel message.BackChannelPolicy
	timeout     time.Duration
	compression bool
	level       int
	rmConfig    *rm.Config
	reliability *rm.Manager

	mu     sync.RWMutex
	in     []interceptors.Interceptor
	out    []interceptors.Interceptor
	closed bool
}

// Option configures a Bus
type Option func(*Bus)

// WithName sets the bus name used in chain names
func WithName(name string) Option {
	return func(b *Bus) {
		b.name = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithTracer sets the tracer of every chain
func WithTracer(tracer trace.Tracer) Option {
	return func(b *Bus) {
		b.tracer = tracer
	}
}

// WithRegisterer records chain and reliability metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *Bus) {
		m := observability.NewMetrics(reg)
		b.metrics = m
		b.rmMetrics = m
	}
}

// WithPhases replaces the default phase catalog
func WithPhases(phases *phase.Manager) Option {
	return func(b *Bus) {
		b.phases = phases
	}
}

// WithConduitInitiator sets the transport used to reach targets
func WithConduitInitiator(ci message.ConduitInitiator) Option {
	return func(b *Bus) {
		b.conduits = ci
	}
}

// WithCompression deflates outbound payloads at level
func WithCompression(level int) Option {
	return func(b *Bus) {
		b.compression = true
		b.level = level
	}
}

// WithReliability enables sequenced, acknowledged delivery
func WithReliability(cfg rm.Config) Option {
	return func(b *Bus) {
		b.rmConfig = &cfg
	}
}

// WithBackChannelTimeout bounds sending a response
func WithBackChannelTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.backChannel.Timeout = d
	}
}

// WithRequestTimeout bounds waiting for a response when the caller's
// context has no deadline
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.timeout = d
	}
}

// NewBus creates a bus
func NewBus(options ...Option) (*Bus, error) {
	b := &Bus{
		name:        "relay",
		phases:      phase.NewManager(),
		logger:      slog.Default(),
		metrics:     interceptors.NoOpMetricsCollector{},
		rmMetrics:   rm.NoOpMetricsCollector{},
		backChannel: message.BackChannelPolicy{Timeout: 30 * time.Second},
		timeout:     30 * time.Second,
		level:       -1,
	}
	for _, opt := range options {
		opt(b)
	}

	if b.rmConfig != nil {
		m, err := rm.NewManager(*b.rmConfig,
			rm.WithLogger(b.logger.With("component", "rm")),
			rm.WithMetrics(b.rmMetrics),
			rm.WithResender(b),
			rm.WithProxy(b))
		if err != nil {
			return nil, fmt.Errorf("reliability: %w", err)
		}
		b.reliability = m
	}
	return b, nil
}

// NewBusFromConfig creates a bus from a loaded configuration
func NewBusFromConfig(cfg *config.Config, options ...Option) (*Bus, error) {
	base := []Option{
		WithName(cfg.Bus.Name),
		WithLogger(observability.NewLogger(cfg.Bus.Name, cfg.LogLevel())),
		WithReliability(cfg.RM()),
		WithRequestTimeout(cfg.Bus.RequestTimeout),
		WithBackChannelTimeout(cfg.Bus.BackChannelTimeout),
	}
	if cfg.Bus.Compression {
		base = append(base, WithCompression(cfg.Bus.CompressionLevel))
	}
	return NewBus(append(base, options...)...)
}

// Reliability returns the reliable messaging manager, or nil when disabled
func (b *Bus) Reliability() *rm.Manager {
	return b.reliability
}

// RegisterHealthChecks adds the checks of this bus to registry: the
// retransmission backlog, degraded above backlog messages, and the broker
// connection when the transport reports one
func (b *Bus) RegisterHealthChecks(registry *health.Registry, backlog int) {
	if b.reliability != nil {
		registry.Register(health.NewReliabilityChecker(b.reliability, backlog))
	}
	if conn, ok := b.conduits.(health.Connection); ok {
		registry.Register(health.NewConnectionChecker("transport", conn))
	}
}

// Logger returns the bus logger
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// AddInInterceptors provides interceptors to inbound chains built afterwards
func (b *Bus) AddInInterceptors(ics ...interceptors.Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.in = append(b.in, ics...)
}

// AddOutInterceptors provides interceptors to outbound chains built afterwards
func (b *Bus) AddOutInterceptors(ics ...interceptors.Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, ics...)
}

func (b *Bus) providers() (in, out []interceptors.Interceptor) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]interceptors.Interceptor(nil), b.in...), append([]interceptors.Interceptor(nil), b.out...)
}

func (b *Bus) chain(direction phase.Direction, name string) *interceptors.PhaseChain {
	opts := []interceptors.ChainOption{
		interceptors.WithName(b.name + "." + name),
		interceptors.WithLogger(b.logger),
		interceptors.WithMetrics(b.metrics),
	}
	if b.tracer != nil {
		opts = append(opts, interceptors.WithTracer(b.tracer))
	}
	return interceptors.NewPhaseChain(b.phases.Phases(direction), opts...)
}

// inChain builds an inbound chain: payload decoding, envelope and header
// processing, and inbound sequencing. Extra interceptors are added last.
func (b *Bus) inChain(name string, extra ...interceptors.Interceptor) (*interceptors.PhaseChain, error) {
	chain := b.chain(phase.In, name)
	ics := []interceptors.Interceptor{
		interceptors.NewInflateInterceptor(),
		envelope.NewReadHeadersInterceptor(),
		interceptors.NewMustUnderstandInterceptor(),
	}
	if b.reliability != nil {
		ics = append(ics, rm.NewCodecInInterceptor(), rm.NewInInterceptor(b.reliability))
	}
	in, _ := b.providers()
	ics = append(ics, in...)
	ics = append(ics, extra...)
	if err := chain.Add(ics...); err != nil {
		return nil, err
	}
	return chain, nil
}

// outChain builds the outbound chain of an exchange
func (b *Bus) outChain(ex *message.Exchange) (*interceptors.PhaseChain, error) {
	chain := b.chain(phase.Out, "out")
	ics := []interceptors.Interceptor{
		interceptors.NewMessageSenderInterceptor(),
		envelope.NewWriterInterceptor(),
		interceptors.NewMessageSenderEndingInterceptor(),
	}
	if b.compression {
		ics = append(ics, interceptors.NewDeflateInterceptor(b.level))
	}
	if b.reliability != nil {
		ics = append(ics,
			rm.NewOutInterceptor(b.reliability),
			rm.NewCaptureInterceptor(b.reliability),
			rm.NewCodecOutInterceptor(b.reliability.Config().Namespace))
	}
	_, out := b.providers()
	ics = append(ics, out...)
	if err := chain.Add(ics...); err != nil {
		return nil, err
	}
	chain.SetFaultObserver(message.MessageObserverFunc(func(ctx context.Context, msg *message.Message) {
		f, _ := message.Content[*message.Fault](msg)
		b.logger.Warn("outbound message faulted",
			"exchangeId", ex.ID(),
			"messageId", msg.ID(),
			"target", msg.GetString(message.ToKey),
			"error", f)
	}))
	return chain, nil
}

// send drives an outbound message through a new exchange on a conduit to
// target
func (b *Bus) send(ctx context.Context, target string, msg *message.Message, oneWay bool) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	if b.conduits == nil {
		return ErrNoConduitInitiator
	}
	conduit, err := b.conduits.Conduit(target)
	if err != nil {
		return &message.TransportError{Op: "conduit", Address: target, Err: err}
	}

	ex := message.NewExchange()
	ex.SetOutMessage(msg)
	ex.SetOneWay(oneWay)
	ex.SetConduit(conduit)
	msg.Put(message.ToKey, target)

	chain, err := ex.OutChain(func() (message.Chain, error) {
		return b.outChain(ex)
	})
	if err != nil {
		return err
	}
	return chain.DoIntercept(ctx, msg)
}

// Resend implements rm.Resender by writing the recorded payload to a new
// conduit sink
func (b *Bus) Resend(ctx context.Context, rec *rm.Record) error {
	if b.conduits == nil {
		return ErrNoConduitInitiator
	}
	conduit, err := b.conduits.Conduit(rec.Target)
	if err != nil {
		return err
	}
	msg := message.NewOutboundMessage()
	maps.Copy(msg.ProtocolHeaders(), rec.Headers)

	sink, err := conduit.Prepare(ctx, msg)
	if err != nil {
		return err
	}
	if _, err := sink.Write(rec.Payload); err != nil {
		if a, ok := sink.(interceptors.Aborter); ok {
			a.Abort()
		}
		return err
	}
	return sink.Close()
}

// Acknowledge implements rm.Proxy
func (b *Bus) Acknowledge(ctx context.Context, target, namespace string, ack rm.SequenceAcknowledgement) error {
	msg := protocolMessage(rm.AckAction(namespace), namespace)
	p := rm.EnsureProperties(msg)
	p.Acks = append(p.Acks, ack)
	return b.send(ctx, target, msg, true)
}

// CloseSequence implements rm.Proxy
func (b *Bus) CloseSequence(ctx context.Context, target, namespace string, c rm.CloseSequence) error {
	msg := protocolMessage(rm.CloseAction(namespace), namespace)
	p := rm.EnsureProperties(msg)
	p.Close = &c
	return b.send(ctx, target, msg, true)
}

func protocolMessage(action, namespace string) *message.Message {
	msg := message.NewOutboundMessage()
	msg.Put(message.ActionKey, action)
	rm.EnsureProperties(msg).ExposeAs = namespace
	return msg
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Shutdown stops new sends and waits until outstanding reliable messages
// are acknowledged or ctx ends
func (b *Bus) Shutdown(ctx context.Context) error {
	if b.reliability != nil {
		if err := b.reliability.Shutdown(ctx); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Close stops the bus without waiting for outstanding messages
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if b.reliability != nil {
		return b.reliability.Close()
	}
	return nil
}
