package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/relay/envelope"
	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
	"github.com/glimte/relay/rm"
)

// InvokerName is the name of the interceptor that calls operation handlers
const InvokerName = "ServiceInvokerInterceptor"

// ResponseSuffix is appended to a request action to form the response action
const ResponseSuffix = "Response"

// Request is the view of an inbound message a handler gets
type Request struct {
	Message *message.Message
	Action  string
	Payload []byte
}

// Handler serves one operation. The returned payload is the response of a
// two-way operation and is ignored for one-way operations.
type Handler interface {
	Handle(ctx context.Context, req *Request) ([]byte, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, req *Request) ([]byte, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

type operation struct {
	handler Handler
	oneWay  bool
}

// Endpoint serves the operations of one destination. Every inbound message
// runs through a clone of the endpoint's in-chain template.
type Endpoint struct {
	bus         *Bus
	destination message.Destination
	template    *interceptors.PhaseChain
	logger      *slog.Logger

	mu  sync.RWMutex
	ops map[string]operation
}

// EndpointOption configures an Endpoint
type EndpointOption func(*endpointConfig)

type endpointConfig struct {
	in []interceptors.Interceptor
}

// WithInInterceptors adds endpoint-specific inbound interceptors
func WithInInterceptors(ics ...interceptors.Interceptor) EndpointOption {
	return func(c *endpointConfig) {
		c.in = append(c.in, ics...)
	}
}

// NewEndpoint builds the in-chain template for dest and starts observing it
func (b *Bus) NewEndpoint(dest message.Destination, options ...EndpointOption) (*Endpoint, error) {
	cfg := &endpointConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	ep := &Endpoint{
		bus:         b,
		destination: dest,
		logger:      b.logger.With("endpoint", dest.Address()),
		ops:         make(map[string]operation),
	}

	outgoing := interceptors.NewOutgoingChainInterceptor(b.outChain, b.logger).
		WithBackChannelPolicy(&b.backChannel)
	extra := append([]interceptors.Interceptor{newInvoker(ep), outgoing}, cfg.in...)
	if b.reliability != nil {
		extra = append(extra, rm.NewDeliveryInterceptor(b.reliability))
	}

	template, err := b.inChain("in", extra...)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", dest.Address(), err)
	}
	template.SetFaultObserver(message.MessageObserverFunc(ep.onFault))
	ep.template = template

	dest.SetObserver(ep)
	return ep, nil
}

// Handle registers a two-way operation
func (e *Endpoint) Handle(action string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops[action] = operation{handler: h}
}

// HandleOneWay registers a one-way operation
func (e *Endpoint) HandleOneWay(action string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops[action] = operation{handler: h, oneWay: true}
}

func (e *Endpoint) operation(action string) (operation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	op, ok := e.ops[action]
	return op, ok
}

// Address returns the address the endpoint listens on
func (e *Endpoint) Address() string {
	return e.destination.Address()
}

// Interceptors returns the resolved order of the in-chain
func (e *Endpoint) Interceptors() []interceptors.Interceptor {
	return e.template.Interceptors()
}

// OnMessage implements message.MessageObserver
func (e *Endpoint) OnMessage(ctx context.Context, msg *message.Message) {
	chain := e.template.Clone()
	if err := chain.DoIntercept(ctx, msg); err != nil {
		e.logger.Debug("inbound message faulted", "messageId", msg.ID(), "error", err)
	}
}

// onFault answers a faulted two-way exchange with a fault message
func (e *Endpoint) onFault(ctx context.Context, msg *message.Message) {
	ex := msg.Exchange()
	if ex == nil || ex.IsOneWay() || msg.GetString(message.ReplyToKey) == "" {
		return
	}
	fault, ok := message.Content[*message.Fault](msg)
	if !ok || fault == nil {
		return
	}

	out := message.NewOutboundMessage()
	out.Put(message.RelatesToKey, msg.ID())
	out.Put(message.ToKey, msg.GetString(message.ReplyToKey))
	envelope.SetBody(out, envelope.Body{Fault: fault})
	ex.SetOutFaultMessage(out)

	conduit, err := ex.BackChannel(&e.bus.backChannel, msg.GetString(message.ReplyToKey))
	if err != nil || conduit == nil {
		e.logger.Warn("no back channel for fault", "messageId", msg.ID(), "error", err)
		return
	}
	chain, err := e.bus.outChain(ex)
	if err != nil {
		e.logger.Error("failed to build fault chain", "error", err)
		return
	}
	if err := chain.DoIntercept(context.WithoutCancel(ctx), out); err != nil {
		e.logger.Warn("failed to send fault", "messageId", msg.ID(), "error", err)
	}
}

// Close stops the destination
func (e *Endpoint) Close() error {
	return e.destination.Close()
}

// invoker calls the handler registered for the message action and stores
// the response on the exchange
type invoker struct {
	interceptors.Base
	endpoint *Endpoint
}

func newInvoker(ep *Endpoint) *invoker {
	return &invoker{Base: interceptors.NewBase(InvokerName, phase.Invoke), endpoint: ep}
}

// HandleMessage implements interceptors.Interceptor
func (i *invoker) HandleMessage(ctx context.Context, msg *message.Message) error {
	action := msg.GetString(message.ActionKey)
	op, ok := i.endpoint.operation(action)
	if !ok {
		return message.NewFault(message.FaultSender, fmt.Sprintf("no operation for action %q", action))
	}
	ex := msg.Exchange()
	replyTo := msg.GetString(message.ReplyToKey)
	if !op.oneWay && replyTo == "" {
		i.endpoint.logger.Warn("two-way request without reply address", "messageId", msg.ID(), "action", action)
		op.oneWay = true
	}
	if op.oneWay {
		ex.SetOneWay(true)
	}

	body, _ := envelope.BodyOf(msg)
	reply, err := op.handler.Handle(ctx, &Request{Message: msg, Action: action, Payload: body.Payload})
	if err != nil {
		return err
	}
	if op.oneWay {
		return nil
	}

	out := message.NewOutboundMessage()
	out.Put(message.RelatesToKey, msg.ID())
	out.Put(message.ActionKey, action+ResponseSuffix)
	out.Put(message.ToKey, replyTo)
	envelope.SetBody(out, envelope.Body{Payload: reply})
	ex.SetOutMessage(out)
	return nil
}
