package message

import (
	"sync"

	"github.com/google/uuid"
)

// Exchange pairs one inbound message with its outbound and fault messages.
// The exchange owns its messages; it is safe for concurrent use.
type Exchange struct {
	mu          sync.Mutex
	id          string
	in          *Message
	out         *Message
	inFault     *Message
	outFault    *Message
	conduit     Conduit
	destination Destination
	oneWay      bool
	props       map[string]any
	outChain    Chain
}

// NewExchange creates an empty exchange
func NewExchange() *Exchange {
	return &Exchange{
		id:    uuid.New().String(),
		props: make(map[string]any),
	}
}

// ID returns the exchange ID
func (e *Exchange) ID() string {
	return e.id
}

func (e *Exchange) adopt(m *Message, outbound bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.exchange = e
	m.outbound = outbound
	m.mu.Unlock()
}

// SetInMessage sets the inbound message
func (e *Exchange) SetInMessage(m *Message) {
	e.adopt(m, false)
	e.mu.Lock()
	e.in = m
	e.mu.Unlock()
}

// InMessage returns the inbound message
func (e *Exchange) InMessage() *Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.in
}

// SetOutMessage sets the outbound message
func (e *Exchange) SetOutMessage(m *Message) {
	e.adopt(m, true)
	e.mu.Lock()
	e.out = m
	e.mu.Unlock()
}

// OutMessage returns the outbound message
func (e *Exchange) OutMessage() *Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out
}

// SetInFaultMessage sets the inbound fault message
func (e *Exchange) SetInFaultMessage(m *Message) {
	e.adopt(m, false)
	e.mu.Lock()
	e.inFault = m
	e.mu.Unlock()
}

// InFaultMessage returns the inbound fault message
func (e *Exchange) InFaultMessage() *Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFault
}

// SetOutFaultMessage sets the outbound fault message
func (e *Exchange) SetOutFaultMessage(m *Message) {
	e.adopt(m, true)
	e.mu.Lock()
	e.outFault = m
	e.mu.Unlock()
}

// OutFaultMessage returns the outbound fault message
func (e *Exchange) OutFaultMessage() *Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outFault
}

// SetOneWay marks the exchange as one-way; no outbound chain will run for it
func (e *Exchange) SetOneWay(oneWay bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oneWay = oneWay
}

// IsOneWay reports whether the exchange is one-way
func (e *Exchange) IsOneWay() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oneWay
}

// SetConduit sets the conduit used for outbound messages
func (e *Exchange) SetConduit(c Conduit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conduit = c
}

// Conduit returns the conduit, or nil
func (e *Exchange) Conduit() Conduit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conduit
}

// SetDestination sets the destination that received the inbound message
func (e *Exchange) SetDestination(d Destination) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destination = d
}

// Destination returns the destination, or nil
func (e *Exchange) Destination() Destination {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destination
}

// BackChannel returns the exchange conduit, obtaining a back-channel conduit
// from the destination on first use
func (e *Exchange) BackChannel(policy *BackChannelPolicy, target string) (Conduit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conduit != nil || e.destination == nil {
		return e.conduit, nil
	}

	c, err := e.destination.BackChannel(e.in, policy, target)
	if err != nil {
		return nil, &TransportError{Op: "back channel", Address: e.destination.Address(), Err: err}
	}
	e.conduit = c
	return c, nil
}

// OutChain returns the exchange's outbound chain, calling build at most once
// across all callers. A failed build is not cached.
func (e *Exchange) OutChain(build func() (Chain, error)) (Chain, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.outChain != nil {
		return e.outChain, nil
	}
	c, err := build()
	if err != nil {
		return nil, err
	}
	e.outChain = c
	return c, nil
}

// Put stores an exchange-scoped property
func (e *Exchange) Put(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.props[key] = value
}

// Get retrieves an exchange-scoped property
func (e *Exchange) Get(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.props[key]
	return v, ok
}
