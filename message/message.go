package message

import (
	"context"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// Well-known property keys
const (
	MessageIDKey       = "relay.message.id"
	RelatesToKey       = "relay.message.relatesTo"
	ReplyToKey         = "relay.message.replyTo"
	ToKey              = "relay.message.to"
	ActionKey          = "relay.message.action"
	RolesKey           = "relay.message.roles"
	ProtocolHeadersKey = "relay.protocol.headers"
	OneWayKey          = "relay.exchange.oneWay"
)

// Standard header roles
const (
	RoleNext             = "http://www.w3.org/2003/05/soap-envelope/role/next"
	RoleNone             = "http://www.w3.org/2003/05/soap-envelope/role/none"
	RoleUltimateReceiver = "http://www.w3.org/2003/05/soap-envelope/role/ultimateReceiver"
)

// DefaultRoles is the role set a node acts in when a message carries no explicit roles
var DefaultRoles = []string{"", RoleNext, RoleUltimateReceiver}

// QName is an XML qualified name
type QName struct {
	Space string
	Local string
}

// String renders {namespace}local, or just local without a namespace
func (q QName) String() string {
	if q.Space == "" {
		return q.Local
	}
	return "{" + q.Space + "}" + q.Local
}

// Header is an immutable protocol header record
type Header struct {
	Name           QName
	MustUnderstand bool
	Role           string
	Value          any
}

// Chain is the part of an interceptor chain a message can see
type Chain interface {
	DoIntercept(ctx context.Context, msg *Message) error
	Resume(ctx context.Context) error
	Pause()
}

// Message is the unit of work carried through a chain. A Message belongs to
// exactly one Exchange and holds only a non-owning reference back to it.
type Message struct {
	mu       sync.RWMutex
	id       string
	outbound bool
	props    map[string]any
	contents map[reflect.Type]any
	headers  []Header
	exchange *Exchange
	chain    Chain
}

// NewMessage creates an inbound message with a generated ID
func NewMessage() *Message {
	id := "urn:uuid:" + uuid.New().String()
	return &Message{
		id:       id,
		props:    map[string]any{MessageIDKey: id},
		contents: make(map[reflect.Type]any),
	}
}

// NewOutboundMessage creates an outbound message with a generated ID
func NewOutboundMessage() *Message {
	m := NewMessage()
	m.outbound = true
	return m
}

// ID returns the message ID property
func (m *Message) ID() string {
	if id := m.GetString(MessageIDKey); id != "" {
		return id
	}
	return m.id
}

// IsOutbound reports whether the message travels outbound
func (m *Message) IsOutbound() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outbound
}

// Exchange returns the owning exchange, or nil
func (m *Message) Exchange() *Exchange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exchange
}

// InterceptorChain returns the chain currently driving the message
func (m *Message) InterceptorChain() Chain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chain
}

// SetInterceptorChain binds the chain driving the message
func (m *Message) SetInterceptorChain(c Chain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain = c
}

// Put stores a property, overwriting any previous value
func (m *Message) Put(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.props[key] = value
}

// Get retrieves a property
func (m *Message) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.props[key]
	return v, ok
}

// GetString retrieves a string property, empty when absent
func (m *Message) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Remove deletes a property
func (m *Message) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.props, key)
}

// Headers returns a copy of the message headers
func (m *Message) Headers() []Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	headers := make([]Header, len(m.headers))
	copy(headers, m.headers)
	return headers
}

// AddHeader appends a header
func (m *Message) AddHeader(h Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers = append(m.headers, h)
}

// SetHeader replaces every header with the same name by h
func (m *Message) SetHeader(h Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.headers[:0]
	for _, existing := range m.headers {
		if existing.Name != h.Name {
			kept = append(kept, existing)
		}
	}
	m.headers = append(kept, h)
}

// Header returns the first header with the given name
func (m *Message) Header(name QName) (Header, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.headers {
		if h.Name == name {
			return h, true
		}
	}
	return Header{}, false
}

// Roles returns the role set the message is processed in
func (m *Message) Roles() []string {
	if v, ok := Get[[]string](m, RolesKey); ok && len(v) > 0 {
		return v
	}
	return DefaultRoles
}

// ProtocolHeaders returns the transport-level headers, creating the map if needed
func (m *Message) ProtocolHeaders() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.props[ProtocolHeadersKey].(map[string]string)
	if !ok {
		h = make(map[string]string)
		m.props[ProtocolHeadersKey] = h
	}
	return h
}

func (m *Message) setContent(t reflect.Type, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contents[t] = v
}

func (m *Message) content(t reflect.Type) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.contents[t]
	return v, ok
}

func (m *Message) removeContent(t reflect.Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contents, t)
}

// SetContent stores the single content value of type T, replacing any previous one
func SetContent[T any](m *Message, v T) {
	m.setContent(reflect.TypeFor[T](), v)
}

// Content returns the content value of type T
func Content[T any](m *Message) (T, bool) {
	v, ok := m.content(reflect.TypeFor[T]())
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// RemoveContent drops the content value of type T
func RemoveContent[T any](m *Message) {
	m.removeContent(reflect.TypeFor[T]())
}

// Get retrieves a typed property
func Get[T any](m *Message, key string) (T, bool) {
	v, ok := m.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
