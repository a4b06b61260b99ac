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
	"sync"

	"github.com/glimte/relay/envelope"
	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
	"github.com/glimte/relay/rm"
)

// CorrelatorName is the name of the interceptor matching responses to requests
const CorrelatorName = "ResponseCorrelatorInterceptor"

var (
	// ErrTooManyPending is returned when the client has too many outstanding requests
	ErrTooManyPending = errors.New("relay: too many pending requests")
	// ErrRequestTimeout is returned when no response arrives in time
	ErrRequestTimeout = errors.New("relay: request timeout")
)

// Client sends messages to endpoints and receives their responses on its
// own destination
type Client struct {
	bus         *Bus
	destination message.Destination
	template    *interceptors.PhaseChain
	logger      *slog.Logger
	maxPending  int

	mu      sync.Mutex
	pending map[string]chan *message.Message
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithMaxPending bounds the number of outstanding requests
func WithMaxPending(n int) ClientOption {
	return func(c *Client) {
		c.maxPending = n
	}
}

// SendOption configures one outbound message
type SendOption func(*message.Message)

// LastMessage marks the message as the last of its sequence
func LastMessage() SendOption {
	return func(msg *message.Message) {
		msg.Put(rm.LastMessageKey, true)
	}
}

// WithHeader adds a protocol header to the envelope
func WithHeader(h message.Header) SendOption {
	return func(msg *message.Message) {
		msg.AddHeader(h)
	}
}

// WithProtocolHeader sets a transport-level header
func WithProtocolHeader(key, value string) SendOption {
	return func(msg *message.Message) {
		msg.ProtocolHeaders()[key] = value
	}
}

// NewClient creates a client receiving responses and acknowledgements on
// replies
func (b *Bus) NewClient(replies message.Destination, options ...ClientOption) (*Client, error) {
	c := &Client{
		bus:         b,
		destination: replies,
		logger:      b.logger.With("client", replies.Address()),
		maxPending:  1000,
		pending:     make(map[string]chan *message.Message),
	}
	for _, opt := range options {
		opt(c)
	}

	correlator := interceptors.NewInterceptorFunc(CorrelatorName, phase.Invoke, c.correlate)
	template, err := b.inChain("replies", correlator)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", replies.Address(), err)
	}
	c.template = template

	replies.SetObserver(c)
	return c, nil
}

// Address returns the address responses are sent to
func (c *Client) Address() string {
	return c.destination.Address()
}

// Send sends a one-way message. On a reliable bus the returned Delivery
// resolves once target acknowledges the message; otherwise it is nil.
func (c *Client) Send(ctx context.Context, target, action string, payload []byte, options ...SendOption) (*rm.Delivery, error) {
	msg := c.newMessage(action, payload, options)
	if err := c.bus.send(ctx, target, msg, true); err != nil {
		return nil, err
	}
	d, _ := rm.DeliveryOf(msg)
	return d, nil
}

// Request sends a two-way message and waits for the response payload. A
// fault response is returned as a *message.Fault. When the request travels
// over a reliable sequence that gives up, the *rm.DeliveryFailure is returned.
func (c *Client) Request(ctx context.Context, target, action string, payload []byte, options ...SendOption) ([]byte, error) {
	msg := c.newMessage(action, payload, options)

	ch := make(chan *message.Message, 1)
	c.mu.Lock()
	if len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		return nil, ErrTooManyPending
	}
	c.pending[msg.ID()] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID())
		c.mu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok && c.bus.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.bus.timeout)
		defer cancel()
	}

	if err := c.bus.send(ctx, target, msg, false); err != nil {
		return nil, err
	}

	// A reliable request whose delivery fails never gets a response.
	var failed <-chan struct{}
	d, _ := rm.DeliveryOf(msg)
	if d != nil {
		failed = d.Done()
	}

	for {
		select {
		case resp := <-ch:
			body, _ := envelope.BodyOf(resp)
			if body.Fault != nil {
				return nil, body.Fault
			}
			return body.Payload, nil
		case <-failed:
			if err := d.Err(); err != nil {
				return nil, err
			}
			failed = nil
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s to %s: %v", ErrRequestTimeout, action, target, ctx.Err())
		}
	}
}

func (c *Client) newMessage(action string, payload []byte, options []SendOption) *message.Message {
	msg := message.NewOutboundMessage()
	msg.Put(message.ActionKey, action)
	msg.Put(message.ReplyToKey, c.destination.Address())
	envelope.SetBody(msg, envelope.Body{Payload: payload})
	for _, opt := range options {
		opt(msg)
	}
	return msg
}

// Pending returns the number of requests waiting for a response
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// OnMessage implements message.MessageObserver
func (c *Client) OnMessage(ctx context.Context, msg *message.Message) {
	chain := c.template.Clone()
	if err := chain.DoIntercept(ctx, msg); err != nil {
		c.logger.Warn("response faulted", "messageId", msg.ID(), "error", err)
	}
}

func (c *Client) correlate(ctx context.Context, msg *message.Message) error {
	id := msg.GetString(message.RelatesToKey)
	if id == "" {
		return nil
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("no pending request for response", "relatesTo", id)
		return nil
	}
	select {
	case ch <- msg:
	default:
		c.logger.Debug("duplicate response", "relatesTo", id)
	}
	return nil
}

// Close stops receiving responses
func (c *Client) Close() error {
	return c.destination.Close()
}
