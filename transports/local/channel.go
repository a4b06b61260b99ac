package local

import (
	"context"
	"errors"
	"maps"
	"sync"
)

var (
	// ErrChannelClosed is returned by operations on a closed channel
	ErrChannelClosed = errors.New("local: channel closed")
	// ErrNoDestination is returned when no destination listens on an address
	ErrNoDestination = errors.New("local: no destination for address")
	// ErrNoReplyTo is returned when a back channel has no address to reply to
	ErrNoReplyTo = errors.New("local: no reply address")
	// ErrAborted is returned by a sink used after it was aborted
	ErrAborted = errors.New("local: send aborted")
	// ErrDrop makes a send hook lose a packet without failing the send
	ErrDrop = errors.New("local: drop packet")
)

// Packet is one message on the wire between two local endpoints
type Packet struct {
	Address string
	Payload []byte
	Headers map[string]string
}

// Clone returns a copy that shares no memory with p
func (p Packet) Clone() Packet {
	return Packet{
		Address: p.Address,
		Payload: append([]byte(nil), p.Payload...),
		Headers: maps.Clone(p.Headers),
	}
}

// Channel is the physical medium shared by every destination of a
// transport. Any number of workers may accept from it; each accept is
// serialized so a packet is taken by exactly one worker.
type Channel struct {
	acceptMu sync.Mutex
	packets  chan Packet
	done     chan struct{}
	once     sync.Once
}

// NewChannel creates a channel buffering up to capacity packets
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = 1
	}
	return &Channel{
		packets: make(chan Packet, capacity),
		done:    make(chan struct{}),
	}
}

// Send queues a packet, blocking while the channel is full
func (c *Channel) Send(ctx context.Context, p Packet) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.packets <- p:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Accept takes the next packet
func (c *Channel) Accept(ctx context.Context) (Packet, error) {
	c.acceptMu.Lock()
	defer c.acceptMu.Unlock()

	select {
	case p := <-c.packets:
		return p, nil
	case <-c.done:
		return Packet{}, ErrChannelClosed
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

// Len returns the number of queued packets
func (c *Channel) Len() int {
	return len(c.packets)
}

// Close stops the channel. Queued packets are discarded.
func (c *Channel) Close() {
	c.once.Do(func() { close(c.done) })
}
