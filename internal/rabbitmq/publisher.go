package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on one confirm-mode channel. Publishes are
// serialized so each confirmation matches its message.
type Publisher struct {
	manager        *ConnectionManager
	confirmTimeout time.Duration
	retries        int
	retryDelay     time.Duration

	mu       sync.Mutex
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long a publish waits for the broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets how often a retryable publish failure is retried
// on a fresh channel, waiting delay between attempts
func WithPublishRetries(retries int, delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.retries = retries
		p.retryDelay = delay
	}
}

// NewPublisher creates a publisher; the channel is opened on first use
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
		retries:        1,
		retryDelay:     100 * time.Millisecond,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg to the default exchange routed to queue and waits for
// the broker to confirm it. An unroutable message is an error. Failures
// IsRetryable accepts are retried on a fresh channel.
func (p *Publisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 0; ; attempt++ {
		err := p.publishLocked(ctx, queue, msg)
		if err == nil || attempt >= p.retries || !IsRetryable(err) {
			return err
		}
		p.manager.logger.Warn("publish failed, retrying",
			"queue", queue,
			"attempt", attempt+1,
			"error", err)

		timer := time.NewTimer(p.retryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}
}

func (p *Publisher) publishLocked(ctx context.Context, queue string, msg amqp.Publishing) error {
	if err := p.ensureChannelLocked(); err != nil {
		return &PublishError{RoutingKey: queue, Err: err, Timestamp: time.Now()}
	}

	if err := p.ch.PublishWithContext(ctx, "", queue, true, false, msg); err != nil {
		p.resetLocked()
		return &PublishError{RoutingKey: queue, Err: err, Timestamp: time.Now()}
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	var returned *amqp.Return
	for {
		select {
		case ret, ok := <-p.returns:
			if ok {
				returned = &ret
				continue
			}
			p.resetLocked()
			return &PublishError{RoutingKey: queue, Err: ErrConnectionClosed, Timestamp: time.Now()}
		case c, ok := <-p.confirms:
			if !ok {
				p.resetLocked()
				return &PublishError{RoutingKey: queue, Err: ErrConnectionClosed, Timestamp: time.Now()}
			}
			if returned != nil {
				return &PublishError{RoutingKey: queue, Err: fmt.Errorf("%w: %s", ErrUnroutable, returned.ReplyText), Timestamp: time.Now()}
			}
			if !c.Ack {
				return &PublishError{RoutingKey: queue, Err: ErrPublishNotConfirmed, Timestamp: time.Now()}
			}
			return nil
		case <-timer.C:
			p.resetLocked()
			return &PublishError{RoutingKey: queue, Err: ErrPublishNotConfirmed, Timestamp: time.Now()}
		case <-ctx.Done():
			p.resetLocked()
			return &PublishError{RoutingKey: queue, Err: ctx.Err(), Timestamp: time.Now()}
		}
	}
}

func (p *Publisher) ensureChannelLocked() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	ch, err := p.manager.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return &ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
	}
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	return nil
}

// resetLocked drops the channel; a confirm that is still outstanding would
// otherwise be matched with the next publish
func (p *Publisher) resetLocked() {
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			p.manager.logger.Debug("closing publisher channel", "error", err)
		}
	}
	p.ch = nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}
