package rm

import (
	"context"
	"sync"
)

// Delivery is the outcome of one reliable send. It resolves exactly once:
// with nil when the destination acknowledges the message, or with an error
// when the message can no longer be delivered.
type Delivery struct {
	SequenceID Identifier
	Number     uint64

	once sync.Once
	done chan struct{}
	err  error
}

func newDelivery(id Identifier, n uint64) *Delivery {
	return &Delivery{SequenceID: id, Number: n, done: make(chan struct{})}
}

// Done is closed when the delivery resolves
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Err returns the outcome; it is nil until Done is closed
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until the delivery resolves or ctx ends
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve completes the delivery and reports whether this call did it
func (d *Delivery) resolve(err error) bool {
	resolved := false
	d.once.Do(func() {
		d.err = err
		close(d.done)
		resolved = true
	})
	return resolved
}
