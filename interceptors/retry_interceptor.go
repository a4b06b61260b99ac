package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/relay/internal/reliability"
	"github.com/glimte/relay/message"
)

// RetryInterceptor retries a wrapped interceptor according to a retry policy.
// Faults are not retried; any other error is retried until the policy gives
// up. It takes over the wrapped interceptor's phase and ordering constraints.
type RetryInterceptor struct {
	Base
	inner       Interceptor
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(inner Interceptor, retryPolicy reliability.RetryPolicy) *RetryInterceptor {
	b := NewBase(fmt.Sprintf("RetryInterceptor[%s]", inner.Name()), inner.Phase())
	if o, ok := inner.(Ordered); ok {
		b.AddBefore(o.Before()...)
		b.AddAfter(o.After()...)
	}
	return &RetryInterceptor{
		Base:        b,
		inner:       inner,
		retryPolicy: retryPolicy,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// HandleMessage implements Interceptor
func (r *RetryInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	attempt := 0
	return reliability.Retry(ctx, r.inner.Name(), r.retryPolicy, func() error {
		attempt++
		err := r.inner.HandleMessage(ctx, msg)
		if err == nil {
			return nil
		}
		if f, ok := err.(*message.Fault); ok {
			return reliability.RetryableError{Err: f, Retryable: false}
		}
		r.logger.Warn("interceptor failed, retrying",
			"interceptor", r.inner.Name(),
			"messageId", msg.ID(),
			"attempt", attempt,
			"error", err)
		return err
	})
}

// HandleFault implements Interceptor
func (r *RetryInterceptor) HandleFault(ctx context.Context, msg *message.Message) {
	r.inner.HandleFault(ctx, msg)
}
