package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrConnectionClosed     = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady   = errors.New("rabbitmq: connection not ready")
	ErrMaxRetriesExceeded   = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrConnectionTimeout    = errors.New("rabbitmq: connection timeout")
	ErrPublishNotConfirmed  = errors.New("rabbitmq: publish not confirmed")
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
	ErrUnroutable           = errors.New("rabbitmq: message returned as unroutable")
)

// ConnectionError reports a failed dial
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Sanitized broker URL
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError reports a failed channel operation
type ChannelError struct {
	Op        string
	Queue     string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("rabbitmq channel error: %s on queue %s: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError reports a failed publish
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: %s/%s: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an operation failing with err may succeed later
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrMaxRetriesExceeded),
		errors.Is(err, ErrUnroutable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// SanitizeURL hides the password of a broker URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
