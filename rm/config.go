package rm

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Namespaces of the sequence header vocabulary
const (
	Namespace200702 = "http://docs.oasis-open.org/ws-rx/wsrm/200702"
	Namespace200502 = "http://schemas.xmlsoap.org/ws/2005/02/rm"

	DefaultNamespace = Namespace200702
)

// Config tunes sequences and the retransmission scheduler
type Config struct {
	// BaseRetransmissionInterval is the wait before the first resend
	BaseRetransmissionInterval time.Duration
	// BackoffMultiplier grows the wait per resend
	BackoffMultiplier float64
	// MaxRetransmissionInterval caps the wait between resends
	MaxRetransmissionInterval time.Duration
	// MaxRetransmissions is the resend budget of one message
	MaxRetransmissions int
	// AcknowledgementInterval batches acknowledgements; zero acknowledges immediately
	AcknowledgementInterval time.Duration
	// MaxHeldMessages bounds out-of-order messages held per destination sequence
	MaxHeldMessages int
	// SequenceExpiration ends source sequences after this long; zero never expires
	SequenceExpiration time.Duration
	// SequenceRetention keeps terminated sequences for duplicate detection
	SequenceRetention time.Duration
	// ResendRate limits resends per second across all sequences
	ResendRate rate.Limit
	// ResendBurst is the resend limiter burst
	ResendBurst int
	// SchedulerInterval is how often the scheduler looks for due resends
	SchedulerInterval time.Duration
	// Namespace is the default header namespace
	Namespace string
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BaseRetransmissionInterval: 3 * time.Second,
		BackoffMultiplier:          2.0,
		MaxRetransmissionInterval:  time.Minute,
		MaxRetransmissions:         8,
		AcknowledgementInterval:    200 * time.Millisecond,
		MaxHeldMessages:            256,
		SequenceRetention:          10 * time.Minute,
		ResendRate:                 100,
		ResendBurst:                20,
		SchedulerInterval:          250 * time.Millisecond,
		Namespace:                  DefaultNamespace,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	var errs []error
	if c.BaseRetransmissionInterval <= 0 {
		errs = append(errs, errors.New("base retransmission interval must be positive"))
	}
	if c.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("backoff multiplier %v must be at least 1", c.BackoffMultiplier))
	}
	if c.MaxRetransmissionInterval < c.BaseRetransmissionInterval {
		errs = append(errs, errors.New("max retransmission interval is below the base interval"))
	}
	if c.MaxRetransmissions < 0 {
		errs = append(errs, errors.New("max retransmissions must not be negative"))
	}
	if c.AcknowledgementInterval < 0 {
		errs = append(errs, errors.New("acknowledgement interval must not be negative"))
	}
	if c.MaxHeldMessages <= 0 {
		errs = append(errs, errors.New("max held messages must be positive"))
	}
	if c.ResendRate <= 0 || c.ResendBurst <= 0 {
		errs = append(errs, errors.New("resend rate and burst must be positive"))
	}
	if c.SchedulerInterval <= 0 {
		errs = append(errs, errors.New("scheduler interval must be positive"))
	}
	if c.Namespace != Namespace200702 && c.Namespace != Namespace200502 {
		errs = append(errs, fmt.Errorf("unsupported namespace %q", c.Namespace))
	}
	return errors.Join(errs...)
}
