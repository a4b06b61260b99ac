package phase

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPhase is returned when an interceptor names a phase the catalog does not contain
	ErrUnknownPhase = errors.New("phase: unknown phase")
	// ErrConstraintCycle is returned when before/after constraints inside a phase form a cycle
	ErrConstraintCycle = errors.New("phase: ordering constraint cycle")
	// ErrChainStarted is returned when a chain is modified after it processed a message
	ErrChainStarted = errors.New("phase: chain already started")
)

// ConfigurationError reports an invalid chain configuration. It is raised
// while a chain is being built and is never retried.
type ConfigurationError struct {
	Op          string   // Operation that failed
	Phase       string   // Phase involved
	Interceptor string   // Interceptor being registered
	Cycle       []string // Interceptors forming a cycle, if any
	Err         error    // Underlying error
}

func (e *ConfigurationError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("phase configuration error: %s %s in phase %s: %v %v",
			e.Op, e.Interceptor, e.Phase, e.Err, e.Cycle)
	}
	if e.Interceptor != "" {
		return fmt.Sprintf("phase configuration error: %s %s in phase %q: %v", e.Op, e.Interceptor, e.Phase, e.Err)
	}
	return fmt.Sprintf("phase configuration error: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
