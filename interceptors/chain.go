package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/relay/interceptors"

var (
	// ErrChainFinished is returned when a completed or faulted chain is driven again
	ErrChainFinished = errors.New("interceptors: chain already finished")
	// ErrChainRunning is returned when a chain is driven while it is running
	ErrChainRunning = errors.New("interceptors: chain is running")
	// ErrNotPaused is returned when resuming a chain that is not paused
	ErrNotPaused = errors.New("interceptors: chain is not paused")
)

// State is the lifecycle state of a chain
type State int

const (
	StateNew State = iota
	StateRunning
	StatePaused
	StateComplete
	StateFault
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateComplete:
		return "complete"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}

// MetricsCollector defines the interface for collecting chain metrics
type MetricsCollector interface {
	RecordChain(chain string, state string, duration time.Duration)
	RecordInterceptorFault(chain string, interceptor string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordChain does nothing
func (NoOpMetricsCollector) RecordChain(chain string, state string, duration time.Duration) {}

// RecordInterceptorFault does nothing
func (NoOpMetricsCollector) RecordInterceptorFault(chain string, interceptor string) {}

// PhaseChain runs interceptors in phase order. A chain instance serves one
// message at a time and is driven by one goroutine at a time; a paused chain
// may be resumed from another goroutine.
type PhaseChain struct {
	mu            sync.Mutex
	name          string
	phases        []phase.Phase
	index         map[string]int
	added         [][]Interceptor
	buckets       [][]Interceptor
	order         []Interceptor
	cursor        int
	state         State
	pauseRequest  bool
	msg           *message.Message
	faultObserver message.MessageObserver
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       MetricsCollector
}

// ChainOption configures a PhaseChain
type ChainOption func(*PhaseChain)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ChainOption {
	return func(c *PhaseChain) {
		c.logger = logger
	}
}

// WithTracer sets the tracer
func WithTracer(tracer trace.Tracer) ChainOption {
	return func(c *PhaseChain) {
		c.tracer = tracer
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) ChainOption {
	return func(c *PhaseChain) {
		c.metrics = metrics
	}
}

// WithName sets the chain name used in logs, spans and metrics
func WithName(name string) ChainOption {
	return func(c *PhaseChain) {
		c.name = name
	}
}

// WithFaultObserver sets the observer notified when the chain faults
func WithFaultObserver(observer message.MessageObserver) ChainOption {
	return func(c *PhaseChain) {
		c.faultObserver = observer
	}
}

// NewPhaseChain creates an empty chain over an ordered phase list
func NewPhaseChain(phases []phase.Phase, options ...ChainOption) *PhaseChain {
	c := &PhaseChain{
		name:    "chain",
		phases:  phases,
		index:   make(map[string]int, len(phases)),
		added:   make([][]Interceptor, len(phases)),
		buckets: make([][]Interceptor, len(phases)),
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		metrics: NoOpMetricsCollector{},
	}
	for i, p := range phases {
		c.index[p.Name] = i
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Add registers interceptors. An unknown phase or an unsatisfiable ordering
// constraint is reported as a *phase.ConfigurationError and none of the
// interceptors of the call are added. Interceptors whose name is already
// present are skipped.
func (c *PhaseChain) Add(interceptors ...Interceptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateNew {
		return &phase.ConfigurationError{Op: "add", Err: phase.ErrChainStarted}
	}

	added := slices.Clone(c.added)
	buckets := slices.Clone(c.buckets)
	for _, ic := range interceptors {
		idx, ok := c.index[ic.Phase()]
		if !ok {
			return &phase.ConfigurationError{
				Op:          "add",
				Phase:       ic.Phase(),
				Interceptor: ic.Name(),
				Err:         phase.ErrUnknownPhase,
			}
		}

		if contains(added, ic.Name()) {
			c.logger.Debug("skipping interceptor already in chain",
				"chain", c.name,
				"interceptor", ic.Name())
			continue
		}

		candidate := make([]Interceptor, len(added[idx]), len(added[idx])+1)
		copy(candidate, added[idx])
		candidate = append(candidate, ic)

		sorted, cycle := sortPhase(candidate)
		if cycle != nil {
			return &phase.ConfigurationError{
				Op:          "add",
				Phase:       ic.Phase(),
				Interceptor: ic.Name(),
				Cycle:       cycle,
				Err:         phase.ErrConstraintCycle,
			}
		}

		added[idx] = candidate
		buckets[idx] = sorted
	}

	c.added = added
	c.buckets = buckets
	c.flattenLocked()
	return nil
}

func contains(added [][]Interceptor, name string) bool {
	for _, bucket := range added {
		for _, ic := range bucket {
			if ic.Name() == name {
				return true
			}
		}
	}
	return false
}

func (c *PhaseChain) flattenLocked() {
	order := make([]Interceptor, 0, len(c.order)+1)
	for _, bucket := range c.buckets {
		order = append(order, bucket...)
	}
	c.order = order
}

// Interceptors returns the resolved execution order
func (c *PhaseChain) Interceptors() []Interceptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	order := make([]Interceptor, len(c.order))
	copy(order, c.order)
	return order
}

// State returns the lifecycle state
func (c *PhaseChain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetFaultObserver sets the observer notified when the chain faults
func (c *PhaseChain) SetFaultObserver(observer message.MessageObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faultObserver = observer
}

// Clone returns a new chain in state NEW with the same resolved order
func (c *PhaseChain) Clone() *PhaseChain {
	c.mu.Lock()
	defer c.mu.Unlock()

	clone := &PhaseChain{
		name:          c.name,
		phases:        c.phases,
		index:         c.index,
		added:         make([][]Interceptor, len(c.added)),
		buckets:       make([][]Interceptor, len(c.buckets)),
		order:         make([]Interceptor, len(c.order)),
		faultObserver: c.faultObserver,
		logger:        c.logger,
		tracer:        c.tracer,
		metrics:       c.metrics,
	}
	for i := range c.added {
		clone.added[i] = append([]Interceptor(nil), c.added[i]...)
		clone.buckets[i] = append([]Interceptor(nil), c.buckets[i]...)
	}
	copy(clone.order, c.order)
	return clone
}

// Pause stops the chain after the current interceptor returns. A later
// DoIntercept or Resume continues with the next interceptor.
func (c *PhaseChain) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		c.pauseRequest = true
	}
}

// DoIntercept drives the message through the chain. A new chain starts at the
// first interceptor; a paused chain continues after the interceptor that
// paused it. A fault unwinds the completed interceptors in reverse order,
// notifies the fault observer once and is returned as a *message.Fault.
func (c *PhaseChain) DoIntercept(ctx context.Context, msg *message.Message) error {
	c.mu.Lock()
	switch c.state {
	case StateRunning:
		c.mu.Unlock()
		return ErrChainRunning
	case StateComplete, StateFault:
		c.mu.Unlock()
		return ErrChainFinished
	case StatePaused:
		if msg == nil {
			msg = c.msg
		}
	}
	c.msg = msg
	c.state = StateRunning
	c.mu.Unlock()

	msg.SetInterceptorChain(c)
	return c.run(ctx)
}

// Resume continues a paused chain with the message it was paused on. A
// Resume that arrives while the pausing interceptor is still running cancels
// the pause and the running goroutine carries on.
func (c *PhaseChain) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateRunning && c.pauseRequest {
		c.pauseRequest = false
		c.mu.Unlock()
		return nil
	}
	if c.state != StatePaused {
		c.mu.Unlock()
		return ErrNotPaused
	}
	msg := c.msg
	c.mu.Unlock()
	return c.DoIntercept(ctx, msg)
}

func (c *PhaseChain) run(ctx context.Context) error {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "relay.chain "+c.name,
		trace.WithAttributes(attribute.String("relay.message.id", c.msg.ID())))
	defer span.End()

	for {
		c.mu.Lock()
		if c.cursor >= len(c.order) {
			c.state = StateComplete
			c.mu.Unlock()
			c.metrics.RecordChain(c.name, StateComplete.String(), time.Since(start))
			return nil
		}
		ic := c.order[c.cursor]
		c.cursor++
		c.mu.Unlock()

		c.logger.Debug("invoking interceptor",
			"chain", c.name,
			"interceptor", ic.Name(),
			"phase", ic.Phase(),
			"messageId", c.msg.ID())
		span.AddEvent(ic.Name(), trace.WithAttributes(attribute.String("relay.phase", ic.Phase())))

		if err := ic.HandleMessage(ctx, c.msg); err != nil {
			fault := c.unwind(ctx, ic, err)
			span.RecordError(fault)
			span.SetStatus(codes.Error, fault.Reason)
			c.metrics.RecordChain(c.name, StateFault.String(), time.Since(start))
			return fault
		}

		c.mu.Lock()
		if c.pauseRequest {
			c.pauseRequest = false
			c.state = StatePaused
			c.mu.Unlock()
			c.logger.Debug("chain paused",
				"chain", c.name,
				"interceptor", ic.Name(),
				"messageId", c.msg.ID())
			c.metrics.RecordChain(c.name, StatePaused.String(), time.Since(start))
			return nil
		}
		c.mu.Unlock()
	}
}

// unwind calls HandleFault on the interceptors that completed, newest first.
// The failing interceptor is expected to have undone its own work.
func (c *PhaseChain) unwind(ctx context.Context, failed Interceptor, err error) *message.Fault {
	fault := message.AsFault(err)
	message.SetContent[*message.Fault](c.msg, fault)

	c.mu.Lock()
	c.state = StateFault
	c.pauseRequest = false
	completed := make([]Interceptor, c.cursor-1)
	copy(completed, c.order[:c.cursor-1])
	observer := c.faultObserver
	c.mu.Unlock()

	c.logger.Error("interceptor fault",
		"chain", c.name,
		"interceptor", failed.Name(),
		"phase", failed.Phase(),
		"messageId", c.msg.ID(),
		"code", fault.Code,
		"error", fault.Reason)
	c.metrics.RecordInterceptorFault(c.name, failed.Name())

	for i := len(completed) - 1; i >= 0; i-- {
		completed[i].HandleFault(ctx, c.msg)
	}

	if observer != nil {
		observer.OnMessage(ctx, c.msg)
	}
	return fault
}
