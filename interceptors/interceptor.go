package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/relay/message"
)

// Interceptor is a unit of work bound to a phase
type Interceptor interface {
	// Name returns the interceptor identity used by ordering constraints
	Name() string

	// Phase returns the phase the interceptor runs in
	Phase() string

	// HandleMessage processes a message. A returned error faults the chain.
	HandleMessage(ctx context.Context, msg *message.Message) error

	// HandleFault undoes the work of a successful HandleMessage while the chain unwinds
	HandleFault(ctx context.Context, msg *message.Message)
}

// Ordered is implemented by interceptors with intra-phase ordering constraints
type Ordered interface {
	// Before lists interceptors this one must run before
	Before() []string
	// After lists interceptors this one must run after
	After() []string
}

// HeaderProcessor is implemented by interceptors that understand protocol headers
type HeaderProcessor interface {
	// UnderstoodHeaders lists the header names the interceptor processes
	UnderstoodHeaders() []message.QName
	// Roles lists the roles the interceptor acts in; empty means every role
	Roles() []string
}

// Base carries identity, phase and ordering constraints. Embed it to get
// Name, Phase, Before, After and a no-op HandleFault.
type Base struct {
	ID        string
	PhaseName string
	BeforeIDs []string
	AfterIDs  []string
}

// NewBase creates a Base for an interceptor
func NewBase(name, phaseName string) Base {
	return Base{ID: name, PhaseName: phaseName}
}

// Name implements Interceptor
func (b *Base) Name() string {
	return b.ID
}

// Phase implements Interceptor
func (b *Base) Phase() string {
	return b.PhaseName
}

// Before implements Ordered
func (b *Base) Before() []string {
	return b.BeforeIDs
}

// After implements Ordered
func (b *Base) After() []string {
	return b.AfterIDs
}

// AddBefore adds peers this interceptor must precede
func (b *Base) AddBefore(ids ...string) {
	b.BeforeIDs = append(b.BeforeIDs, ids...)
}

// AddAfter adds peers this interceptor must follow
func (b *Base) AddAfter(ids ...string) {
	b.AfterIDs = append(b.AfterIDs, ids...)
}

// HandleFault implements Interceptor with a no-op
func (b *Base) HandleFault(ctx context.Context, msg *message.Message) {}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	Base
	fn      func(ctx context.Context, msg *message.Message) error
	onFault func(ctx context.Context, msg *message.Message)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name, phaseName string, fn func(ctx context.Context, msg *message.Message) error) *InterceptorFunc {
	return &InterceptorFunc{Base: NewBase(name, phaseName), fn: fn}
}

// OnFault sets the fault handler
func (i *InterceptorFunc) OnFault(fn func(ctx context.Context, msg *message.Message)) *InterceptorFunc {
	i.onFault = fn
	return i
}

// HandleMessage implements Interceptor
func (i *InterceptorFunc) HandleMessage(ctx context.Context, msg *message.Message) error {
	return i.fn(ctx, msg)
}

// HandleFault implements Interceptor
func (i *InterceptorFunc) HandleFault(ctx context.Context, msg *message.Message) {
	if i.onFault != nil {
		i.onFault(ctx, msg)
	}
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	Base
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor for a phase
func NewLoggingInterceptor(phaseName string, logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{
		Base:   NewBase("LoggingInterceptor", phaseName),
		logger: logger,
	}
}

// HandleMessage implements Interceptor
func (i *LoggingInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	i.logger.Info("processing message",
		"messageId", msg.ID(),
		"action", msg.GetString(message.ActionKey),
		"relatesTo", msg.GetString(message.RelatesToKey),
		"outbound", msg.IsOutbound(),
	)
	return nil
}

// HandleFault implements Interceptor
func (i *LoggingInterceptor) HandleFault(ctx context.Context, msg *message.Message) {
	reason := "unknown"
	if fault, ok := message.Content[*message.Fault](msg); ok && fault != nil {
		reason = fault.Reason
	}
	i.logger.Error("message processing failed",
		"messageId", msg.ID(),
		"action", msg.GetString(message.ActionKey),
		"error", reason,
	)
}
