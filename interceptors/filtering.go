package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/relay/message"
)

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg *message.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *message.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *message.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently pauses the chain; the message counts as handled
	SkipSilently SkipBehavior = iota
	// SkipWithError faults the chain with a sender fault
	SkipWithError
	// SkipWithLog logs the skip and pauses the chain
	SkipWithLog
)

// FilteringInterceptor stops messages that do not pass a filter
type FilteringInterceptor struct {
	Base
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(phaseName string, filter MessageFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		Base:         NewBase("FilteringInterceptor", phaseName),
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       slog.Default(),
	}
}

// WithLogger sets the logger used by SkipWithLog
func (i *FilteringInterceptor) WithLogger(logger *slog.Logger) *FilteringInterceptor {
	i.logger = logger
	return i
}

// HandleMessage implements Interceptor
func (i *FilteringInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if shouldProcess {
		return nil
	}

	switch i.skipBehavior {
	case SkipWithError:
		return message.NewFault(message.FaultSender,
			fmt.Sprintf("message filtered: action=%s, id=%s", msg.GetString(message.ActionKey), msg.ID()))
	case SkipWithLog:
		i.logger.Info("message filtered",
			"messageId", msg.ID(),
			"action", msg.GetString(message.ActionKey))
	}

	if chain := msg.InterceptorChain(); chain != nil {
		chain.Pause()
	}
	return nil
}

// CompositeFilter passes a message only when every filter passes it
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates an AND filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *message.Message) (bool, error) {
	return evaluate(ctx, msg, f.filters, false)
}

// OrFilter passes a message when any filter passes it
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates an OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *message.Message) (bool, error) {
	return evaluate(ctx, msg, f.filters, true)
}

// evaluate short-circuits on the first filter returning decisive
func evaluate(ctx context.Context, msg *message.Message, filters []MessageFilter, decisive bool) (bool, error) {
	for _, filter := range filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if ok == decisive {
			return decisive, nil
		}
	}
	return !decisive, nil
}

// ActionFilter passes messages whose action is in an allow list
type ActionFilter struct {
	allowed map[string]bool
}

// NewActionFilter creates a filter allowing actions
func NewActionFilter(actions ...string) *ActionFilter {
	f := &ActionFilter{allowed: make(map[string]bool, len(actions))}
	for _, a := range actions {
		f.allowed[a] = true
	}
	return f
}

// ShouldProcess implements MessageFilter
func (f *ActionFilter) ShouldProcess(ctx context.Context, msg *message.Message) (bool, error) {
	return f.allowed[msg.GetString(message.ActionKey)], nil
}

// PropertyFilter passes messages whose property equals an expected value
type PropertyFilter struct {
	key      string
	expected any
}

// NewPropertyFilter creates a filter that checks a message property
func NewPropertyFilter(key string, expected any) *PropertyFilter {
	return &PropertyFilter{key: key, expected: expected}
}

// ShouldProcess implements MessageFilter
func (f *PropertyFilter) ShouldProcess(ctx context.Context, msg *message.Message) (bool, error) {
	value, ok := msg.Get(f.key)
	if !ok {
		return false, nil
	}
	return value == f.expected, nil
}

// ConditionalInterceptor runs an interceptor only if a condition is met. It
// takes over the wrapped interceptor's phase and ordering constraints.
type ConditionalInterceptor struct {
	Base
	condition   MessageFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	b := NewBase(fmt.Sprintf("ConditionalInterceptor[%s]", interceptor.Name()), interceptor.Phase())
	if o, ok := interceptor.(Ordered); ok {
		b.AddBefore(o.Before()...)
		b.AddAfter(o.After()...)
	}
	return &ConditionalInterceptor{
		Base:        b,
		condition:   condition,
		interceptor: interceptor,
	}
}

type conditionalRan struct {
	names map[string]bool
}

// HandleMessage implements Interceptor
func (i *ConditionalInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	shouldExecute, err := i.condition.ShouldProcess(ctx, msg)
	if err != nil {
		return err
	}
	if !shouldExecute {
		return nil
	}
	if err := i.interceptor.HandleMessage(ctx, msg); err != nil {
		return err
	}

	ran, ok := message.Content[*conditionalRan](msg)
	if !ok {
		ran = &conditionalRan{names: make(map[string]bool)}
		message.SetContent(msg, ran)
	}
	ran.names[i.Name()] = true
	return nil
}

// HandleFault unwinds the wrapped interceptor only if it ran for this message
func (i *ConditionalInterceptor) HandleFault(ctx context.Context, msg *message.Message) {
	ran, ok := message.Content[*conditionalRan](msg)
	if ok && ran.names[i.Name()] {
		i.interceptor.HandleFault(ctx, msg)
	}
}

// UnderstoodHeaders forwards the wrapped interceptor's declaration
func (i *ConditionalInterceptor) UnderstoodHeaders() []message.QName {
	if hp, ok := i.interceptor.(HeaderProcessor); ok {
		return hp.UnderstoodHeaders()
	}
	return nil
}

// Roles forwards the wrapped interceptor's declaration
func (i *ConditionalInterceptor) Roles() []string {
	if hp, ok := i.interceptor.(HeaderProcessor); ok {
		return hp.Roles()
	}
	return nil
}
