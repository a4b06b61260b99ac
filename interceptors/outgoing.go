package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
)

// OutgoingChainName is the name of the response dispatching interceptor
const OutgoingChainName = "OutgoingChainInterceptor"

// OutChainFactory builds the outbound chain for an exchange
type OutChainFactory func(ex *message.Exchange) (*PhaseChain, error)

// OutgoingChainInterceptor dispatches the response of a two-way exchange
// through the exchange's outbound chain. One-way exchanges never get one.
type OutgoingChainInterceptor struct {
	Base
	factory OutChainFactory
	policy  *message.BackChannelPolicy
	logger  *slog.Logger
}

// NewOutgoingChainInterceptor creates the interceptor
func NewOutgoingChainInterceptor(factory OutChainFactory, logger *slog.Logger) *OutgoingChainInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutgoingChainInterceptor{
		Base:    NewBase(OutgoingChainName, phase.PostInvoke),
		factory: factory,
		policy:  &message.BackChannelPolicy{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// WithBackChannelPolicy sets the policy used to obtain back channels
func (i *OutgoingChainInterceptor) WithBackChannelPolicy(policy *message.BackChannelPolicy) *OutgoingChainInterceptor {
	i.policy = policy
	return i
}

// HandleMessage implements Interceptor
func (i *OutgoingChainInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	ex := msg.Exchange()
	if ex == nil || ex.IsOneWay() {
		return nil
	}
	out := ex.OutMessage()
	if out == nil {
		return nil
	}

	conduit, err := ex.BackChannel(i.policy, msg.GetString(message.ReplyToKey))
	if err != nil {
		return err
	}
	if conduit == nil {
		return fmt.Errorf("response for %s: %w", msg.ID(), message.ErrNoConduit)
	}

	chain, err := ex.OutChain(func() (message.Chain, error) {
		c, err := i.factory(ex)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return err
	}

	// Faults of the response are reported by the out chain's own observer.
	if err := chain.DoIntercept(ctx, out); err != nil {
		i.logger.Warn("response dispatch failed",
			"exchangeId", ex.ID(),
			"messageId", out.ID(),
			"error", err)
	}
	return nil
}
