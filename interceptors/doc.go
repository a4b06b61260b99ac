// Package interceptors provides the phase-ordered interceptor chain.
//
// An Interceptor is bound to a named phase and may declare ordering
// constraints against peers of the same phase. PhaseChain resolves the
// phases into one execution order and drives a message through it:
//
//	chain := interceptors.NewPhaseChain(manager.Phases(phase.In),
//		interceptors.WithName("in"),
//		interceptors.WithLogger(logger))
//	if err := chain.Add(
//		interceptors.NewMustUnderstandInterceptor(),
//		interceptors.NewLoggingInterceptor(phase.PreInvoke, logger),
//		invoker,
//	); err != nil {
//		return err
//	}
//	err := chain.DoIntercept(ctx, msg)
//
// An interceptor may pause the chain; DoIntercept then returns nil with the
// chain in StatePaused and Resume continues after the pausing interceptor.
// A returned error faults the chain: every interceptor that completed gets
// HandleFault in reverse order and the fault observer is notified once.
//
// Built-in interceptors:
//   - MustUnderstandInterceptor: header consensus for mandatory headers
//   - OutgoingChainInterceptor: dispatches the response of two-way exchanges
//   - MessageSenderInterceptor / MessageSenderEndingInterceptor: conduit sink handling
//   - DeflateInterceptor / InflateInterceptor: payload compression
//   - FilteringInterceptor, ConditionalInterceptor, RetryInterceptor, LoggingInterceptor
package interceptors
