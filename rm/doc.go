// Package rm implements reliable messaging over interceptor chains.
//
// A SourceSequence numbers the messages sent to one target; every number is
// kept in a retransmission queue until the destination acknowledges it, and
// resent with bounded exponential backoff. A DestinationSequence records the
// acknowledged ranges of what it has delivered, discards duplicates, holds
// messages that arrive ahead of their predecessors and reports when the
// sequence is complete.
//
// The Manager owns both kinds of sequences and the retransmission scheduler.
// Its interceptors are added to the outbound and inbound chains:
//
//	out: OutInterceptor (pre-logical), CaptureInterceptor (pre-stream),
//	     CodecOutInterceptor (pre-protocol)
//	in:  CodecInInterceptor (pre-protocol), InInterceptor (pre-logical),
//	     DeliveryInterceptor (post-invoke)
package rm
