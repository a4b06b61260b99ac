// Package reliability provides retry policies shared by the reliable
// messaging layer and the transports.
//
// ExponentialBackoff computes bounded retransmission delays; Retry drives a
// function until it succeeds, the policy gives up or the context ends.
package reliability
