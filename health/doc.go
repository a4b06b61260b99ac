// Package health aggregates component checks into a node report served
// over HTTP. Checkers cover broker connectivity and the reliable messaging
// retransmission backlog.
package health
