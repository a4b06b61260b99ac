// Package rabbitmq holds the broker plumbing the AMQP transport is built on.
//
// ConnectionManager owns one connection and re-dials it with exponential
// backoff when the broker drops it. Publisher sends on a confirm-mode
// channel and waits for the broker to acknowledge each message.
package rabbitmq
