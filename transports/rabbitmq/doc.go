// Package rabbitmq implements a RabbitMQ transport.
//
// Addresses have the form "amqp:<queue>". A Conduit publishes envelopes
// with publisher confirms to the default exchange, routed to the target
// queue; protocol headers travel as AMQP headers. A Destination declares
// its queue and polls it with basic.get from a pool of workers; a response
// is published to the queue named by the request's reply address.
package rabbitmq
