// Package observability builds the loggers and Prometheus metrics shared by
// the relay packages.
package observability
