// Package message provides the data model carried through interceptor chains.
//
// A Message is a property bag plus a typed content map: SetContent and
// Content store at most one value per Go type, so a message holds one active
// payload reader, one output sink, one fault, and so on. Put and SetContent
// overwrite, they never merge.
//
// An Exchange pairs an inbound message with its outbound and fault messages
// and owns all of them. Messages keep only a back-reference to their exchange.
//
// The transport contracts (Conduit, Destination, MessageObserver) live here as
// well so that transports and the chain engine agree on them without
// importing each other.
package message
