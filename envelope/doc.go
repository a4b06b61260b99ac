// Package envelope reads and writes the XML envelope carried on the wire.
//
// An envelope has an optional Header holding protocol headers (addressing
// headers plus any header records other interceptors add) and a Body holding
// either the application payload or a fault. ReadHeadersInterceptor decodes
// inbound envelopes in the read phase; WriterInterceptor encodes outbound
// envelopes into the conduit sink in the write phase.
package envelope
