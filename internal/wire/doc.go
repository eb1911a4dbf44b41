// Package wire encodes and decodes the minimal HTTP/1.1 dialect spoken on the
// Firecracker API socket.
//
// Requests are assembled with a RequestBuilder and serialized verbatim.
// Responses are only ever parsed, never built, so the two directions are
// separate types that share the Header abstraction.
package wire
