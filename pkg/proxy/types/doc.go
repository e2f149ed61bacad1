// Package types defines the normalized request and response the proxy core
// works on.
//
// The front end (net/http in this repository, but any HTTP parser will do)
// fills a Request once per inbound request. The protocol codecs read it to
// build the backend request and fill a Response from the backend's header
// block. Headers are kept in an ordered Header so that the order chosen by
// the client and the backend survives the round trip.
//
// # Core Types
//
//   - Request: method, URI, protocol version, authority, headers and the
//     connection facts the CGI environment needs
//   - Response: status, headers, content length and framing
//   - Header: ordered, case-insensitive multi-map of header fields
//   - ErrorResponse: JSON body sent when the gateway itself answers
//     (502, 503, 504)
package types
