// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
//
// # Error Envelope
//
// All services on the network report failures with the same JSON body:
//
//	{"errors": [{"reason": "...", "field": "..."}]}
//
// The field member is present only for validation failures tied to a
// specific request field.
//
// # Related Packages
//
//   - pkg/middleware: authorization failures mapped onto the envelope
//   - pkg/webhooks: subscription validation errors
package httputil
