// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
// RawQuery is carried verbatim; the query string is never re-encoded.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// UpstreamResponse represents a single raw upstream response as returned
// by the client for one key attempt.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ProxyResult is the outcome of the failover loop, handed to the HTTP
// handler for delivery. Exactly one of Body and Stream is populated:
// buffered replies carry Body, a committed stream relay carries Stream
// with the upstream headers verbatim.
type ProxyResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

// Streaming reports whether the result must be relayed incrementally.
func (r *ProxyResult) Streaming() bool {
	return r.Stream != nil
}
