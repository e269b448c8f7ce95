// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request as seen by the proxy core.
// Scheme and Host describe how the client reached the proxy and are used
// to build the proxy's own authorization realm. RawQuery is forwarded
// verbatim; Query is its parsed form.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Scheme   string
	Host     string
	Path     string
	RawQuery string
	Query    url.Values
	Header   http.Header
	Body     io.ReadCloser
}

// ProxyResponse represents an upstream (or token realm) response to be
// streamed back to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Close releases the response body, if any.
func (r *ProxyResponse) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}
