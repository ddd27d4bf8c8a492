// Package http builds HTTP clients for outbound exchange calls.
package http

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient creates an HTTP client configured for external API calls.
//
// http.DefaultClient carries no timeout, so outbound calls always go through
// this client. The transport is set explicitly to bound dial and handshake
// times and to keep a pool of idle connections under load.
func NewHTTPClient(timeout time.Duration) *http.Client {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: t}
}
