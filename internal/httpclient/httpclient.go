// Package httpclient builds the pooled HTTP clients used for outbound API calls.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// New returns an HTTP client with connection pooling. A zero timeout means
// no overall deadline: the request relies on dial/TLS timeouts and ctx.
func New(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
