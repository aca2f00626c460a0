// Package tlsutil builds http.Client instances hardened for outbound calls
// to third-party LLM provider APIs.
package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// SecureHTTPClient returns an http.Client with a minimum TLS version floor,
// connection pooling tuned for fan-out across multiple provider calls, and
// the given overall request timeout. timeout<=0 leaves the client with no
// per-request deadline; callers are expected to pass a context deadline
// instead in that case.
func SecureHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
