// Package tlsutil provides the hardened TLS configuration shared by every
// outbound provider HTTP client: TLS 1.2 minimum, AEAD-only cipher suites.
// Provider profiles that point at a local, self-signed, or plain-HTTP
// endpoint (lmstudio-http run behind a dev reverse proxy, for instance)
// need to relax verification without losing the shared transport tuning,
// so every constructor here takes an Options rather than assuming every
// upstream presents a CA-verifiable certificate.
package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// Options lets a caller opt a single client out of certificate
// verification while keeping everything else (cipher suites, connection
// pooling, timeouts) at the hardened default.
type Options struct {
	// InsecureSkipVerify should only be set for providers the operator
	// has explicitly marked as local/self-signed in the provider's
	// config.v2.json (insecureSkipVerify); it is
	// never the default for an internet-facing provider profile.
	InsecureSkipVerify bool
}

// DefaultTLSConfig returns a hardened TLS configuration.
// MinVersion TLS 1.2, AEAD-only cipher suites.
func DefaultTLSConfig(opts Options) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
}

// SecureTransport returns an http.Transport with TLS hardening.
func SecureTransport(opts Options) *http.Transport {
	return &http.Transport{
		TLSClientConfig: DefaultTLSConfig(opts),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// SecureHTTPClient returns an http.Client with TLS hardening.
func SecureHTTPClient(timeout time.Duration, opts Options) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: SecureTransport(opts),
	}
}
