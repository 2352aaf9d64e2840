// Package tlsutil provides the centralized TLS configuration used by every
// outbound provider HTTP client: TLS 1.2+, AEAD-only cipher suites.
package tlsutil
