// Package httpclient builds *http.Client instances with consistent
// timeout/transport settings, plus a RoundTripper that stamps every outbound
// request with correlation and tracing headers and redacts sensitive fields
// before they reach a trace span.
package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"
)

// ClientConfig controls transport-level behavior of an http.Client.
type ClientConfig struct {
	Timeout                 time.Duration
	MaxRetries              int
	DisableSSLVerification  bool
	MaxIdleConns            int
	IdleConnTimeout         time.Duration
	TLSHandshakeTimeout     time.Duration
	ResponseHeaderTimeout   time.Duration
}

// DefaultClientConfig matches the general-purpose outbound HTTP defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		MaxRetries:            3,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
}

// FHIRClientConfig is tuned to the emr.request_timeout_ms config knob
// (default 30000ms) used by the FHIR R4 adapter.
func FHIRClientConfig(timeout time.Duration) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Timeout = timeout
	cfg.ResponseHeaderTimeout = timeout / 2
	cfg.MaxIdleConns = 20
	return cfg
}

// SyncBackendClientConfig is tuned for the mobile-to-backend sync envelope
// exchange, where the per-operation hard timeout is 30s (spec §4.5).
func SyncBackendClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		MaxRetries:            0, // retries are owned by the Sync Orchestrator's backoff, not the transport
		MaxIdleConns:          10,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
}

// NewClient builds an *http.Client honoring cfg. TLS 1.3 is required per
// spec §6; older versions are rejected at the transport level.
func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS13,
			InsecureSkipVerify: cfg.DisableSSLVerification,
		},
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

// NewClientWithTimeout is a convenience wrapper for the common case of only
// overriding the timeout.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	cfg := DefaultClientConfig()
	cfg.Timeout = timeout
	return NewClient(cfg)
}

// NewDefaultClient returns a client built from DefaultClientConfig.
func NewDefaultClient() *http.Client {
	return NewClient(DefaultClientConfig())
}
