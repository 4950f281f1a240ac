// Package httpclient builds the pooled *http.Client used for Copilot calls.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig tunes the transport and the overall request bound.
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Timeout bounds a whole request, body included.
	Timeout               time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
}

// DefaultConfig returns a ClientConfig with defaults suited to Copilot
// completion calls. Token exchanges use WithTimeout to tighten the bound.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		Timeout:               120 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
	}
}

// WithTimeout returns a copy of the config whose overall, dial and header
// timeouts are capped at d. A non-positive d leaves the config unchanged.
func (c ClientConfig) WithTimeout(d time.Duration) ClientConfig {
	if d <= 0 {
		return c
	}
	c.Timeout = d
	c.ResponseHeaderTimeout = capDuration(c.ResponseHeaderTimeout, d)
	c.DialTimeout = capDuration(c.DialTimeout, d)
	return c
}

func capDuration(v, limit time.Duration) time.Duration {
	if v == 0 || v > limit {
		return limit
	}
	return v
}

// NewHTTPClient creates a client from config, or from DefaultConfig when nil.
func NewHTTPClient(config *ClientConfig) *http.Client {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          cfg.MaxIdleConns,
			MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:       cfg.IdleConnTimeout,
			TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
			ForceAttemptHTTP2:     true,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// NewDefaultHTTPClient creates a client with DefaultConfig.
func NewDefaultHTTPClient() *http.Client {
	return NewHTTPClient(nil)
}
