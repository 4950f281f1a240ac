// Package llmclient sends single JSON requests to Copilot endpoints and maps
// failures onto core.GatewayError. It never retries: callers decide whether a
// failed call is worth another attempt (the session manager rotates, the
// completions client refreshes the session once).
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"copilotpool/internal/core"
	"copilotpool/internal/httpclient"
)

// maxResponseBytes bounds how much of an upstream body is read before decoding.
const maxResponseBytes = 16 << 20

// Config holds configuration for the client
type Config struct {
	// ProviderName labels errors and log lines.
	ProviderName string
	// BaseURL is the default API base URL; Request.BaseURL overrides it per call.
	BaseURL string
}

// HeaderSetter sets the headers shared by every request of a client.
type HeaderSetter func(req *http.Request)

// Client is a base HTTP client for Copilot endpoints
type Client struct {
	httpClient   *http.Client
	config       Config
	headerSetter HeaderSetter
}

// New creates a client over the shared pooled transport.
func New(config Config, headerSetter HeaderSetter) *Client {
	return NewWithHTTPClient(httpclient.NewDefaultHTTPClient(), config, headerSetter)
}

// NewWithHTTPClient creates a client over httpClient.
func NewWithHTTPClient(httpClient *http.Client, config Config, headerSetter HeaderSetter) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient:   httpClient,
		config:       config,
		headerSetter: headerSetter,
	}
}

// BaseURL returns the default base URL
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Request describes one upstream call.
type Request struct {
	Method   string
	BaseURL  string // overrides Config.BaseURL when set
	Endpoint string
	Body     any // JSON-encoded when not nil
	Headers  map[string]string
}

// Response is a decoded upstream reply with a 200 status.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends req and unmarshals a successful body into result (when non-nil).
func (c *Client) Do(ctx context.Context, req Request, result any) error {
	resp, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, result); err != nil {
		return core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to unmarshal response: "+err.Error(), err)
	}
	return nil
}

// DoRaw sends req once. Any status other than 200 becomes a *core.GatewayError
// parsed from the upstream body.
func (c *Client) DoRaw(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewProviderError(c.config.ProviderName, http.StatusGatewayTimeout, "request canceled: "+ctx.Err().Error(), err)
		}
		return nil, core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to send request: "+err.Error(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to read response: "+err.Error(), err)
	}
	body, err = decodeBody(body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, "failed to decode response: "+err.Error(), err)
	}

	slog.Debug("upstream call",
		"provider", c.config.ProviderName,
		"method", httpReq.Method,
		"path", httpReq.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, core.ParseProviderError(c.config.ProviderName, resp.StatusCode, body, nil)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	base := c.config.BaseURL
	if req.BaseURL != "" {
		base = req.BaseURL
	}

	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to marshal request", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, base+req.Endpoint, body)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to create request", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	return httpReq, nil
}
