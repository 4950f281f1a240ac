package copilot

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"copilotpool/internal/cache"
	"copilotpool/internal/core"
	"copilotpool/internal/httpclient"
	"copilotpool/internal/llmclient"
	"copilotpool/internal/session"
)

const (
	providerName     = "copilot"
	defaultChatModel = "gpt-4"

	telemetryMessage = "telemetry is enabled for this Copilot account; disable it at https://github.com/settings/copilot"
)

// Sessions is the part of the session manager the client depends on.
type Sessions interface {
	Acquire(ctx context.Context) error
	Current() session.Session
	CheckTelemetry() error
}

// Client sends completion and model requests using the current session.
type Client struct {
	sessions Sessions
	client   *llmclient.Client
	cfg      Config
	models   cache.Cache
	now      func() time.Time
}

// NewClient creates a Client. models may be nil to disable listing cache.
func NewClient(sessions Sessions, cfg Config, models cache.Cache) *Client {
	cfg = cfg.withDefaults()
	httpCfg := httpclient.DefaultConfig().WithTimeout(cfg.CompletionTimeout)
	return NewClientWithHTTPClient(httpclient.NewHTTPClient(&httpCfg), sessions, cfg, models)
}

// NewClientWithHTTPClient creates a Client over httpClient.
func NewClientWithHTTPClient(httpClient *http.Client, sessions Sessions, cfg Config, models cache.Cache) *Client {
	c := &Client{
		sessions: sessions,
		cfg:      cfg.withDefaults(),
		models:   models,
		now:      time.Now,
	}
	// Retrying is done once, after a session refresh, in ChatCompletion.
	c.client = llmclient.NewWithHTTPClient(httpClient, llmclient.Config{ProviderName: providerName, BaseURL: DefaultAPIURL}, c.setHeaders)
	return c
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Copilot-Integration-Id", c.cfg.IntegrationID)
	req.Header.Set("Editor-Plugin-Version", c.cfg.EditorPluginVersion)
	req.Header.Set("Editor-Version", c.cfg.EditorVersion)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("X-Github-Api-Version", c.cfg.GitHubAPIVersion)
	req.Header.Set("Openai-Organization", organization)
	req.Header.Set("Accept-Encoding", llmclient.AcceptEncoding)

	requestID := core.GetRequestID(req.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-Id", requestID)
}

// ensureSession loads a session if none has been committed yet.
func (c *Client) ensureSession(ctx context.Context) (session.Session, error) {
	s := c.sessions.Current()
	if s.Valid() {
		return s, nil
	}
	if err := c.sessions.Acquire(ctx); err != nil {
		return s, core.NewUnavailableError("no usable Copilot session: "+err.Error(), err)
	}
	return c.sessions.Current(), nil
}

func (c *Client) checkTelemetry() error {
	if err := c.sessions.CheckTelemetry(); err != nil {
		return core.NewTelemetryError(telemetryMessage, err)
	}
	return nil
}

func sessionRequest(s session.Session, method, endpoint, intent string, body any) llmclient.Request {
	return llmclient.Request{
		Method:   method,
		BaseURL:  s.APIBaseURL,
		Endpoint: endpoint,
		Body:     body,
		Headers: map[string]string{
			"Authorization": "Bearer " + s.Token,
			"Openai-Intent": intent,
		},
	}
}

// ChatCompletion sends req upstream. Requests are refused while the
// session's account has telemetry on. A failed request is retried once
// after the session is refreshed.
func (c *Client) ChatCompletion(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	s, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.checkTelemetry(); err != nil {
		return nil, err
	}

	requested := req.Model
	if requested == "" {
		requested = defaultChatModel
	}

	resp, err := c.client.DoRaw(ctx, sessionRequest(s, http.MethodPost, "/chat/completions", intentCompletions, req))
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("completion failed, refreshing session", "error", err)
		if acquireErr := c.sessions.Acquire(ctx); acquireErr != nil {
			slog.Warn("session refresh failed", "error", acquireErr)
			return nil, err
		}
		if err := c.checkTelemetry(); err != nil {
			return nil, err
		}
		resp, err = c.client.DoRaw(ctx, sessionRequest(c.sessions.Current(), http.MethodPost, "/chat/completions", intentCompletions, req))
		if err != nil {
			return nil, err
		}
	}

	var out core.ChatResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, core.NewProviderError(providerName, http.StatusBadGateway, "failed to unmarshal response: "+err.Error(), err)
	}
	if out.Model != "" && sameModel(requested, out.Model) {
		out.Model = requested
	}
	return &out, nil
}

// ListModels returns the models available to the current session. A cached
// listing from the same endpoint is reused until it is older than ModelsTTL.
func (c *Client) ListModels(ctx context.Context) (*core.ModelsResponse, error) {
	s, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	if cached := c.cachedModels(ctx, s.APIBaseURL); cached != nil {
		return cached, nil
	}

	resp, err := c.client.DoRaw(ctx, sessionRequest(s, http.MethodGet, "/models", intentModels, nil))
	if err != nil {
		return nil, err
	}
	var out core.ModelsResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, core.NewProviderError(providerName, http.StatusBadGateway, "failed to unmarshal models: "+err.Error(), err)
	}

	if c.models != nil {
		entry := &cache.ModelCache{UpdatedAt: c.now(), APIBaseURL: s.APIBaseURL, Data: resp.Body}
		if err := c.models.Set(ctx, entry); err != nil {
			slog.Warn("failed to cache model listing", "error", err)
		}
	}
	return &out, nil
}

func (c *Client) cachedModels(ctx context.Context, baseURL string) *core.ModelsResponse {
	if c.models == nil {
		return nil
	}
	entry, err := c.models.Get(ctx)
	if err != nil {
		slog.Warn("failed to read model cache", "error", err)
		return nil
	}
	if !entry.Fresh(c.cfg.ModelsTTL, c.now()) || entry.APIBaseURL != baseURL {
		return nil
	}
	var out core.ModelsResponse
	if err := json.Unmarshal(entry.Data, &out); err != nil {
		slog.Warn("discarding unreadable model cache", "error", err)
		return nil
	}
	return &out
}
