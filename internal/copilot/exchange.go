package copilot

import (
	"context"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"copilotpool/internal/core"
	"copilotpool/internal/httpclient"
	"copilotpool/internal/llmclient"
	"copilotpool/internal/session"
)

const exchangeProvider = "github"

// TokenExchanger trades a stored GitHub token for a Copilot session token.
// A failed exchange is not retried here; the session manager moves on to
// the next credential instead.
type TokenExchanger struct {
	client  *llmclient.Client
	cfg     Config
	timeout time.Duration
}

var _ session.Exchanger = (*TokenExchanger)(nil)

// NewTokenExchanger creates an exchanger with its own bounded HTTP client.
func NewTokenExchanger(cfg Config) *TokenExchanger {
	cfg = cfg.withDefaults()
	httpCfg := httpclient.DefaultConfig().WithTimeout(cfg.ExchangeTimeout)
	return NewTokenExchangerWithHTTPClient(httpclient.NewHTTPClient(&httpCfg), cfg)
}

// NewTokenExchangerWithHTTPClient creates an exchanger over httpClient.
func NewTokenExchangerWithHTTPClient(httpClient *http.Client, cfg Config) *TokenExchanger {
	cfg = cfg.withDefaults()
	e := &TokenExchanger{cfg: cfg, timeout: cfg.ExchangeTimeout}
	e.client = llmclient.NewWithHTTPClient(httpClient, llmclient.Config{ProviderName: exchangeProvider, BaseURL: cfg.TokenURL}, e.setHeaders)
	return e
}

func (e *TokenExchanger) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Editor-Plugin-Version", e.cfg.EditorPluginVersion)
	req.Header.Set("Editor-Version", e.cfg.EditorVersion)
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("X-Github-Api-Version", e.cfg.GitHubAPIVersion)
}

// Exchange performs the token exchange for secret.
func (e *TokenExchanger) Exchange(ctx context.Context, secret string) (*session.Exchange, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.DoRaw(ctx, llmclient.Request{
		Method:  http.MethodGet,
		Headers: map[string]string{"Authorization": "token " + secret},
	})
	if err != nil {
		return nil, err
	}
	return parseExchange(resp.Body)
}

// parseExchange reads the fields the session needs from an exchange body.
// Unknown fields are ignored.
func parseExchange(body []byte) (*session.Exchange, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewProviderError(exchangeProvider, http.StatusBadGateway, "token exchange returned invalid JSON", nil)
	}
	doc := gjson.ParseBytes(body)

	token := doc.Get("token").String()
	if token == "" {
		return nil, core.NewProviderError(exchangeProvider, http.StatusBadGateway, "token exchange response has no token", nil)
	}

	ex := &session.Exchange{
		Token:  token,
		Quotas: make(map[string]int),
		// Accounts that never opted out report nothing; treat that as enabled.
		Telemetry: doc.Get("telemetry").String() != "disabled",
		APIURL:    doc.Get("endpoints.api").String(),
	}
	// Only numeric entries are quotas. A null or string "chat" is treated
	// like a missing key rather than as zero.
	doc.Get("limited_user_quotas").ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Number {
			ex.Quotas[key.String()] = int(value.Int())
		}
		return true
	})
	if reset := doc.Get("limited_user_reset_date").Int(); reset > 0 {
		ex.ResetAt = time.Unix(reset, 0)
	}
	return ex, nil
}
