// Package copilot talks to GitHub Copilot: it trades stored GitHub tokens
// for session tokens and sends completion and model requests with them.
package copilot

import "time"

// Defaults mirror the VS Code Copilot Chat extension the upstream expects.
const (
	DefaultTokenURL            = "https://api.github.com/copilot_internal/v2/token"
	DefaultAPIURL              = "https://api.githubcopilot.com"
	DefaultIntegrationID       = "vscode-chat"
	DefaultEditorPluginVersion = "copilot-chat/0.23.2"
	DefaultEditorVersion       = "vscode/1.96.3"
	DefaultUserAgent           = "GitHubCopilotChat/0.23.2"
	DefaultGitHubAPIVersion    = "2024-12-15"
	DefaultExchangeTimeout     = 10 * time.Second
	DefaultCompletionTimeout   = 30 * time.Second
	DefaultModelsTTL           = time.Hour

	intentCompletions = "conversation-panel"
	intentModels      = "model-access"
	organization      = "github-copilot"
)

// Config holds the upstream endpoints and the editor identity sent with
// every request.
type Config struct {
	TokenURL            string
	IntegrationID       string
	EditorPluginVersion string
	EditorVersion       string
	UserAgent           string
	GitHubAPIVersion    string
	ExchangeTimeout     time.Duration
	CompletionTimeout   time.Duration
	// ModelsTTL bounds how long a cached model listing is reused.
	ModelsTTL time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		TokenURL:            DefaultTokenURL,
		IntegrationID:       DefaultIntegrationID,
		EditorPluginVersion: DefaultEditorPluginVersion,
		EditorVersion:       DefaultEditorVersion,
		UserAgent:           DefaultUserAgent,
		GitHubAPIVersion:    DefaultGitHubAPIVersion,
		ExchangeTimeout:     DefaultExchangeTimeout,
		CompletionTimeout:   DefaultCompletionTimeout,
		ModelsTTL:           DefaultModelsTTL,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TokenURL == "" {
		c.TokenURL = d.TokenURL
	}
	if c.IntegrationID == "" {
		c.IntegrationID = d.IntegrationID
	}
	if c.EditorPluginVersion == "" {
		c.EditorPluginVersion = d.EditorPluginVersion
	}
	if c.EditorVersion == "" {
		c.EditorVersion = d.EditorVersion
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.GitHubAPIVersion == "" {
		c.GitHubAPIVersion = d.GitHubAPIVersion
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = d.ExchangeTimeout
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = d.CompletionTimeout
	}
	if c.ModelsTTL <= 0 {
		c.ModelsTTL = d.ModelsTTL
	}
	return c
}
