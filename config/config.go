// Package config provides configuration management for the application.
//
// Values are resolved in this order, later winning: built-in defaults, an
// optional YAML file, a .env file in the working directory, and the process
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig
	Credentials CredentialsConfig
	Copilot     CopilotConfig
	Metrics     MetricsConfig
	Cache       CacheConfig
	Logging     LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
	// MasterKey protects the admin API. Empty disables authentication.
	MasterKey string
	// BodySizeLimit uses echo's size syntax, e.g. "1M".
	BodySizeLimit string
}

// CredentialsConfig controls the credential pool and rotation.
type CredentialsConfig struct {
	TokensDir           string
	DefaultRecovery     time.Duration
	MaxRotationAttempts int
}

// CopilotConfig holds upstream endpoints and the editor identity.
type CopilotConfig struct {
	APIURL              string
	TokenURL            string
	ExchangeTimeout     time.Duration
	CompletionTimeout   time.Duration
	IntegrationID       string
	EditorPluginVersion string
	EditorVersion       string
	UserAgent           string
	GitHubAPIVersion    string
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled  bool
	Endpoint string
}

// CacheConfig selects where the model listing is cached.
type CacheConfig struct {
	// Type is "local", "redis" or "none".
	Type string
	// Path is the local cache file. Empty means a file inside TokensDir.
	Path     string
	TTL      time.Duration
	RedisURL string
	RedisKey string
}

// LogConfig holds log output settings
type LogConfig struct {
	Format string
	Level  string
}

// ConfigFileEnv names the variable that points at a YAML config file.
const ConfigFileEnv = "COPILOTPOOL_CONFIG"

const defaultConfigFile = "config.yaml"

var defaults = map[string]any{
	"HOST":                   "127.0.0.1",
	"PORT":                   "5000",
	"MASTER_KEY":             "",
	"BODY_SIZE_LIMIT":        "1M",
	"TOKENS_DIR":             ".",
	"DEFAULT_RECOVERY":       "24h",
	"MAX_ROTATION_ATTEMPTS":  100,
	"COPILOT_API_URL":        "https://api.githubcopilot.com",
	"COPILOT_TOKEN_URL":      "https://api.github.com/copilot_internal/v2/token",
	"EXCHANGE_TIMEOUT":       "10s",
	"COMPLETION_TIMEOUT":     "30s",
	"COPILOT_INTEGRATION_ID": "vscode-chat",
	"EDITOR_PLUGIN_VERSION":  "copilot-chat/0.23.2",
	"EDITOR_VERSION":         "vscode/1.96.3",
	"COPILOT_USER_AGENT":     "GitHubCopilotChat/0.23.2",
	"GITHUB_API_VERSION":     "2024-12-15",
	"METRICS_ENABLED":        false,
	"METRICS_ENDPOINT":       "/metrics",
	"CACHE_TYPE":             "local",
	"CACHE_PATH":             "",
	"CACHE_TTL":              "1h",
	"REDIS_URL":              "",
	"REDIS_KEY":              "copilotpool:models",
	"LOG_FORMAT":             "pretty",
	"LOG_LEVEL":              "info",
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	// A missing .env is normal; existing variables are not overwritten.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	path, explicit := os.LookupEnv(ConfigFileEnv)
	if !explicit {
		path = defaultConfigFile
	}
	values, err := readYAML(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			values = nil
		} else {
			return nil, err
		}
	}
	if len(values) > 0 {
		if err := viper.MergeConfigMap(values); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	viper.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host:          viper.GetString("HOST"),
			Port:          viper.GetString("PORT"),
			MasterKey:     viper.GetString("MASTER_KEY"),
			BodySizeLimit: viper.GetString("BODY_SIZE_LIMIT"),
		},
		Credentials: CredentialsConfig{
			TokensDir:           viper.GetString("TOKENS_DIR"),
			DefaultRecovery:     viper.GetDuration("DEFAULT_RECOVERY"),
			MaxRotationAttempts: viper.GetInt("MAX_ROTATION_ATTEMPTS"),
		},
		Copilot: CopilotConfig{
			APIURL:              strings.TrimRight(viper.GetString("COPILOT_API_URL"), "/"),
			TokenURL:            viper.GetString("COPILOT_TOKEN_URL"),
			ExchangeTimeout:     viper.GetDuration("EXCHANGE_TIMEOUT"),
			CompletionTimeout:   viper.GetDuration("COMPLETION_TIMEOUT"),
			IntegrationID:       viper.GetString("COPILOT_INTEGRATION_ID"),
			EditorPluginVersion: viper.GetString("EDITOR_PLUGIN_VERSION"),
			EditorVersion:       viper.GetString("EDITOR_VERSION"),
			UserAgent:           viper.GetString("COPILOT_USER_AGENT"),
			GitHubAPIVersion:    viper.GetString("GITHUB_API_VERSION"),
		},
		Metrics: MetricsConfig{
			Enabled:  viper.GetBool("METRICS_ENABLED"),
			Endpoint: viper.GetString("METRICS_ENDPOINT"),
		},
		Cache: CacheConfig{
			Type:     strings.ToLower(viper.GetString("CACHE_TYPE")),
			Path:     viper.GetString("CACHE_PATH"),
			TTL:      viper.GetDuration("CACHE_TTL"),
			RedisURL: viper.GetString("REDIS_URL"),
			RedisKey: viper.GetString("REDIS_KEY"),
		},
		Logging: LogConfig{
			Format: strings.ToLower(viper.GetString("LOG_FORMAT")),
			Level:  viper.GetString("LOG_LEVEL"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Credentials.TokensDir == "":
		return errors.New("TOKENS_DIR must not be empty")
	case c.Credentials.MaxRotationAttempts <= 0:
		return fmt.Errorf("MAX_ROTATION_ATTEMPTS must be positive, got %d", c.Credentials.MaxRotationAttempts)
	case c.Credentials.DefaultRecovery <= 0:
		return errors.New("DEFAULT_RECOVERY must be a positive duration")
	case c.Copilot.ExchangeTimeout <= 0:
		return errors.New("EXCHANGE_TIMEOUT must be a positive duration")
	case c.Copilot.CompletionTimeout <= 0:
		return errors.New("COMPLETION_TIMEOUT must be a positive duration")
	case c.Copilot.APIURL == "" || c.Copilot.TokenURL == "":
		return errors.New("COPILOT_API_URL and COPILOT_TOKEN_URL must be set")
	}

	if c.Cache.Type != "none" && c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be a positive duration, got %s", c.Cache.TTL)
	}

	switch c.Cache.Type {
	case "local", "none":
	case "redis":
		if c.Cache.RedisURL == "" {
			return errors.New("REDIS_URL is required when CACHE_TYPE=redis")
		}
	default:
		return fmt.Errorf("unknown CACHE_TYPE %q (want local, redis or none)", c.Cache.Type)
	}

	switch c.Logging.Format {
	case "json", "pretty", "text":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q (want json or pretty)", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Endpoint, "/") {
		return fmt.Errorf("METRICS_ENDPOINT must start with '/', got %q", c.Metrics.Endpoint)
	}
	return nil
}

// readYAML loads a flat key/value YAML file. String values may reference
// the environment as ${VAR} or ${VAR:-default}.
func readYAML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	values := make(map[string]any, len(raw))
	for key, value := range raw {
		if s, ok := value.(string); ok {
			value = expandString(s)
		}
		values[strings.ToUpper(key)] = value
	}
	return values, nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString substitutes ${VAR} and ${VAR:-default}. A variable that is
// unset or empty takes its default; without a default the placeholder is
// left as is.
func expandString(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholder.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		if parts[2] != "" {
			return parts[3]
		}
		return match
	})
}
