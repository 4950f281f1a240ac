package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{"empty", "", nil, ""},
		{"literal", "/var/lib/copilotpool", nil, "/var/lib/copilotpool"},
		{"plain variable", "${HOME_DIR}/tokens", map[string]string{"HOME_DIR": "/home/pool"}, "/home/pool/tokens"},
		{"several variables", "redis://${REDIS_HOST}:${REDIS_PORT}/0", map[string]string{"REDIS_HOST": "cache", "REDIS_PORT": "6380"}, "redis://cache:6380/0"},
		{"default used when unset", "${COPILOT_API:-https://api.githubcopilot.com}/models", nil, "https://api.githubcopilot.com/models"},
		{"default used when empty", "${LOG_FORMAT_OVERRIDE:-json}", map[string]string{"LOG_FORMAT_OVERRIDE": ""}, "json"},
		{"env wins over default", "${LOG_FORMAT_OVERRIDE:-json}", map[string]string{"LOG_FORMAT_OVERRIDE": "pretty"}, "pretty"},
		{"default containing colon", "${EXCHANGE_URL:-http://localhost:8080}", nil, "http://localhost:8080"},
		{"empty default", "${MASTER_KEY_OVERRIDE:-}", nil, ""},
		{"unresolved kept", "${NOT_SET_ANYWHERE}", nil, "${NOT_SET_ANYWHERE}"},
		{"mixed", "${POOL_A}:${POOL_B:-b}:${POOL_C}", map[string]string{"POOL_A": "a"}, "a:b:${POOL_C}"},
		{"not a placeholder", "$HOME and ${1BAD}", nil, "$HOME and ${1BAD}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, expandString(tt.input))
		})
	}
}
