package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copilotpool/internal/cache"
	"copilotpool/internal/core"
	"copilotpool/internal/session"
)

// fakeSessions serves sessions from a queue; each Acquire commits the next.
type fakeSessions struct {
	mu         sync.Mutex
	current    session.Session
	next       []session.Session
	acquires   int
	acquireErr error
}

func (f *fakeSessions) Acquire(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.acquireErr != nil {
		return f.acquireErr
	}
	if len(f.next) > 0 {
		f.current, f.next = f.next[0], f.next[1:]
	}
	return nil
}

func (f *fakeSessions) Current() session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSessions) CheckTelemetry() error {
	if f.Current().TelemetryEnabled {
		return session.ErrTelemetryEnabled
	}
	return nil
}

const chatBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1735689600,
	"model": "gpt-4o-2024-11-20",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
}`

type upstream struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) session(token string) session.Session {
	return session.Session{Token: token, APIBaseURL: u.srv.URL, Quotas: map[string]int{"chat": 10}}
}

func newTestClient(u *upstream, sessions Sessions, models cache.Cache) *Client {
	return NewClientWithHTTPClient(u.srv.Client(), sessions, DefaultConfig(), models)
}

func chatRequest(model string) *core.ChatRequest {
	return &core.ChatRequest{
		Model:    model,
		Messages: []core.Message{{Role: "user", Content: "hello"}},
	}
}

func TestChatCompletion_SendsSessionHeaders(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, DefaultIntegrationID, r.Header.Get("Copilot-Integration-Id"))
		assert.Equal(t, DefaultEditorVersion, r.Header.Get("Editor-Version"))
		assert.Equal(t, "conversation-panel", r.Header.Get("Openai-Intent"))
		assert.Equal(t, "github-copilot", r.Header.Get("Openai-Organization"))
		assert.Equal(t, "req-123", r.Header.Get("X-Request-Id"))

		var body core.ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4", body.Model)
		_, _ = w.Write([]byte(chatBody))
	})
	sessions := &fakeSessions{current: u.session("tok-1")}
	c := newTestClient(u, sessions, nil)

	ctx := core.WithRequestID(context.Background(), "req-123")
	resp, err := c.ChatCompletion(ctx, chatRequest("gpt-4"))
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "gpt-4", resp.Model, "equivalent upstream model is reported under the requested name")
	assert.Equal(t, 4, resp.Usage.TotalTokens)
	assert.Zero(t, sessions.acquires)
}

func TestChatCompletion_GeneratesRequestID(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Len(t, r.Header.Get("X-Request-Id"), 36)
		_, _ = w.Write([]byte(chatBody))
	})
	c := newTestClient(u, &fakeSessions{current: u.session("tok")}, nil)

	_, err := c.ChatCompletion(context.Background(), chatRequest("gpt-4o"))
	require.NoError(t, err)
}

func TestChatCompletion_KeepsUnrelatedModelName(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatBody))
	})
	c := newTestClient(u, &fakeSessions{current: u.session("tok")}, nil)

	resp, err := c.ChatCompletion(context.Background(), chatRequest("o1-mini"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-2024-11-20", resp.Model)
}

func TestChatCompletion_TelemetryGate(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatBody))
	})
	s := u.session("tok")
	s.TelemetryEnabled = true
	c := newTestClient(u, &fakeSessions{current: s}, nil)

	_, err := c.ChatCompletion(context.Background(), chatRequest("gpt-4"))

	var gwErr *core.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, core.ErrorTypeTelemetry, gwErr.Type)
	assert.Equal(t, http.StatusForbidden, gwErr.HTTPStatusCode())
	assert.ErrorIs(t, err, session.ErrTelemetryEnabled)
	assert.Zero(t, u.calls.Load(), "refused requests never reach upstream")
}

func TestChatCompletion_RetriesOnceAfterRefresh(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"token expired"}}`))
			return
		}
		_, _ = w.Write([]byte(chatBody))
	})
	sessions := &fakeSessions{current: u.session("stale"), next: []session.Session{u.session("fresh")}}
	c := newTestClient(u, sessions, nil)

	resp, err := c.ChatCompletion(context.Background(), chatRequest("gpt-4"))
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, 1, sessions.acquires)
	assert.Equal(t, int32(2), u.calls.Load())
}

func TestChatCompletion_SecondFailureIsReturned(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	})
	sessions := &fakeSessions{current: u.session("a"), next: []session.Session{u.session("b")}}
	c := newTestClient(u, sessions, nil)

	_, err := c.ChatCompletion(context.Background(), chatRequest("nope"))

	var gwErr *core.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusBadRequest, gwErr.HTTPStatusCode())
	assert.Equal(t, int32(2), u.calls.Load())
	assert.Equal(t, 1, sessions.acquires)
}

func TestChatCompletion_RefreshFailureReturnsOriginalError(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	sessions := &fakeSessions{current: u.session("a"), acquireErr: session.ErrAllExhausted}
	c := newTestClient(u, sessions, nil)

	_, err := c.ChatCompletion(context.Background(), chatRequest("gpt-4"))

	var gwErr *core.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, core.ErrorTypeAuthentication, gwErr.Type)
	assert.Equal(t, int32(1), u.calls.Load())
}

func TestChatCompletion_TelemetryAfterRefresh(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	next := u.session("b")
	next.TelemetryEnabled = true
	c := newTestClient(u, &fakeSessions{current: u.session("a"), next: []session.Session{next}}, nil)

	_, err := c.ChatCompletion(context.Background(), chatRequest("gpt-4"))
	assert.ErrorIs(t, err, session.ErrTelemetryEnabled)
	assert.Equal(t, int32(1), u.calls.Load())
}

func TestChatCompletion_AcquiresWhenNoSession(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatBody))
	})

	t.Run("loads first session", func(t *testing.T) {
		sessions := &fakeSessions{next: []session.Session{u.session("tok")}}
		c := newTestClient(u, sessions, nil)
		_, err := c.ChatCompletion(context.Background(), chatRequest("gpt-4"))
		require.NoError(t, err)
		assert.Equal(t, 1, sessions.acquires)
	})

	t.Run("pool unusable", func(t *testing.T) {
		sessions := &fakeSessions{acquireErr: session.ErrNoCredentials}
		c := newTestClient(u, sessions, nil)
		_, err := c.ChatCompletion(context.Background(), chatRequest("gpt-4"))

		var gwErr *core.GatewayError
		require.True(t, errors.As(err, &gwErr))
		assert.Equal(t, core.ErrorTypeUnavailable, gwErr.Type)
		assert.Equal(t, http.StatusServiceUnavailable, gwErr.HTTPStatusCode())
		assert.ErrorIs(t, err, session.ErrNoCredentials)
	})
}

const modelsBody = `{"object":"list","data":[{"id":"gpt-4o","object":"model","name":"GPT-4o","vendor":"Azure OpenAI"}]}`

func TestListModels_UsesCache(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "model-access", r.Header.Get("Openai-Intent"))
		_, _ = w.Write([]byte(modelsBody))
	})
	models := cache.NewLocalCache(filepath.Join(t.TempDir(), "models.json"))
	c := newTestClient(u, &fakeSessions{current: u.session("tok")}, models)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	first, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Data, 1)
	assert.Equal(t, "gpt-4o", first.Data[0].ID)

	second, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), u.calls.Load())

	now = now.Add(2 * DefaultModelsTTL)
	_, err = c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), u.calls.Load(), "stale listing is refetched")
}

func TestListModels_ZeroConfigExpiresCache(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(modelsBody))
	})
	models := cache.NewLocalCache(filepath.Join(t.TempDir(), "models.json"))
	c := NewClientWithHTTPClient(u.srv.Client(), &fakeSessions{current: u.session("tok")}, Config{}, models)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	_, err := c.ListModels(context.Background())
	require.NoError(t, err)

	now = now.Add(DefaultModelsTTL + time.Minute)
	_, err = c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), u.calls.Load())
}

func TestListModels_IgnoresCacheFromOtherEndpoint(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(modelsBody))
	})
	models := cache.NewLocalCache(filepath.Join(t.TempDir(), "models.json"))
	require.NoError(t, models.Set(context.Background(), &cache.ModelCache{
		UpdatedAt:  time.Now(),
		APIBaseURL: "https://elsewhere.example.com",
		Data:       json.RawMessage(`{"data":[{"id":"stale"}]}`),
	}))
	c := newTestClient(u, &fakeSessions{current: u.session("tok")}, models)

	got, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", got.Data[0].ID)
	assert.Equal(t, int32(1), u.calls.Load())
}

func TestListModels_ErrorNotCached(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	models := cache.NewLocalCache(filepath.Join(t.TempDir(), "models.json"))
	c := newTestClient(u, &fakeSessions{current: u.session("tok")}, models)

	_, err := c.ListModels(context.Background())
	require.Error(t, err)

	entry, err := models.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, entry)
}
