package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/matome/internal/config"
	matomeerrors "github.com/hyperjump/matome/internal/errors"
)

func TestOpenAIClient_Complete(t *testing.T) {
	var got chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"ok\":true}"}}]}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", JSONMode: true})
	require.NoError(t, err)
	out, err := c.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, DefaultOpenAIModel, got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestOpenAIClient_Errors(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	require.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "x")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.True(t, se.Temporary())
}

func TestAnthropicClient_Complete(t *testing.T) {
	var got messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"part one "},{"type":"tool_use"},{"type":"text","text":"part two"}]}`))
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "ak", BaseURL: srv.URL})
	require.NoError(t, err)
	out, err := c.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "part one part two", out)
	assert.Equal(t, DefaultAnthropicMaxTokens, got.MaxTokens)
}

func TestAnthropicClient_BadRequestNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "ak", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := AnthropicRetry()
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 6*time.Second, p.Backoff(4))
	assert.Equal(t, 1, OpenAIRetry().MaxAttempts)
	assert.Equal(t, 3, p.MaxAttempts)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(context.Canceled))
	assert.True(t, Retryable(errors.New("connection reset")))
	assert.True(t, Retryable(&StatusError{StatusCode: 503}))
	assert.False(t, Retryable(&StatusError{StatusCode: 401}))
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	var n int32
	client := ClientFunc(func(ctx context.Context, prompt string) (string, error) {
		if atomic.AddInt32(&n, 1) < 3 {
			return "", &StatusError{Provider: "fake", StatusCode: 529}
		}
		return "done", nil
	})
	p := NewPool(NewRateLimiter(2, 0, 0), client, RetryPolicy{MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	out, err := p.Call(context.Background(), RoleRelation, "x")
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&n))
}

func TestPool_ExhaustedIsClassifierCall(t *testing.T) {
	client := ClientFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("boom")
	})
	p := NewPool(nil, client, RetryPolicy{MaxAttempts: 2, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	_, err := p.Call(context.Background(), RoleJudge, "x")
	require.Error(t, err)
	assert.True(t, matomeerrors.Is(err, matomeerrors.ErrClassifierCall))
	assert.True(t, matomeerrors.Recoverable(err))
}

func TestPool_RoleBinding(t *testing.T) {
	def := ClientFunc(func(context.Context, string) (string, error) { return "default", nil })
	judge := ClientFunc(func(context.Context, string) (string, error) { return "judge", nil })
	p := NewPool(nil, def, OpenAIRetry(), WithRole(RoleJudge, judge, OpenAIRetry()))

	out, err := p.Call(context.Background(), RoleJudge, "x")
	require.NoError(t, err)
	assert.Equal(t, "judge", out)
	out, err = p.Call(context.Background(), RoleCluster, "x")
	require.NoError(t, err)
	assert.Equal(t, "default", out)
}

func TestPool_ConcurrencyBound(t *testing.T) {
	var inFlight, peak int32
	client := ClientFunc(func(ctx context.Context, prompt string) (string, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "ok", nil
	})
	p := NewPool(NewRateLimiter(3, 0, 0), client, OpenAIRetry())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Call(context.Background(), RoleCluster, "x")
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Equal(t, 0, p.Limiter().InFlight())
}

func TestRateLimiter_ContextCancel(t *testing.T) {
	l := NewRateLimiter(1, 0, 0)
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClient(t *testing.T) {
	_, policy, err := NewClient(config.ProviderConfig{Provider: "anthropic", APIKey: "k", MaxAttempts: 5}, true)
	require.NoError(t, err)
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 6*time.Second, policy.MaxBackoff)

	_, _, err = NewClient(config.ProviderConfig{Provider: "bogus", APIKey: "k"}, true)
	require.Error(t, err)
}

func TestNewPoolFromConfig(t *testing.T) {
	cfg := config.LLMConfig{
		Concurrency: 4,
		Default:     config.ProviderConfig{Provider: "openai", APIKey: "k"},
		Roles: map[string]config.ProviderConfig{
			"judge": {Provider: "anthropic", APIKey: "a"},
		},
	}
	p, err := NewPoolFromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Limiter().Capacity())
	_, ok := p.roles[RoleJudge].client.(*AnthropicClient)
	assert.True(t, ok)
	_, ok = p.binding(RoleCluster).client.(*OpenAIClient)
	assert.True(t, ok)
}
