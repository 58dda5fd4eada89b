package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/matome/internal/config"
	matomeerrors "github.com/hyperjump/matome/internal/errors"
)

// Role names a call site. Each role may use its own provider; all share one limiter.
type Role string

const (
	RoleRelation   Role = "relation"
	RoleSynthesize Role = "synthesize"
	RoleCluster    Role = "cluster"
	RoleSummarize  Role = "summarize"
	RoleJudge      Role = "judge"
)

// Roles lists every call site.
var Roles = []Role{RoleRelation, RoleSynthesize, RoleCluster, RoleSummarize, RoleJudge}

type binding struct {
	client Client
	policy RetryPolicy
}

// Pool routes prompts to per-role clients behind a shared RateLimiter and retries failures.
type Pool struct {
	limiter  *RateLimiter
	fallback binding
	roles    map[Role]binding
	logger   *zap.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the logger for retry warnings.
func WithLogger(logger *zap.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// WithRole binds role to client with policy.
func WithRole(role Role, client Client, policy RetryPolicy) PoolOption {
	return func(p *Pool) { p.roles[role] = binding{client: client, policy: policy} }
}

// NewPool creates a pool whose roles default to client with policy.
func NewPool(limiter *RateLimiter, client Client, policy RetryPolicy, opts ...PoolOption) *Pool {
	if limiter == nil {
		limiter = NewRateLimiter(config.DefaultConcurrency, 0, 0)
	}
	p := &Pool{
		limiter:  limiter,
		fallback: binding{client: client, policy: policy},
		roles:    make(map[Role]binding),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewPoolFromConfig builds provider clients for every role in cfg.
func NewPoolFromConfig(cfg config.LLMConfig, logger *zap.Logger) (*Pool, error) {
	limiter := NewRateLimiter(cfg.Concurrency, cfg.RequestsPerSecond, cfg.Burst)
	def, defPolicy, err := NewClient(cfg.Default, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create default llm client: %w", err)
	}
	opts := []PoolOption{WithLogger(logger)}
	for _, role := range Roles {
		if _, ok := cfg.Roles[string(role)]; !ok {
			continue
		}
		client, policy, err := NewClient(cfg.Role(string(role)), true)
		if err != nil {
			return nil, fmt.Errorf("failed to create llm client for role %s: %w", role, err)
		}
		opts = append(opts, WithRole(role, client, policy))
	}
	return NewPool(limiter, def, defPolicy, opts...), nil
}

// NewClient creates a provider adapter and its retry policy, applying config overrides.
func NewClient(pc config.ProviderConfig, jsonMode bool) (Client, RetryPolicy, error) {
	var (
		client Client
		policy RetryPolicy
		err    error
	)
	switch pc.Provider {
	case "", "openai":
		policy = OpenAIRetry()
		client, err = NewOpenAIClient(OpenAIConfig{
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			Timeout:     pc.Timeout,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
			JSONMode:    jsonMode,
		})
	case "anthropic":
		policy = AnthropicRetry()
		client, err = NewAnthropicClient(AnthropicConfig{
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			Timeout:     pc.Timeout,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
		})
	default:
		return nil, RetryPolicy{}, fmt.Errorf("unknown llm provider: %s", pc.Provider)
	}
	if err != nil {
		return nil, RetryPolicy{}, err
	}
	if pc.MaxAttempts > 0 {
		policy.MaxAttempts = pc.MaxAttempts
	}
	if pc.MinBackoff > 0 {
		policy.MinBackoff = pc.MinBackoff
	}
	if pc.MaxBackoff > 0 {
		policy.MaxBackoff = pc.MaxBackoff
	}
	return client, policy, nil
}

// Limiter returns the shared limiter.
func (p *Pool) Limiter() *RateLimiter {
	return p.limiter
}

func (p *Pool) binding(role Role) binding {
	if b, ok := p.roles[role]; ok {
		return b
	}
	return p.fallback
}

// Call sends prompt to role's client. A permit is held only while a request is in flight,
// not during backoff. Failures after the last attempt are CLASSIFIER_CALL errors.
func (p *Pool) Call(ctx context.Context, role Role, prompt string) (string, error) {
	b := p.binding(role)
	if b.client == nil {
		return "", matomeerrors.NewClassifierCall(string(role), fmt.Errorf("no client configured"))
	}
	attempts := b.policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		release, err := p.limiter.Acquire(ctx)
		if err != nil {
			return "", matomeerrors.NewClassifierCall(string(role), err)
		}
		start := time.Now()
		out, err := b.client.Complete(ctx, prompt)
		release()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == attempts || !Retryable(err) {
			break
		}
		wait := b.policy.Backoff(attempt)
		if p.logger != nil {
			p.logger.Warn("llm call failed, retrying",
				zap.String("role", string(role)),
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", time.Since(start)),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}
		if err := sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}
	return "", matomeerrors.NewClassifierCall(string(role), lastErr)
}
