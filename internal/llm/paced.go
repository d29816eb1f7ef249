package llm

import (
	"context"
	"time"

	"github.com/sagecode/sage/internal/observability"
	"github.com/sagecode/sage/internal/ratelimit"
	"github.com/sagecode/sage/internal/retry"
	"github.com/sagecode/sage/pkg/models"
)

// PacedProvider wraps a Provider with the rate limiter and retry policy.
// Each retry attempt re-acquires the limiter, so backoff sleeps never hold a
// concurrency permit.
type PacedProvider struct {
	inner   Provider
	limiter *ratelimit.Limiter
	retry   retry.Config
	metrics *observability.Metrics
	log     *observability.Logger
}

// NewPaced wraps inner with pacing. A zero-attempt retry config falls back
// to the default policy. metrics may be nil.
func NewPaced(inner Provider, limiter *ratelimit.Limiter, retryCfg retry.Config, metrics *observability.Metrics, log *observability.Logger) *PacedProvider {
	if retryCfg.MaxAttempts <= 0 {
		retryCfg = retry.DefaultConfig()
	}
	if retryCfg.Retryable == nil {
		retryCfg.Retryable = IsRetryable
	}
	return &PacedProvider{
		inner:   inner,
		limiter: limiter,
		retry:   retryCfg,
		metrics: metrics,
		log:     log,
	}
}

func (p *PacedProvider) Name() string      { return p.inner.Name() }
func (p *PacedProvider) ModelName() string { return p.inner.ModelName() }

func (p *PacedProvider) Chat(ctx context.Context, messages []models.Message, tools []models.ToolSpec) (*models.Response, error) {
	return p.call(ctx, messages, tools, p.inner.Chat)
}

func (p *PacedProvider) StreamChat(ctx context.Context, messages []models.Message, tools []models.ToolSpec) (*models.Response, error) {
	return p.call(ctx, messages, tools, p.inner.StreamChat)
}

func (p *PacedProvider) call(ctx context.Context, messages []models.Message, tools []models.ToolSpec, fn func(context.Context, []models.Message, []models.ToolSpec) (*models.Response, error)) (*models.Response, error) {
	return retry.DoWithValue(ctx, p.retry, func() (*models.Response, error) {
		guard, err := p.acquire(ctx, models.EstimateTokens(messages))
		if err != nil {
			return nil, err
		}
		defer guard.Release()

		start := time.Now()
		resp, err := fn(ctx, messages, tools)
		p.record(resp, err, time.Since(start))
		return resp, err
	})
}

// acquire waits for a request slot and for the estimated token cost of the
// prompt, so configured token-per-minute quotas pace actual throughput.
func (p *PacedProvider) acquire(ctx context.Context, estimatedTokens int) (*ratelimit.Guard, error) {
	start := time.Now()
	guard, err := p.limiter.Acquire(ctx, estimatedTokens)
	waited := time.Since(start)
	if p.metrics != nil {
		p.metrics.RecordRateLimitWait(p.inner.Name(), waited.Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			// The user gave up while we slept; report the interrupt, not
			// the limiter's view of it.
			return nil, classify(p.inner.Name(), p.inner.ModelName(), 0, ctx.Err())
		}
		p.log.Warn(ctx, "rate limiter rejected request",
			"provider", p.inner.Name(), "waited", waited, "error", err)
		return nil, &ProviderError{
			Kind:     models.ErrKindRateLimit,
			Provider: p.inner.Name(),
			Model:    p.inner.ModelName(),
			Message:  err.Error(),
			Cause:    err,
		}
	}
	return guard, nil
}

func (p *PacedProvider) record(resp *models.Response, err error, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		if pe, ok := AsProviderError(err); ok {
			status = string(pe.Kind)
		}
	}
	var u models.Usage
	if resp != nil {
		u = resp.Usage
	}
	p.metrics.RecordLLMRequest(p.inner.Name(), p.inner.ModelName(), status, elapsed.Seconds(),
		u.PromptTokens, u.CompletionTokens, u.CacheCreationTokens, u.CacheReadTokens)
}
