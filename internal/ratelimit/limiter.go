// Package ratelimit provides per-provider request pacing: a token bucket
// for request rate, an optional second bucket metering estimated LLM tokens
// per minute, and a semaphore for concurrent in-flight requests. Acquiring
// returns a Guard that must be released when the request completes.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrWouldBlock is returned by a non-blocking acquire when no tokens are
// available.
var ErrWouldBlock = errors.New("ratelimit: would block")

// ErrClosed is returned when acquiring from a closed limiter.
var ErrClosed = errors.New("ratelimit: limiter closed")

// ErrConcurrencyExceeded is returned by a non-blocking acquire when all
// concurrency permits are in use.
var ErrConcurrencyExceeded = errors.New("ratelimit: concurrency limit exceeded")

// WaitTimeoutError is returned when a blocking acquire exceeded its maximum
// wait without obtaining tokens.
type WaitTimeoutError struct {
	Waited time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("ratelimit: wait timed out after %v", e.Waited)
}

// Config controls one provider's limiter. TokensPerMinute is optional;
// when zero, only request rate and concurrency are enforced.
type Config struct {
	RequestsPerMinute float64       `yaml:"requests_per_minute"`
	TokensPerMinute   float64       `yaml:"tokens_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	Blocking          bool          `yaml:"blocking"`
	MaxWait           time.Duration `yaml:"max_wait"`
}

// DefaultsFor returns the built-in limiter configuration for a provider.
// Local providers get generous limits since there is no remote quota.
func DefaultsFor(provider string) Config {
	cfg := Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		MaxConcurrent:     5,
		Blocking:          true,
		MaxWait:           30 * time.Second,
	}
	switch strings.ToLower(provider) {
	case "openai", "google", "azure":
		cfg.MaxConcurrent = 10
	case "anthropic":
		cfg.RequestsPerMinute = 50
		cfg.BurstSize = 8
		cfg.MaxConcurrent = 5
	case "ollama":
		cfg.RequestsPerMinute = 120
		cfg.BurstSize = 30
		cfg.MaxConcurrent = 20
	}
	return cfg
}

// Limiter is a token bucket with a concurrency semaphore. The request
// bucket starts full and refills at RequestsPerMinute/60 tokens per second,
// capped at BurstSize. When TokensPerMinute is configured a second bucket
// meters the estimated LLM token throughput; it holds one minute's quota
// and both buckets must have capacity before a request proceeds.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // request tokens per second
	llmTokens  float64
	llmMax     float64
	llmRate    float64 // llm tokens per second, 0 disables the bucket
	lastRefill time.Time
	closed     bool

	sem      chan struct{}
	blocking bool
	maxWait  time.Duration
}

// New creates a limiter from the given configuration. Zero-valued fields
// fall back to the generic defaults.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	l := &Limiter{
		tokens:     float64(cfg.BurstSize),
		maxTokens:  float64(cfg.BurstSize),
		refillRate: cfg.RequestsPerMinute / 60.0,
		lastRefill: time.Now(),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		blocking:   cfg.Blocking,
		maxWait:    cfg.MaxWait,
	}
	if cfg.TokensPerMinute > 0 {
		l.llmTokens = cfg.TokensPerMinute
		l.llmMax = cfg.TokensPerMinute
		l.llmRate = cfg.TokensPerMinute / 60.0
	}
	return l
}

// refill adds tokens to both buckets based on elapsed time. Caller must
// hold mu.
func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens += elapsed * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	if l.llmRate > 0 {
		l.llmTokens += elapsed * l.llmRate
		if l.llmTokens > l.llmMax {
			l.llmTokens = l.llmMax
		}
	}
	l.lastRefill = now
}

// tryDeduct refills and takes one request token plus n llm tokens if both
// buckets have capacity. On shortfall it returns the wait needed for the
// larger deficit to refill. A cost above a full minute's quota is clamped
// to the bucket size so oversized requests still pass once, when full.
func (l *Limiter) tryDeduct(n int) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()

	var wait time.Duration
	if l.tokens < 1 {
		wait = time.Duration((1 - l.tokens) / l.refillRate * float64(time.Second))
	}
	need := float64(n)
	if l.llmRate > 0 {
		if need > l.llmMax {
			need = l.llmMax
		}
		if l.llmTokens < need {
			w := time.Duration((need - l.llmTokens) / l.llmRate * float64(time.Second))
			if w > wait {
				wait = w
			}
		}
	}
	if wait > 0 {
		return false, wait
	}
	l.tokens--
	if l.llmRate > 0 {
		l.llmTokens -= need
	}
	return true, 0
}

// Acquire blocks until a request slot, n estimated llm tokens, and a
// concurrency permit are available, then returns a Guard holding the
// permit. The total wait is bounded by the configured MaxWait; exceeding it
// returns a *WaitTimeoutError. Context cancellation during the wait returns
// ctx.Err() promptly. In non-blocking mode a shortfall returns
// ErrWouldBlock and permit exhaustion returns ErrConcurrencyExceeded.
func (l *Limiter) Acquire(ctx context.Context, n int) (*Guard, error) {
	if n <= 0 {
		n = 1
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.mu.Unlock()

	start := time.Now()
	deadline := start.Add(l.maxWait)

	// Concurrency permit first, so the token wait below does not hold a
	// slot another request could use.
	if l.blocking {
		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		select {
		case l.sem <- struct{}{}:
			cancel()
		case <-waitCtx.Done():
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &WaitTimeoutError{Waited: time.Since(start)}
		}
	} else {
		select {
		case l.sem <- struct{}{}:
		default:
			return nil, ErrConcurrencyExceeded
		}
	}

	for {
		ok, wait := l.tryDeduct(n)
		if ok {
			return &Guard{limiter: l}, nil
		}
		if !l.blocking {
			<-l.sem
			return nil, ErrWouldBlock
		}
		if time.Now().Add(wait).After(deadline) {
			<-l.sem
			return nil, &WaitTimeoutError{Waited: time.Since(start)}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			<-l.sem
			return nil, ctx.Err()
		}
	}
}

// TryAcquire is the non-blocking form of Acquire regardless of the
// configured mode.
func (l *Limiter) TryAcquire(n int) (*Guard, error) {
	if n <= 0 {
		n = 1
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	default:
		return nil, ErrConcurrencyExceeded
	}
	if ok, _ := l.tryDeduct(n); !ok {
		<-l.sem
		return nil, ErrWouldBlock
	}
	return &Guard{limiter: l}, nil
}

// Tokens returns the current token count after refill.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// Close marks the limiter closed. Subsequent acquires fail with ErrClosed;
// outstanding guards may still release.
func (l *Limiter) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Guard holds one concurrency permit. Release returns the permit; it is
// safe to call more than once.
type Guard struct {
	limiter *Limiter
	once    sync.Once
}

// Release returns the concurrency permit to the limiter.
func (g *Guard) Release() {
	g.once.Do(func() {
		<-g.limiter.sem
	})
}
