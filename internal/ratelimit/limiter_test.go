package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBurstThenWouldBlock(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 3, MaxConcurrent: 10, Blocking: false})

	for i := 0; i < 3; i++ {
		g, err := l.Acquire(context.Background(), 1)
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i+1, err)
		}
		g.Release()
	}

	if _, err := l.Acquire(context.Background(), 1); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock after burst, got %v", err)
	}
}

func TestBlockingAcquireWaitsForRefill(t *testing.T) {
	// 600 RPM = 10 tokens/sec, so one token refills in ~100ms.
	l := New(Config{RequestsPerMinute: 600, BurstSize: 2, MaxConcurrent: 10, Blocking: true, MaxWait: time.Second})

	for i := 0; i < 2; i++ {
		g, err := l.Acquire(context.Background(), 1)
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i+1, err)
		}
		g.Release()
	}

	start := time.Now()
	g, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("blocking acquire failed: %v", err)
	}
	g.Release()
	if waited := time.Since(start); waited < 50*time.Millisecond {
		t.Errorf("expected a refill wait of ~100ms, returned after %v", waited)
	}
}

func TestWaitTimeout(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, BurstSize: 1, MaxConcurrent: 1, Blocking: true, MaxWait: 50 * time.Millisecond})

	g, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	g.Release()

	// Refilling one token at 1 RPM takes a minute; MaxWait is 50ms.
	_, err = l.Acquire(context.Background(), 1)
	var timeoutErr *WaitTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected WaitTimeoutError, got %v", err)
	}
	if timeoutErr.Waited <= 0 {
		t.Errorf("Waited = %v, want > 0", timeoutErr.Waited)
	}
}

func TestCancelDuringWaitReturnsContextError(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, BurstSize: 1, MaxConcurrent: 1, Blocking: true, MaxWait: time.Minute})

	g, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	g.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, 1)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not return promptly after cancel")
	}
}

func TestConcurrencyPermits(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 100, MaxConcurrent: 2, Blocking: false})

	g1, err := l.TryAcquire(1)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	g2, err := l.TryAcquire(1)
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	if _, err := l.TryAcquire(1); !errors.Is(err, ErrConcurrencyExceeded) {
		t.Fatalf("expected ErrConcurrencyExceeded, got %v", err)
	}

	g1.Release()
	g3, err := l.TryAcquire(1)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	g3.Release()
	g2.Release()
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 100, MaxConcurrent: 1, Blocking: false})

	g, err := l.TryAcquire(1)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	g.Release()
	g.Release() // must not free a permit twice

	g2, err := l.TryAcquire(1)
	if err != nil {
		t.Fatalf("acquire after double release failed: %v", err)
	}
	defer g2.Release()
	if _, err := l.TryAcquire(1); !errors.Is(err, ErrConcurrencyExceeded) {
		t.Fatalf("double release freed an extra permit: %v", err)
	}
}

func TestTokenThroughputMetered(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 100, MaxConcurrent: 10, Blocking: false, TokensPerMinute: 100})

	g, err := l.Acquire(context.Background(), 60)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	g.Release()

	// 40 llm tokens remain; another 60 must not fit.
	if _, err := l.Acquire(context.Background(), 60); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock on token shortfall, got %v", err)
	}
	g, err = l.Acquire(context.Background(), 30)
	if err != nil {
		t.Fatalf("acquire within remaining quota failed: %v", err)
	}
	g.Release()
}

func TestOversizedTokenCostClampedToQuota(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 100, MaxConcurrent: 10, Blocking: false, TokensPerMinute: 100})

	// A request estimated above a full minute's quota passes while the
	// bucket is full instead of blocking forever.
	g, err := l.Acquire(context.Background(), 5000)
	if err != nil {
		t.Fatalf("oversized acquire failed: %v", err)
	}
	g.Release()
	if _, err := l.Acquire(context.Background(), 1); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("oversized request should drain the bucket, got %v", err)
	}
}

func TestZeroTokensPerMinuteUnmetered(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 100, MaxConcurrent: 10, Blocking: false})

	for i := 0; i < 5; i++ {
		g, err := l.Acquire(context.Background(), 1_000_000)
		if err != nil {
			t.Fatalf("acquire %d failed with token metering disabled: %v", i+1, err)
		}
		g.Release()
	}
}

func TestClosedLimiter(t *testing.T) {
	l := New(DefaultsFor("default"))
	l.Close()
	if _, err := l.Acquire(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDefaultsFor(t *testing.T) {
	tests := []struct {
		provider   string
		rpm        float64
		burst      int
		concurrent int
	}{
		{"openai", 60, 10, 10},
		{"google", 60, 10, 10},
		{"azure", 60, 10, 10},
		{"anthropic", 50, 8, 5},
		{"ollama", 120, 30, 20},
		{"something-else", 60, 10, 5},
	}

	for _, tt := range tests {
		cfg := DefaultsFor(tt.provider)
		if cfg.RequestsPerMinute != tt.rpm || cfg.BurstSize != tt.burst || cfg.MaxConcurrent != tt.concurrent {
			t.Errorf("DefaultsFor(%q) = %+v, want rpm=%v burst=%d concurrent=%d",
				tt.provider, cfg, tt.rpm, tt.burst, tt.concurrent)
		}
	}
}

func TestRegistrySharesLimiters(t *testing.T) {
	r := NewRegistry()
	a := r.For("anthropic")
	b := r.For("Anthropic")
	if a != b {
		t.Error("registry returned distinct limiters for the same provider")
	}
	if r.For("openai") == a {
		t.Error("distinct providers share a limiter")
	}
}

func TestRegistryConfigure(t *testing.T) {
	r := NewRegistry()
	r.Configure("openai", Config{RequestsPerMinute: 6, BurstSize: 1, MaxConcurrent: 1, Blocking: false})

	l := r.For("openai")
	g, err := l.TryAcquire(1)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	g.Release()
	if _, err := l.TryAcquire(1); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("override burst of 1 not honored: %v", err)
	}
}
