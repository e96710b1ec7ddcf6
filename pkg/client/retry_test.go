package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recordingSleeper records requested delays instead of sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

// backoffs returns the recorded delays other than the courtesy delay.
func (s *recordingSleeper) backoffs(courtesy time.Duration) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, d := range s.delays {
		if d != courtesy {
			out = append(out, d)
		}
	}
	return out
}

func (s *recordingSleeper) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, got := range s.delays {
		if got == d {
			n++
		}
	}
	return n
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 8 {
		t.Errorf("MaxAttempts = %d, want 8", config.MaxAttempts)
	}
	if config.BackoffUnit != 1*time.Second {
		t.Errorf("BackoffUnit = %v, want 1s", config.BackoffUnit)
	}
	if config.CourtesyDelay != 100*time.Millisecond {
		t.Errorf("CourtesyDelay = %v, want 100ms", config.CourtesyDelay)
	}
	if config.MaxBackoff != 0 {
		t.Errorf("MaxBackoff = %v, want 0 (uncapped)", config.MaxBackoff)
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	config := RetryConfig{BackoffUnit: time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 32, 64, 128}
	for attempt, w := range want {
		if got := config.Backoff(attempt); got != w*time.Second {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, w*time.Second)
		}
	}

	config.MaxBackoff = 10 * time.Second
	if got := config.Backoff(6); got != 10*time.Second {
		t.Errorf("capped Backoff(6) = %v, want 10s", got)
	}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	sleeper := &recordingSleeper{}
	cfg := RetryConfig{MaxAttempts: 8, BackoffUnit: time.Second, CourtesyDelay: 100 * time.Millisecond}

	callCount := 0
	res := retryWithBackoff(context.Background(), cfg, sleeper.Sleep, zerolog.Nop(), func(ctx context.Context, attempt int) attemptOutcome {
		callCount++
		return attemptOutcome{resp: &Response{StatusCode: 200}}
	})

	if !res.OK() {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if callCount != 1 || res.Attempts != 1 {
		t.Errorf("Expected 1 call, got %d (attempts %d)", callCount, res.Attempts)
	}
	if got := sleeper.count(100 * time.Millisecond); got != 1 {
		t.Errorf("Expected one courtesy sleep, got %d", got)
	}
	if got := sleeper.backoffs(100 * time.Millisecond); len(got) != 0 {
		t.Errorf("Expected no backoff, got %v", got)
	}
}

func TestRetryWithBackoff_NonRetryableStopsImmediately(t *testing.T) {
	sleeper := &recordingSleeper{}
	cfg := RetryConfig{MaxAttempts: 8, BackoffUnit: time.Second, CourtesyDelay: 100 * time.Millisecond}
	testErr := errors.New("client error")

	callCount := 0
	res := retryWithBackoff(context.Background(), cfg, sleeper.Sleep, zerolog.Nop(), func(ctx context.Context, attempt int) attemptOutcome {
		callCount++
		return attemptOutcome{class: ErrorClassClient, err: testErr}
	})

	if res.OK() {
		t.Fatal("Expected failure")
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if errors.Is(res.Err, ErrRetryExhausted) {
		t.Error("Should not return ErrRetryExhausted for client errors")
	}
	if !errors.Is(res.Err, testErr) {
		t.Errorf("Expected original error, got %v", res.Err)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sleeper := &recordingSleeper{}
	cfg := RetryConfig{MaxAttempts: 8, BackoffUnit: time.Second}

	callCount := 0
	res := retryWithBackoff(ctx, cfg, sleeper.Sleep, zerolog.Nop(), func(ctx context.Context, attempt int) attemptOutcome {
		callCount++
		cancel()
		return attemptOutcome{class: ErrorClassServer, err: errors.New("server error")}
	})

	if !errors.Is(res.Err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", res.Err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", callCount)
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleepContext() = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleepContext() = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleepContext() did not return promptly on cancellation")
	}
}
