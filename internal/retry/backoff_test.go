package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kvknd/substrated/internal/config"
	goretry "github.com/sethvargo/go-retry"
)

func testCfg() config.RetryConfig {
	return config.RetryConfig{
		RetryCap:    5,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  2 * time.Second,
	}
}

func TestBackoffGrowsWithAttempt(t *testing.T) {
	cfg := testCfg()
	first := Backoff(cfg, 1)
	second := Backoff(cfg, 2)
	if second <= first {
		t.Errorf("backoff should grow: attempt 1 = %v, attempt 2 = %v", first, second)
	}
}

func TestBackoffRespectsCap(t *testing.T) {
	cfg := testCfg()
	d := Backoff(cfg, 20) // far beyond RetryCap
	if d > cfg.BackoffMax {
		t.Errorf("backoff %v exceeds configured max %v", d, cfg.BackoffMax)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	cfg := testCfg()
	attempts := 0
	terminal := errors.New("terminal failure")

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return terminal
	})

	if !errors.Is(err, terminal) {
		t.Errorf("expected terminal error to propagate, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("non-retryable error should stop after one attempt, got %d", attempts)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	cfg := config.RetryConfig{RetryCap: 5, BackoffBase: time.Millisecond, BackoffMax: 10 * time.Millisecond}
	attempts := 0

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return goretry.RetryableError(errors.New("not yet"))
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected eventual success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}
