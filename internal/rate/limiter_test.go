package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(rdb, cfg, clock.Now), clock
}

func TestAcquireResendReturnsAbsoluteEpoch(t *testing.T) {
	l, clock := newTestLimiter(t, Config{ResendCooldown: 60 * time.Second})
	ctx := context.Background()

	at, err := l.AcquireResend(ctx, "phone_login", "+15551234567")
	if err != nil {
		t.Fatalf("AcquireResend failed: %v", err)
	}
	if want := clock.t.Unix() + 60; at != want {
		t.Fatalf("expected %d, got %d", want, at)
	}

	clock.t = clock.t.Add(30 * time.Second)
	_, err = l.AcquireResend(ctx, "phone_login", "+15551234567")
	var limited *LimitedError
	if !errors.As(err, &limited) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected LimitedError, got %v", err)
	}
	if limited.AvailableAt != at {
		t.Fatalf("expected availability %d, got %d", at, limited.AvailableAt)
	}

	clock.t = time.Unix(at, 0)
	if _, err := l.AcquireResend(ctx, "phone_login", "+15551234567"); err != nil {
		t.Fatalf("expected window reopened at exact epoch, got %v", err)
	}
}

func TestResendWindowsAreScoped(t *testing.T) {
	l, _ := newTestLimiter(t, Config{ResendCooldown: time.Minute})
	ctx := context.Background()

	if _, err := l.AcquireResend(ctx, "registration", "a@example.com"); err != nil {
		t.Fatalf("AcquireResend failed: %v", err)
	}
	if _, err := l.AcquireResend(ctx, "password_reset", "a@example.com"); err != nil {
		t.Fatalf("expected independent scope, got %v", err)
	}
	if err := l.ResetResend(ctx, "registration", "a@example.com"); err != nil {
		t.Fatalf("ResetResend failed: %v", err)
	}
	at, err := l.ResendAvailableAt(ctx, "registration", "a@example.com")
	if err != nil || at != 0 {
		t.Fatalf("expected no window after reset, got %d err=%v", at, err)
	}
}

func TestFailedAttemptBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxFailedAttempts: 2, FailedAttemptWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.CheckAttempts(ctx, "device", "u1"); err != nil {
			t.Fatalf("attempt %d unexpectedly limited: %v", i, err)
		}
		if err := l.RecordFailure(ctx, "device", "u1"); err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}
	if err := l.CheckAttempts(ctx, "device", "u1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err := l.ResetAttempts(ctx, "device", "u1"); err != nil {
		t.Fatalf("ResetAttempts failed: %v", err)
	}
	if err := l.CheckAttempts(ctx, "device", "u1"); err != nil {
		t.Fatalf("expected budget restored, got %v", err)
	}
}
