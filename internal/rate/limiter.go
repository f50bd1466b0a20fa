package rate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds limiter tuning parameters.
type Config struct {
	ResendCooldown      time.Duration
	MaxFailedAttempts   int
	FailedAttemptWindow time.Duration
}

// Limiter enforces resend cooldowns and failed-attempt budgets using Redis.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
	now    func() time.Time
}

// New creates a rate [Limiter] backed by the given Redis client. A nil now
// selects time.Now.
func New(redisClient redis.UniversalClient, cfg Config, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
		now:    now,
	}
}

// Cooldown returns the configured resend cooldown.
func (l *Limiter) Cooldown() time.Duration {
	return l.config.ResendCooldown
}

// AcquireResend opens a new resend window for scope+subject and returns the
// epoch second at which the next resend is allowed. If a window is still open
// it returns a [*LimitedError] carrying the current availability.
func (l *Limiter) AcquireResend(ctx context.Context, scope, subject string) (int64, error) {
	key := resendKey(scope, subject)
	now := l.now().Unix()

	current, err := l.readEpoch(ctx, key)
	if err != nil {
		return 0, err
	}
	if current > now {
		return 0, &LimitedError{AvailableAt: current}
	}

	availableAt := now + int64(l.config.ResendCooldown/time.Second)
	// Expiry is only housekeeping; the stored epoch is what is compared.
	ttl := l.config.ResendCooldown + time.Minute
	if err := l.redis.Set(ctx, key, availableAt, ttl).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return availableAt, nil
}

// ResendAvailableAt reports the open window for scope+subject, or zero.
func (l *Limiter) ResendAvailableAt(ctx context.Context, scope, subject string) (int64, error) {
	v, err := l.readEpoch(ctx, resendKey(scope, subject))
	if err != nil {
		return 0, err
	}
	if v <= l.now().Unix() {
		return 0, nil
	}
	return v, nil
}

// ResetResend closes the window for scope+subject.
func (l *Limiter) ResetResend(ctx context.Context, scope, subject string) error {
	if err := l.redis.Del(ctx, resendKey(scope, subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// CheckAttempts fails with [ErrRateLimited] once the failed-attempt budget
// for scope+subject is exhausted.
func (l *Limiter) CheckAttempts(ctx context.Context, scope, subject string) error {
	if l.config.MaxFailedAttempts <= 0 {
		return nil
	}
	count, err := l.redis.Get(ctx, attemptKey(scope, subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count >= int64(l.config.MaxFailedAttempts) {
		return ErrRateLimited
	}
	return nil
}

// RecordFailure increments the failed-attempt counter for scope+subject.
func (l *Limiter) RecordFailure(ctx context.Context, scope, subject string) error {
	if l.config.MaxFailedAttempts <= 0 {
		return nil
	}
	_, err := l.incrementWithTTL(ctx, attemptKey(scope, subject), l.config.FailedAttemptWindow)
	return err
}

// ResetAttempts clears the failed-attempt counter after a success.
func (l *Limiter) ResetAttempts(ctx context.Context, scope, subject string) error {
	if err := l.redis.Del(ctx, attemptKey(scope, subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) readEpoch(ctx context.Context, key string) (int64, error) {
	raw, err := l.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return v, nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 && ttl > 0 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func resendKey(scope, subject string) string {
	return "rs:" + scope + ":" + subject
}

func attemptKey(scope, subject string) string {
	return "fa:" + scope + ":" + subject
}
