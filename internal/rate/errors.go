package rate

import "errors"

var (
	// ErrRateLimited is returned when a window or attempt budget is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable is returned when the backing Redis call fails.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// LimitedError carries the epoch second at which the limited action becomes
// available again. It matches [ErrRateLimited] with errors.Is.
type LimitedError struct {
	AvailableAt int64
}

func (e *LimitedError) Error() string {
	return ErrRateLimited.Error()
}

func (e *LimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
