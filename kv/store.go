package kv

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store is the durable client-side state backend.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Change describes a mutation observed through a [Watcher].
type Change struct {
	Key     string
	Deleted bool
}

// Watcher is implemented by stores that can notify about mutations made by
// other holders of the same store.
//
// The returned channel is closed when ctx is done.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

// GetOr returns the stored value or fallback when the key is absent.
func GetOr(ctx context.Context, s Store, key, fallback string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}
