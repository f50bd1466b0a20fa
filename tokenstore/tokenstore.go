// Package tokenstore holds the session bearer token.
//
// The durable [kv.Store] is authoritative. When a cookie jar is configured the
// token is mirrored into it so that cookie-based consumers of the same jar see it
// too; the mirror is never read back.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/MrEthical07/authflow/kv"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultCookieName names the mirrored cookie.
const DefaultCookieName = "auth_token"

// Store reads and writes the session token.
type Store struct {
	kv  kv.Store
	key string

	jar        http.CookieJar
	cookieURL  *url.URL
	cookieName string
}

// Option configures a [Store].
type Option func(*Store)

// WithCookieMirror mirrors the token into jar for u under name. An empty name
// selects [DefaultCookieName].
func WithCookieMirror(jar http.CookieJar, u *url.URL, name string) Option {
	return func(s *Store) {
		if name == "" {
			name = DefaultCookieName
		}
		s.jar = jar
		s.cookieURL = u
		s.cookieName = name
	}
}

// New returns a token store persisting under key.
func New(store kv.Store, key string, opts ...Option) *Store {
	s := &Store{kv: store, key: key}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the durable key holding the token.
func (s *Store) Key() string {
	return s.key
}

// Token returns the stored token, or "" when none is stored.
func (s *Store) Token(ctx context.Context) (string, error) {
	v, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tokenstore: read: %w", err)
	}
	return v, nil
}

// Authenticated reports whether a token is stored. Read failures count as
// unauthenticated.
func (s *Store) Authenticated(ctx context.Context) bool {
	v, err := s.Token(ctx)
	return err == nil && v != ""
}

// Set persists token. An empty token clears the store.
func (s *Store) Set(ctx context.Context, token string) error {
	if token == "" {
		return s.Clear(ctx)
	}
	if err := s.kv.Set(ctx, s.key, token); err != nil {
		return fmt.Errorf("tokenstore: write: %w", err)
	}
	s.mirror(token, 0)
	return nil
}

// Clear removes the token. Clearing an empty store is not an error.
func (s *Store) Clear(ctx context.Context) error {
	s.mirror("", -1)
	if err := s.kv.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("tokenstore: clear: %w", err)
	}
	return nil
}

// Mirrored returns the token currently held by the cookie mirror.
func (s *Store) Mirrored() string {
	if s.jar == nil || s.cookieURL == nil {
		return ""
	}
	for _, c := range s.jar.Cookies(s.cookieURL) {
		if c.Name == s.cookieName {
			return c.Value
		}
	}
	return ""
}

func (s *Store) mirror(value string, maxAge int) {
	if s.jar == nil || s.cookieURL == nil {
		return
	}
	s.jar.SetCookies(s.cookieURL, []*http.Cookie{{
		Name:     s.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   s.cookieURL.Scheme == "https",
		SameSite: http.SameSiteLaxMode,
	}})
}

// Claims is the unverified view of a JWT session token.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Peek decodes token claims without verifying the signature. ok is false for
// opaque tokens. The result is only a hint for local decisions such as
// skipping a fetch with an already expired token.
func Peek(token string) (Claims, bool) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return Claims{}, false
	}
	c := Claims{Subject: rc.Subject}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, true
}

// Expired reports whether token is a JWT whose exp is at or before now.
// Opaque tokens and JWTs without exp are never considered expired.
func Expired(token string, now time.Time) bool {
	c, ok := Peek(token)
	if !ok || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}
