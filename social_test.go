package authflow

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/verification"
)

func withGoogle(cfg *Config) {
	p := cfg.Social.Providers["google"]
	p.ClientID = "client-123"
	cfg.Social.Providers["google"] = p
	cfg.Social.RedirectURL = "http://localhost/callback"
}

func authState(t *testing.T, c *testClient, provider string) string {
	t.Helper()
	raw, err := c.SocialAuthURL(context.Background(), provider)
	if err != nil {
		t.Fatalf("SocialAuthURL error: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	return u.Query().Get("state")
}

func TestSocialAuthURLCarriesPKCE(t *testing.T) {
	h := newHarness(t)
	c := h.client("fp-a", clientOptions{mutate: withGoogle})

	if got := c.SocialProviders(); len(got) != 2 || got[0] != "github" || got[1] != "google" {
		t.Fatalf("unexpected providers %v", got)
	}
	if _, err := c.SocialAuthURL(context.Background(), "github"); !errors.Is(err, ErrSocialNotConfigured) {
		t.Fatalf("expected ErrSocialNotConfigured, got %v", err)
	}
	if _, err := c.SocialAuthURL(context.Background(), "myspace"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}

	raw, err := c.SocialAuthURL(context.Background(), "Google")
	if err != nil {
		t.Fatalf("SocialAuthURL error: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "client-123" || q.Get("redirect_uri") != "http://localhost/callback" {
		t.Fatalf("unexpected query %v", q)
	}
	if q.Get("state") == "" || q.Get("code_challenge") == "" {
		t.Fatalf("state and challenge required, got %v", q)
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("unexpected challenge method %q", q.Get("code_challenge_method"))
	}
	if _, err := c.store.Get(context.Background(), "authflow:social:google"); err != nil {
		t.Fatalf("state not stored: %v", err)
	}
}

func TestSocialLoginRejectsForeignState(t *testing.T) {
	h := newHarness(t)
	c := h.client("fp-a", clientOptions{mutate: withGoogle})
	ctx := context.Background()

	state := authState(t, c, "google")
	if _, err := c.CompleteSocialLogin(ctx, "google", "subject-1", state+"x"); !errors.Is(err, ErrSocialStateMismatch) {
		t.Fatalf("expected ErrSocialStateMismatch, got %v", err)
	}
	// The state is single use even when the check fails.
	if _, err := c.CompleteSocialLogin(ctx, "google", "subject-1", state); !errors.Is(err, ErrSocialStateMismatch) {
		t.Fatalf("expected consumed state to be rejected, got %v", err)
	}
	if c.State() != StateAnonymous {
		t.Fatalf("expected anonymous, got %s", c.State())
	}
}

func TestSocialStateExpires(t *testing.T) {
	h := newHarness(t)
	c := h.client("fp-a", clientOptions{mutate: withGoogle})

	state := authState(t, c, "google")
	h.clock.Advance(11 * time.Minute)
	if _, err := c.CompleteSocialLogin(context.Background(), "google", "subject-1", state); !errors.Is(err, ErrSocialStateMismatch) {
		t.Fatalf("expected ErrSocialStateMismatch, got %v", err)
	}
}

func TestSocialLoginPassesAgeGate(t *testing.T) {
	h := newHarness(t)
	c := h.client("fp-a", clientOptions{mutate: withGoogle})
	ctx := context.Background()

	state := authState(t, c, "google")
	st, err := c.CompleteSocialLogin(ctx, "google", "subject-1", state)
	mustState(t, st, err, StateAgeVerificationPending)
	c.events.waitFor(t, EventNavigate, TargetAgeVerification)
	if !c.Gates().RequiresAgeVerification {
		t.Fatal("age gate must be open")
	}
	if got := c.Metrics().Value(MetricSocialLogin); got != 1 {
		t.Fatalf("social login count %d", got)
	}

	if _, err := c.SubmitBirthDate(ctx, "2020-01-01"); !errors.Is(err, verification.ErrUnderage) {
		t.Fatalf("expected ErrUnderage, got %v", err)
	}
	if c.State() != StateAgeVerificationPending {
		t.Fatalf("underage date must keep the gate, got %s", c.State())
	}

	st, err = c.SubmitBirthDate(ctx, "1990-05-01")
	mustState(t, st, err, StateAuthenticated)
	if u := c.User(); u == nil || u.DateOfBirth != "1990-05-01" || u.NeedsAgeVerification() {
		t.Fatalf("unexpected user %+v", u)
	}
	c.events.waitFor(t, EventWelcome, "")

	// A returning account skips the gate.
	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	state = authState(t, c, "google")
	st, err = c.CompleteSocialLogin(ctx, "google", "subject-1", state)
	mustState(t, st, err, StateAuthenticated)
}

func TestSubmitBirthDateOutsideGate(t *testing.T) {
	h := newHarness(t)
	c := h.client("fp-a", clientOptions{})

	if _, err := c.SubmitBirthDate(context.Background(), "1990-05-01"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}
