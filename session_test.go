package authflow

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrEthical07/authflow/devserver"
	"github.com/MrEthical07/authflow/kv"
)

func TestBootstrapResolvesStoredToken(t *testing.T) {
	h := newHarness(t)
	h.createUser(devserver.NewUser{Name: "Ada", Email: "ada@example.com", Password: "correct"})
	store := kv.NewMemoryStore()
	ctx := context.Background()

	first := h.client("fp-a", clientOptions{store: store})
	if _, err := first.SubmitCredentials(ctx, "ada@example.com", "correct"); err != nil {
		t.Fatalf("SubmitCredentials error: %v", err)
	}

	restarted := h.client("fp-a", clientOptions{store: store})
	st, err := restarted.Bootstrap(ctx)
	mustState(t, st, err, StateAuthenticated)
	if u := restarted.User(); u == nil || u.Email != "ada@example.com" {
		t.Fatalf("unexpected user %+v", u)
	}
	if got := restarted.Metrics().Value(MetricLoginSuccess); got != 0 {
		t.Fatalf("bootstrap must not count as a login, got %d", got)
	}
	if restarted.events.count(EventWelcome) != 0 {
		t.Fatal("bootstrap must not greet")
	}
}

func TestBootstrapWithoutTokenStaysAnonymous(t *testing.T) {
	h := newHarness(t)
	c := h.client("fp-a", clientOptions{})

	st, err := c.Bootstrap(context.Background())
	mustState(t, st, err, StateAnonymous)
	if got := c.Metrics().Value(MetricUserFetch); got != 0 {
		t.Fatalf("no request expected, got %d", got)
	}
	if _, err := c.Login(context.Background(), ""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestBootstrapDiscardsExpiredToken(t *testing.T) {
	h := newHarness(t)
	store := kv.NewMemoryStore()
	ctx := context.Background()

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(h.clock.Now().Add(-time.Minute)),
	})
	token, err := expired.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := store.Set(ctx, "authflow:token", token); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	c := h.client("fp-a", clientOptions{store: store})
	st, err := c.Bootstrap(ctx)
	mustState(t, st, err, StateAnonymous)
	if got := c.Metrics().Value(MetricExpiredTokenDiscarded); got != 1 {
		t.Fatalf("expired token count %d", got)
	}
	if got := c.Metrics().Value(MetricUserFetch); got != 0 {
		t.Fatalf("an expired token must not be sent, got %d fetches", got)
	}
	if _, err := store.Get(ctx, "authflow:token"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expired token must be removed, got %v", err)
	}
}

func TestBootstrapWithRevokedTokenEndsAnonymous(t *testing.T) {
	h := newHarness(t)
	h.createUser(devserver.NewUser{Name: "Ada", Email: "ada@example.com", Password: "correct"})
	ctx := context.Background()

	a := h.client("fp-a", clientOptions{})
	if _, err := a.SubmitCredentials(ctx, "ada@example.com", "correct"); err != nil {
		t.Fatalf("SubmitCredentials error: %v", err)
	}
	token, _ := a.Token(ctx)

	copied := kv.NewMemoryStore()
	if err := copied.Set(ctx, "authflow:token", token); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	if err := a.Logout(ctx); err != nil {
		t.Fatalf("Logout error: %v", err)
	}

	b := h.client("fp-a", clientOptions{store: copied})
	st, err := b.Bootstrap(ctx)
	mustState(t, st, err, StateAnonymous)
	if got := b.Metrics().Value(MetricSessionInvalidated); got != 1 {
		t.Fatalf("session invalidated count %d", got)
	}
	if tok, _ := b.Token(ctx); tok != "" {
		t.Fatal("rejected token must be cleared")
	}
	b.events.waitFor(t, EventNavigate, TargetLogin)
}

func TestStoredSessionOnNewDeviceRequiresVerification(t *testing.T) {
	h := newHarness(t)
	h.createUser(devserver.NewUser{Name: "Ada", Email: "ada@example.com", Password: "correct"})
	ctx := context.Background()

	a := h.client("fp-a", clientOptions{})
	if _, err := a.SubmitCredentials(ctx, "ada@example.com", "correct"); err != nil {
		t.Fatalf("SubmitCredentials error: %v", err)
	}
	token, _ := a.Token(ctx)

	store := kv.NewMemoryStore()
	if err := store.Set(ctx, "authflow:token", token); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	b := h.client("fp-b", clientOptions{store: store})

	st, err := b.Bootstrap(ctx)
	mustState(t, st, err, StateDeviceVerificationPending)
	fetches := b.Metrics().Value(MetricUserFetch)

	// Refreshes are suppressed while the challenge is pending.
	if _, err := b.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap during challenge: %v", err)
	}
	if _, err := b.RefreshUser(ctx); err != nil {
		t.Fatalf("RefreshUser during challenge: %v", err)
	}
	if got := b.Metrics().Value(MetricUserFetch); got != fetches {
		t.Fatalf("no fetch expected during the challenge, got %d more", got-fetches)
	}

	st, err = b.SubmitDeviceCode(ctx, h.lastCode("ada@example.com", devserver.PurposeDevice))
	mustState(t, st, err, StateAuthenticated)
	if newToken, _ := b.Token(ctx); newToken == "" || newToken == token {
		t.Fatal("verification must issue a session for the new device")
	}
}

func TestLogoutRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	h.createUser(devserver.NewUser{Name: "Ada", Email: "ada@example.com", Password: "correct"})
	ctx := context.Background()

	allow := false
	c := h.client("fp-a", clientOptions{confirmer: ConfirmFunc(func(_ context.Context, action string) bool {
		return allow && action == ActionLogout
	})})
	if _, err := c.SubmitCredentials(ctx, "ada@example.com", "correct"); err != nil {
		t.Fatalf("SubmitCredentials error: %v", err)
	}

	if err := c.Logout(ctx); !errors.Is(err, ErrConfirmationDeclined) {
		t.Fatalf("expected ErrConfirmationDeclined, got %v", err)
	}
	if c.State() != StateAuthenticated {
		t.Fatalf("declined logout must keep the session, got %s", c.State())
	}

	allow = true
	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if c.State() != StateAnonymous || c.User() != nil {
		t.Fatalf("logout must clear local state, got %s", c.State())
	}
	if tok, _ := c.Token(ctx); tok != "" {
		t.Fatal("logout must clear the token")
	}
	if err := c.Logout(ctx); err != nil {
		t.Fatalf("second Logout error: %v", err)
	}
	if got := c.Metrics().Value(MetricLogout); got != 1 {
		t.Fatalf("logout count %d", got)
	}
}

func TestLogoutAllEndsOtherSessions(t *testing.T) {
	h := newHarness(t)
	uid := h.createUser(devserver.NewUser{Name: "Ada", Email: "ada@example.com", Password: "correct"})
	h.srv.TrustDevice(uid, "fp-b")
	ctx := context.Background()

	a := h.client("fp-a", clientOptions{})
	b := h.client("fp-b", clientOptions{})
	h.srv.TrustDevice(uid, "fp-a")
	for _, c := range []*testClient{a, b} {
		if st, err := c.SubmitCredentials(ctx, "ada@example.com", "correct"); err != nil || st != StateAuthenticated {
			t.Fatalf("SubmitCredentials: %s %v", st, err)
		}
	}

	if err := a.LogoutAll(ctx); err != nil {
		t.Fatalf("LogoutAll error: %v", err)
	}
	if a.State() != StateAnonymous {
		t.Fatalf("expected anonymous, got %s", a.State())
	}

	if _, err := b.RefreshUser(ctx); err == nil {
		t.Fatal("other session must be rejected")
	}
	if b.State() != StateAnonymous {
		t.Fatalf("rejected session must end anonymous, got %s", b.State())
	}
}

func TestRefreshUserPicksUpChanges(t *testing.T) {
	h := newHarness(t)
	uid := h.createUser(devserver.NewUser{Name: "Ada", Email: "ada@example.com", Password: "correct"})
	c := h.client("fp-a", clientOptions{})
	ctx := context.Background()

	if _, err := c.RefreshUser(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, err := c.SubmitCredentials(ctx, "ada@example.com", "correct"); err != nil {
		t.Fatalf("SubmitCredentials error: %v", err)
	}
	if c.User().TwoFactorEnabled {
		t.Fatal("two-factor should start disabled")
	}
	if _, _, err := h.srv.EnableTwoFactor(uid); err != nil {
		t.Fatalf("EnableTwoFactor error: %v", err)
	}
	u, err := c.RefreshUser(ctx)
	if err != nil {
		t.Fatalf("RefreshUser error: %v", err)
	}
	if !u.TwoFactorEnabled || !c.User().TwoFactorEnabled {
		t.Fatal("refresh must update the user")
	}
}

func TestStoreWatchFollowsOtherProcess(t *testing.T) {
	h := newHarness(t)
	h.createUser(devserver.NewUser{Name: "Ada", Email: "ada@example.com", Password: "correct"})
	store := kv.NewMemoryStore()
	ctx := context.Background()

	c := h.client("fp-a", clientOptions{store: store})
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if _, err := c.SubmitCredentials(ctx, "ada@example.com", "correct"); err != nil {
		t.Fatalf("SubmitCredentials error: %v", err)
	}
	token, _ := c.Token(ctx)

	if err := store.Delete(ctx, "authflow:token"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	eventually(t, "local sign-out", func() bool {
		return c.State() == StateAnonymous && c.User() == nil
	})

	if err := store.Set(ctx, "authflow:token", token); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	eventually(t, "sign-in from the store", func() bool {
		return c.State() == StateAuthenticated && c.User() != nil
	})
	if got := c.Metrics().Value(MetricRemoteChange); got < 2 {
		t.Fatalf("remote change count %d", got)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConcurrentBootstrapSharesOneFetch(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, `{"user":{"id":1,"name":"Ada","email":"ada@example.com"}}`)
	})
	h := stubHarness(t, mux)
	store := kv.NewMemoryStore()
	ctx := context.Background()
	if err := store.Set(ctx, "authflow:token", "opaque-token"); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	c := h.client("fp-a", clientOptions{store: store})

	const callers = 8
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			st, err := c.Bootstrap(ctx)
			if err == nil && st != StateAuthenticated {
				err = errors.New("bootstrap ended in " + st.String())
			}
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Bootstrap error: %v", err)
		}
	}

	if got := hits.Load(); got != 1 {
		t.Fatalf("/auth/me hits = %d, want 1", got)
	}
	if got := c.Metrics().Value(MetricUserFetch); got != 1 {
		t.Fatalf("user fetch count %d, want 1", got)
	}
	if c.State() != StateAuthenticated || c.User() == nil {
		t.Fatalf("expected authenticated with user, got %s", c.State())
	}
}

func TestPollResolvesTokenWrittenToStore(t *testing.T) {
	h := newHarness(t)
	h.createUser(devserver.NewUser{Name: "Ada", Email: "ada@example.com", Password: "correct"})
	ctx := context.Background()

	other := h.client("fp-a", clientOptions{})
	if _, err := other.SubmitCredentials(ctx, "ada@example.com", "correct"); err != nil {
		t.Fatalf("SubmitCredentials error: %v", err)
	}
	token, _ := other.Token(ctx)

	store := kv.NewMemoryStore()
	c := h.client("fp-a", clientOptions{store: store, mutate: func(cfg *Config) {
		cfg.Session.PollInterval = 20 * time.Millisecond
		cfg.Session.WatchStore = false
	}})
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := store.Set(ctx, "authflow:token", token); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	eventually(t, "poll sign-in", func() bool {
		return c.State() == StateAuthenticated && c.User() != nil
	})
	if got := c.Metrics().Value(MetricRemoteChange); got != 0 {
		t.Fatalf("store watch must be off, remote change count %d", got)
	}
}
