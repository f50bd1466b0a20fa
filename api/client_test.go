package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.Handler, mutate func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	opts := Options{
		BaseURL: srv.URL,
		Now:     func() time.Time { return time.Unix(1_700_000_000, 0) },
		Sleep:   func(context.Context, time.Duration) error { return nil },
		Retry:   RetryPolicy{Attempts: 3, InitialDelay: 500 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://x", "not a url", "http://"} {
		if _, err := New(Options{BaseURL: raw}); !errors.Is(err, ErrInvalidBaseURL) {
			t.Fatalf("expected ErrInvalidBaseURL for %q, got %v", raw, err)
		}
	}
}

func TestDoAttachesBearerAndCSRF(t *testing.T) {
	var handshakes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/csrf-cookie", func(w http.ResponseWriter, r *http.Request) {
		handshakes.Add(1)
		http.SetCookie(w, &http.Cookie{Name: CSRFCookie, Value: "csrf%3D1", Path: "/"})
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			writeJSON(w, http.StatusUnauthorized, Envelope{Message: "missing bearer " + got})
			return
		}
		if got := r.Header.Get(CSRFHeader); got != "csrf=1" {
			writeJSON(w, 419, Envelope{Message: "bad csrf " + got})
			return
		}
		if r.Header.Get(RequestIDHeader) == "" {
			writeJSON(w, http.StatusBadRequest, Envelope{Message: "no request id"})
			return
		}
		writeJSON(w, http.StatusOK, MessageResponse{Message: "Logged out"})
	})

	var notes []Notification
	c := newTestClient(t, mux, func(o *Options) {
		o.Tokens = TokenFunc(func(context.Context) (string, error) { return "tok", nil })
		o.Notify = func(_ context.Context, n Notification) { notes = append(notes, n) }
	})

	for i := 0; i < 2; i++ {
		if err := c.Post(context.Background(), "/auth/logout", nil, nil); err != nil {
			t.Fatalf("Post %d failed: %v", i, err)
		}
	}
	if handshakes.Load() != 1 {
		t.Fatalf("expected one handshake, got %d", handshakes.Load())
	}
	if len(notes) != 2 || notes[0].Level != LevelSuccess || notes[0].Message != "Logged out" {
		t.Fatalf("unexpected notifications %+v", notes)
	}
}

func TestHandshakeFailureIsNotFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/csrf-cookie", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, AuthResponse{Token: "abc"})
	})
	c := newTestClient(t, mux, nil)

	var out AuthResponse
	if err := c.Post(context.Background(), "/auth/login", map[string]string{"login": "x"}, &out); err != nil {
		t.Fatalf("expected request to proceed, got %v", err)
	}
	if out.Token != "abc" {
		t.Fatalf("expected token abc, got %q", out.Token)
	}
}

func TestErrorTranslation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/422", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 422, Envelope{Message: "invalid", Errors: map[string][]string{"two_factor_code": {"The code is invalid."}}})
	})
	mux.HandleFunc("/419", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 419, Envelope{Message: "CSRF token mismatch."})
	})
	mux.HandleFunc("/403-device", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 403, Envelope{Message: "new device", RequiresDeviceVerification: true, Fingerprint: "fp", UserID: "7"})
	})
	mux.HandleFunc("/403", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 403, Envelope{Message: "forbidden"})
	})
	mux.HandleFunc("/500", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 500, Envelope{Message: "boom"})
	})
	c := newTestClient(t, mux, nil)
	ctx := context.Background()

	cases := map[string]Kind{
		"/422":        KindValidation,
		"/419":        KindCSRFMismatch,
		"/403-device": KindDeviceVerificationRequired,
		"/403":        KindRequest,
		"/500":        KindServer,
	}
	for path, want := range cases {
		err := c.Get(ctx, path, nil)
		if got := KindOf(err); got != want {
			t.Fatalf("%s: expected %s, got %s (%v)", path, want, got, err)
		}
	}

	err := c.Get(ctx, "/422", nil)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field("two_factor_code") != "The code is invalid." {
		t.Fatalf("expected field error, got %v", err)
	}

	err = c.Get(ctx, "/403-device", nil)
	var dv *DeviceVerificationRequiredError
	if !errors.As(err, &dv) || dv.Fingerprint != "fp" || dv.UserID != "7" {
		t.Fatalf("unexpected device error %+v", err)
	}
}

func TestUnauthorizedHookOnlyWithBearer(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, Envelope{Message: "Unauthenticated."})
	})
	var calls atomic.Int32
	token := ""
	c := newTestClient(t, h, func(o *Options) {
		o.Tokens = TokenFunc(func(context.Context) (string, error) { return token, nil })
		o.OnUnauthorized = func(context.Context) { calls.Add(1) }
	})

	if err := c.Get(context.Background(), "/auth/me", nil); KindOf(err) != KindSessionInvalid {
		t.Fatalf("expected session invalid, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("hook must not fire for anonymous requests")
	}

	token = "stale"
	_ = c.Get(context.Background(), "/auth/me", nil)
	if calls.Load() != 1 {
		t.Fatalf("expected hook to fire once, got %d", calls.Load())
	}
}

func TestRateLimitHintPrecedence(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	i := func(v int64) *int64 { return &v }

	cases := []struct {
		name   string
		hints  Hints
		header string
		want   int64
		src    HintSource
	}{
		{"retry_after wins", Hints{RetryAfter: i(now.Unix() + 10), ResendAvailableAt: i(now.Unix() + 20), RemainingSeconds: i(30)}, "", now.Unix() + 10, HintRetryAfter},
		{"resend_available_at next", Hints{ResendAvailableAt: i(now.Unix() + 20), RemainingSeconds: i(30)}, "", now.Unix() + 20, HintResendAvailableAt},
		{"remaining_seconds relative", Hints{RemainingSeconds: i(30)}, "", now.Unix() + 30, HintRemainingSeconds},
		{"header before default", Hints{}, "15", now.Unix() + 15, HintRetryAfterHeader},
		{"default cooldown", Hints{}, "", now.Unix() + 60, HintDefault},
	}
	for _, tc := range cases {
		h := http.Header{}
		if tc.header != "" {
			h.Set("Retry-After", tc.header)
		}
		at, src := resolveRateLimit(tc.hints, h, now, 60*time.Second)
		if at != tc.want || src != tc.src {
			t.Fatalf("%s: got (%d,%d), want (%d,%d)", tc.name, at, src, tc.want, tc.src)
		}
	}
}

func TestRateLimitedErrorFromResponse(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"message": "slow down", "remaining_seconds": 42})
	})
	c := newTestClient(t, h, nil)

	err := c.Get(context.Background(), "/x", nil)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.AvailableAt != 1_700_000_042 || rl.Source != HintRemainingSeconds {
		t.Fatalf("unexpected hint resolution %+v", rl)
	}
	if rl.Remaining(time.Unix(1_700_000_040, 0)) != 2*time.Second {
		t.Fatalf("unexpected remaining %v", rl.Remaining(time.Unix(1_700_000_040, 0)))
	}
}

func TestRetryOnlyWhenOptedInAndOnlyForNetworkErrors(t *testing.T) {
	c, err := New(Options{
		BaseURL: "http://127.0.0.1:1",
		Retry:   RetryPolicy{Attempts: 3, InitialDelay: 500 * time.Millisecond},
		Sleep:   func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	var delays []int
	c.onRetry = func(attempt int, _ error) { delays = append(delays, attempt) }

	if err := c.Get(context.Background(), "/devices/list", nil); KindOf(err) != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no retries without opt-in, got %v", delays)
	}

	if err := c.Get(context.Background(), "/devices/list", nil, WithRetry()); KindOf(err) != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 retries for 3 attempts, got %v", delays)
	}

	var hits atomic.Int32
	c2 := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, 500, Envelope{Message: "down"})
	}), nil)
	_ = c2.Get(context.Background(), "/devices/list", nil, WithRetry())
	if hits.Load() != 1 {
		t.Fatalf("server errors must not be retried, got %d hits", hits.Load())
	}
}

func TestRetryDelaysDouble(t *testing.T) {
	var slept []time.Duration
	c, err := New(Options{
		BaseURL: "http://127.0.0.1:1",
		Retry:   RetryPolicy{Attempts: 3, InitialDelay: 500 * time.Millisecond},
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_ = c.Get(context.Background(), "/x", nil, WithRetry())
	if len(slept) != 2 || slept[0] != 500*time.Millisecond || slept[1] != time.Second {
		t.Fatalf("unexpected delays %v", slept)
	}
}

func TestMapFormErrors(t *testing.T) {
	err := &ValidationError{
		Message: "The given data was invalid.",
		Fields: map[string][]string{
			"login":   {"The login field is required."},
			"captcha": {"Captcha failed."},
		},
	}
	got := MapFormErrors(err, "login", "password")
	if got["login"] != "The login field is required." {
		t.Fatalf("unexpected login message %q", got["login"])
	}
	if got[GeneralField] != "Captcha failed." {
		t.Fatalf("expected unmapped field in general slot, got %q", got[GeneralField])
	}

	got = MapFormErrors(&ServerError{StatusCode: 500, Message: "boom"}, "login")
	if got[GeneralField] == "" {
		t.Fatal("expected general message for server error")
	}
	if MapFormErrors(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestIDAcceptsNumbersAndStrings(t *testing.T) {
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a": 42, "b": "x-1"}`), &v); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if v.A != "42" || v.B != "x-1" {
		t.Fatalf("unexpected ids %+v", v)
	}
	if n, ok := v.A.Int64(); !ok || n != 42 {
		t.Fatalf("expected numeric id, got %d %v", n, ok)
	}
}
