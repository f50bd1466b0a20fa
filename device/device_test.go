package device

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/verification"
)

type call struct {
	method string
	path   string
	body   map[string]string
}

type fakeCaller struct {
	mu      sync.Mutex
	calls   []call
	respond func(c call) (any, error)
}

func (f *fakeCaller) do(method, path string, in, out any) error {
	body, _ := in.(map[string]string)
	c := call{method: method, path: path, body: body}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	if f.respond == nil {
		return nil
	}
	resp, err := f.respond(c)
	if err != nil {
		return err
	}
	if out != nil && resp != nil {
		raw, _ := json.Marshal(resp)
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (f *fakeCaller) Get(_ context.Context, path string, out any, _ ...api.RequestOption) error {
	return f.do("GET", path, nil, out)
}

func (f *fakeCaller) Post(_ context.Context, path string, in, out any, _ ...api.RequestOption) error {
	return f.do("POST", path, in, out)
}

func (f *fakeCaller) Delete(_ context.Context, path string, out any, _ ...api.RequestOption) error {
	return f.do("DELETE", path, nil, out)
}

func (f *fakeCaller) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

var chromeSignals = Signals{
	UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	Language:       "en-US",
	ScreenWidth:    1920,
	ScreenHeight:   1080,
	ColorDepth:     24,
	PixelRatio:     1,
	TimezoneOffset: -60,
	RenderEntropy:  "canvas:abc123",
}

func TestFingerprintStableAndDistinct(t *testing.T) {
	a := Fingerprint(chromeSignals)
	if a != Fingerprint(chromeSignals) {
		t.Fatal("fingerprint must be deterministic")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}

	other := chromeSignals
	other.UserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
	if Fingerprint(other) == a {
		t.Fatal("different browsers must differ")
	}
	shifted := chromeSignals
	shifted.UserAgent += "e"
	shifted.Language = "n-US"
	if Fingerprint(shifted) == a {
		t.Fatal("field boundaries must be preserved")
	}
}

func TestFingerprintCachedInStore(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	m := NewManager(Options{Store: store, Key: "authflow:device:fingerprint", Signals: StaticSignals(chromeSignals)})

	fp, err := m.Fingerprint(ctx)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	cached, _ := store.Get(ctx, "authflow:device:fingerprint")
	if cached != fp {
		t.Fatalf("expected cached %q, got %q", fp, cached)
	}

	changed := chromeSignals
	changed.ScreenWidth = 800
	m2 := NewManager(Options{Store: store, Key: "authflow:device:fingerprint", Signals: StaticSignals(changed)})
	fp2, _ := m2.Fingerprint(ctx)
	if fp2 != fp {
		t.Fatal("cached fingerprint must survive restarts")
	}
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		ua   string
		want Info
	}{
		{chromeSignals.UserAgent, Info{Name: "Chrome on Windows", DeviceType: TypeDesktop, OS: "Windows", Browser: "Chrome"}},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			Info{Name: "Safari on iOS", DeviceType: TypeMobile, OS: "iOS", Browser: "Safari"}},
		{"Mozilla/5.0 (Linux; Android 13; SM-X700) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			Info{Name: "Chrome on Android", DeviceType: TypeTablet, OS: "Android", Browser: "Chrome"}},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36 Edg/120.0",
			Info{Name: "Edge on macOS", DeviceType: TypeDesktop, OS: "macOS", Browser: "Edge"}},
	}
	for _, tc := range cases {
		if got := Describe(tc.ua); got != tc.want {
			t.Fatalf("Describe(%q) = %+v, want %+v", tc.ua, got, tc.want)
		}
	}
}

func newManager(caller *fakeCaller, now func() time.Time) *Manager {
	return NewManager(Options{
		API:     caller,
		Store:   kv.NewMemoryStore(),
		Key:     "authflow:device:fingerprint",
		Signals: StaticSignals(chromeSignals),
		Now:     now,
	})
}

func TestDeviceChallengeLifecycle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	caller := &fakeCaller{respond: func(c call) (any, error) {
		switch c.path {
		case "/auth/resend-device-code":
			return map[string]any{"resend_available_at": now.Unix() + 60}, nil
		case "/auth/verify-device":
			if c.body["code"] != "424242" {
				return nil, &api.ValidationError{Message: "invalid", Fields: map[string][]string{"code": {"Invalid code."}}}
			}
			return map[string]any{"token": "device-token"}, nil
		}
		return nil, nil
	}}
	m := newManager(caller, clock)
	ctx := context.Background()

	if _, err := m.RequestCode(ctx); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("expected ErrNoChallenge, got %v", err)
	}
	if err := m.BeginChallenge(ctx, "server-fp", "7", 0); err != nil {
		t.Fatalf("BeginChallenge failed: %v", err)
	}
	if m.Challenge().Snapshot().State != ChallengeUnknownDevice {
		t.Fatal("expected unknown device state")
	}

	if _, err := m.RequestCode(ctx); err != nil {
		t.Fatalf("RequestCode failed: %v", err)
	}
	if got := caller.last().body; got["fingerprint"] != "server-fp" || got["user_id"] != "7" {
		t.Fatalf("unexpected resend body %+v", got)
	}
	if m.Challenge().Snapshot().State != ChallengeCodeSent {
		t.Fatal("expected code sent state")
	}
	if _, err := m.RequestCode(ctx); !errors.Is(err, verification.ErrResendCooldown) {
		t.Fatalf("expected local cooldown, got %v", err)
	}

	if _, err := m.VerifyCode(ctx, "000000"); api.KindOf(err) != api.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if m.Challenge().Snapshot().State != ChallengeCodeSent {
		t.Fatal("failed verification must keep the challenge open")
	}
	resp, fired, err := m.EnterCode(ctx, "424242")
	if !fired || err != nil || resp.Token != "device-token" {
		t.Fatalf("unexpected verify result fired=%v resp=%+v err=%v", fired, resp, err)
	}
	if m.Challenge().Snapshot().State != ChallengeTrustedForSession {
		t.Fatal("expected trusted for session")
	}
}

func TestPrivilegedActionsRequirePassword(t *testing.T) {
	caller := &fakeCaller{respond: func(c call) (any, error) {
		if c.path == "/devices/revoke-all" {
			return map[string]any{"revoked": 2}, nil
		}
		return nil, nil
	}}
	m := newManager(caller, nil)
	ctx := context.Background()

	if err := m.Trust(ctx, "d1", ""); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
	if _, err := m.RevokeAll(ctx, " "); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
	if len(caller.calls) != 0 {
		t.Fatal("no request may be sent without a password")
	}

	n, err := m.RevokeAll(ctx, "secret")
	if err != nil || n != 2 {
		t.Fatalf("RevokeAll failed: n=%d err=%v", n, err)
	}
	fp, _ := m.Fingerprint(ctx)
	if caller.last().body["current_fingerprint"] != fp {
		t.Fatal("revoke-all must identify the current device")
	}

	if err := m.Trust(ctx, "d1", "secret"); err != nil {
		t.Fatalf("Trust failed: %v", err)
	}
	if c := caller.last(); c.path != "/devices/d1/trust" || c.body["password"] != "secret" {
		t.Fatalf("unexpected trust call %+v", c)
	}
	if err := m.Revoke(ctx, "d2"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if c := caller.last(); c.method != "DELETE" || c.path != "/devices/d2/revoke" {
		t.Fatalf("unexpected revoke call %+v", c)
	}
}

func TestRegisterIsBestEffort(t *testing.T) {
	caller := &fakeCaller{respond: func(call) (any, error) {
		return nil, &api.ServerError{StatusCode: 500, Message: "down"}
	}}
	m := newManager(caller, nil)
	if err := m.Register(context.Background()); api.KindOf(err) != api.KindServer {
		t.Fatalf("expected the failure to be reported, got %v", err)
	}
	if c := caller.last(); c.body["name"] != "Chrome on Windows" || c.body["fingerprint"] == "" {
		t.Fatalf("unexpected register body %+v", c.body)
	}
}
