package verification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/kv"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeAPI struct {
	mu      sync.Mutex
	calls   []string
	handler func(path string, in map[string]string) (any, error)
}

func (f *fakeAPI) Post(_ context.Context, path string, in, out any, _ ...api.RequestOption) error {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	h := f.handler
	f.mu.Unlock()

	body, _ := in.(map[string]string)
	resp, err := h(path, body)
	if err != nil {
		return err
	}
	if out != nil && resp != nil {
		raw, _ := json.Marshal(resp)
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (f *fakeAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == path {
			n++
		}
	}
	return n
}

func newOpts(fake *fakeAPI, store kv.Store, clock *testClock) Options {
	return Options{
		API:        fake,
		Persister:  NewPersister(store, "authflow"),
		Now:        clock.Now,
		MinimumAge: 13,
	}
}

func phoneServer(clock *testClock) *fakeAPI {
	return &fakeAPI{handler: func(path string, in map[string]string) (any, error) {
		switch path {
		case "/auth/phone/login/send-code", "/auth/phone/login/resend-code":
			return map[string]any{
				"session_id":          "s1",
				"resend_available_at": clock.Now().Unix() + 60,
				"code_expires_at":     clock.Now().Unix() + 600,
			}, nil
		case "/auth/phone/login/verify-code":
			if in["code"] != "123456" {
				return nil, &api.ValidationError{Message: "invalid", Fields: map[string][]string{"code": {"Invalid code."}}}
			}
			return map[string]any{"token": "abc"}, nil
		}
		return nil, errors.New("unexpected path " + path)
	}}
}

func TestCountdownDecreasesToExactEpoch(t *testing.T) {
	clock := newTestClock()
	target := clock.Now().Unix() + 60
	cd := NewCountdown(target, clock.Now)

	prev := cd.Seconds()
	if prev != 60 || cd.Ready() {
		t.Fatalf("expected 60s and not ready, got %d ready=%v", prev, cd.Ready())
	}
	for i := 0; i < 59; i++ {
		clock.Advance(time.Second)
		cur := cd.Seconds()
		if cur >= prev {
			t.Fatalf("countdown did not strictly decrease: %d -> %d", prev, cur)
		}
		if cd.Ready() {
			t.Fatalf("ready too early at %d", clock.Now().Unix())
		}
		prev = cur
	}
	clock.Advance(time.Second)
	if clock.Now().Unix() != target || !cd.Ready() || cd.Seconds() != 0 {
		t.Fatalf("expected ready exactly at %d", target)
	}
	if cd.Label() != "0:00" {
		t.Fatalf("unexpected label %q", cd.Label())
	}
}

func TestCountdownIgnoresHowLongItExisted(t *testing.T) {
	clock := newTestClock()
	cd := NewCountdown(clock.Now().Unix()+30, clock.Now)
	clock.Advance(10 * time.Minute)
	if !cd.Ready() || cd.Seconds() != 0 {
		t.Fatal("expected countdown derived from absolute time")
	}
}

func TestCountdownTickCloses(t *testing.T) {
	cd := NewCountdown(time.Now().Unix()-1, time.Now)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []int64
	for v := range cd.Tick(ctx, time.Millisecond) {
		got = append(got, v)
	}
	if len(got) != 1 || got[0] != 0 {
		t.Fatalf("expected single zero tick, got %v", got)
	}
}

func TestCodeInputFiresOncePerDistinctValue(t *testing.T) {
	in := NewCodeInput(6)

	fires := 0
	for _, v := range []string{"1", "12", "123", "1234", "12345", "123456", "123456", "1234567", "123456"} {
		if _, ok := in.Input(v); ok {
			fires++
		}
	}
	if fires != 1 {
		t.Fatalf("expected one auto-submit, got %d", fires)
	}
	if !in.Pending() {
		t.Fatal("expected pending after auto-submit")
	}
	if _, ok := in.Input("654321"); ok {
		t.Fatal("must not fire while pending")
	}
	if in.Begin("654321") {
		t.Fatal("explicit submit must be rejected while pending")
	}

	in.Done()
	if _, ok := in.Input("654321"); !ok {
		t.Fatal("expected new distinct value to fire after completion")
	}
	in.Done()
	if _, ok := in.Input("654321"); ok {
		t.Fatal("same value must not fire twice")
	}
	in.Input("65432")
	if code, ok := in.Input("65432-1"); !ok || code != "654321" {
		t.Fatalf("expected re-arrival at full length to fire, got %q %v", code, ok)
	}
}

func TestPhoneLoginResendRejectedLocallyDuringCooldown(t *testing.T) {
	clock := newTestClock()
	fake := phoneServer(clock)
	p := NewPhoneLogin(newOpts(fake, kv.NewMemoryStore(), clock))
	ctx := context.Background()

	s, err := p.SendCode(ctx, "+15551234567")
	if err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}
	if s.ID != "s1" || s.ResendAvailableAt != clock.Now().Unix()+60 {
		t.Fatalf("unexpected session %+v", s)
	}

	clock.Advance(59 * time.Second)
	err = p.Resend(ctx)
	if !errors.Is(err, ErrResendCooldown) {
		t.Fatalf("expected ErrResendCooldown, got %v", err)
	}
	var cd *CooldownError
	if !errors.As(err, &cd) || cd.Remaining != time.Second {
		t.Fatalf("expected 1s remaining, got %v", err)
	}
	if fake.count("/auth/phone/login/resend-code") != 0 {
		t.Fatal("resend must not reach the network during cooldown")
	}

	clock.Advance(time.Second)
	if err := p.Resend(ctx); err != nil {
		t.Fatalf("Resend failed at exact availability: %v", err)
	}
	if fake.count("/auth/phone/login/resend-code") != 1 {
		t.Fatal("expected one resend call")
	}
}

func TestResendRateLimitMovesWindow(t *testing.T) {
	clock := newTestClock()
	fake := phoneServer(clock)
	p := NewPhoneLogin(newOpts(fake, kv.NewMemoryStore(), clock))
	ctx := context.Background()

	if _, err := p.SendCode(ctx, "+15551234567"); err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}
	clock.Advance(time.Minute)
	fake.handler = func(string, map[string]string) (any, error) {
		return nil, &api.RateLimitedError{Message: "slow", AvailableAt: clock.Now().Unix() + 120}
	}
	if err := p.Resend(ctx); api.KindOf(err) != api.KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if got := p.Countdown().Seconds(); got != 120 {
		t.Fatalf("expected countdown from server hint, got %d", got)
	}
}

func TestPhoneLoginAutoSubmit(t *testing.T) {
	clock := newTestClock()
	fake := phoneServer(clock)
	store := kv.NewMemoryStore()
	p := NewPhoneLogin(newOpts(fake, store, clock))
	ctx := context.Background()

	if _, err := p.SendCode(ctx, "+15551234567"); err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}
	if _, fired, _ := p.Enter(ctx, "12345"); fired {
		t.Fatal("must not submit before full length")
	}
	resp, fired, err := p.Enter(ctx, "123456")
	if !fired || err != nil || resp.Token != "abc" {
		t.Fatalf("expected auto-submit with token, got fired=%v resp=%+v err=%v", fired, resp, err)
	}
	if fake.count("/auth/phone/login/verify-code") != 1 {
		t.Fatal("expected exactly one verify call")
	}
	if _, err := store.Get(ctx, "authflow:flow:phone_login"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatal("completed flow must be discarded")
	}
}

func TestPhoneLoginInvalidCodeKeepsStep(t *testing.T) {
	clock := newTestClock()
	p := NewPhoneLogin(newOpts(phoneServer(clock), kv.NewMemoryStore(), clock))
	ctx := context.Background()

	_, _ = p.SendCode(ctx, "+15551234567")
	if _, err := p.VerifyCode(ctx, "12a456"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	_, err := p.VerifyCode(ctx, "000000")
	if api.KindOf(err) != api.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if p.Step() != 2 {
		t.Fatalf("expected to remain at step 2, got %d", p.Step())
	}
}

func TestPhoneLoginSecondFactorKeepsSession(t *testing.T) {
	clock := newTestClock()
	fake := &fakeAPI{handler: func(path string, in map[string]string) (any, error) {
		switch {
		case path == "/auth/phone/login/send-code":
			return map[string]any{"session_id": "s1", "resend_available_at": clock.Now().Unix() + 60}, nil
		case in["code"] == "123456":
			return map[string]any{"requires_2fa": true}, nil
		case in["two_factor_code"] == "654321" && in["session_id"] == "s1":
			return map[string]any{"token": "abc"}, nil
		}
		return nil, &api.ValidationError{Message: "invalid", Fields: map[string][]string{"two_factor_code": {"Invalid."}}}
	}}
	store := kv.NewMemoryStore()
	p := NewPhoneLogin(newOpts(fake, store, clock))
	ctx := context.Background()

	if _, err := p.SendCode(ctx, "+15551234567"); err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}
	resp, err := p.VerifyCode(ctx, "123456")
	if err != nil || !resp.Requires2FA {
		t.Fatalf("expected two-factor signal, got resp=%+v err=%v", resp, err)
	}
	if p.Step() != 3 {
		t.Fatalf("expected step 3, got %d", p.Step())
	}
	if _, err := p.SubmitSecondFactor(ctx, "two_factor_code", "000000"); api.KindOf(err) != api.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if p.Step() != 3 {
		t.Fatal("a rejected second factor must keep the session")
	}
	resp, err = p.SubmitSecondFactor(ctx, "two_factor_code", "654321")
	if err != nil || resp.Token != "abc" {
		t.Fatalf("expected token, got resp=%+v err=%v", resp, err)
	}
	if _, err := store.Get(ctx, "authflow:flow:phone_login"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatal("completed flow must be discarded")
	}
}

func TestSessionsSurviveReload(t *testing.T) {
	clock := newTestClock()
	store := kv.NewMemoryStore()
	ctx := context.Background()

	phone := NewPhoneLogin(newOpts(phoneServer(clock), store, clock))
	if _, err := phone.SendCode(ctx, "+15551234567"); err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}

	reg := NewRegistration(newOpts(&fakeAPI{handler: func(path string, _ map[string]string) (any, error) {
		return map[string]any{"session_id": "r1", "resend_available_at": clock.Now().Unix() + 60}, nil
	}}, store, clock))
	if _, err := reg.Start(ctx, RegistrationStart{Name: "Ada", DateOfBirth: "1990-01-01", Contact: "ada@example.com"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	phone2 := NewPhoneLogin(newOpts(phoneServer(clock), store, clock))
	s, ok, err := phone2.Resume(ctx)
	if err != nil || !ok || s.ID != "s1" || s.Step != 2 {
		t.Fatalf("unexpected phone resume %+v ok=%v err=%v", s, ok, err)
	}
	reg2 := NewRegistration(newOpts(&fakeAPI{}, store, clock))
	s, ok, err = reg2.Resume(ctx)
	if err != nil || !ok || s.ID != "r1" || s.Step != 2 || s.ContactType != "email" {
		t.Fatalf("unexpected registration resume %+v ok=%v err=%v", s, ok, err)
	}
	if reg2.Countdown().AvailableAt() != clock.Now().Unix()+60 {
		t.Fatal("resumed countdown must keep the server epoch")
	}
}

func TestSessionIDBoundToOneFlow(t *testing.T) {
	clock := newTestClock()
	store := kv.NewMemoryStore()
	ctx := context.Background()

	phone := NewPhoneLogin(newOpts(phoneServer(clock), store, clock))
	if _, err := phone.SendCode(ctx, "+15551234567"); err != nil {
		t.Fatalf("SendCode failed: %v", err)
	}
	reg := NewRegistration(newOpts(&fakeAPI{handler: func(string, map[string]string) (any, error) {
		return map[string]any{"session_id": "s1"}, nil
	}}, store, clock))
	_, err := reg.Start(ctx, RegistrationStart{Name: "Ada", DateOfBirth: "1990-01-01", Contact: "+15550000000"})
	if !errors.Is(err, ErrFlowMismatch) {
		t.Fatalf("expected ErrFlowMismatch, got %v", err)
	}

	_ = store.Set(ctx, "authflow:flow:registration", `{"session_id":"x","flow_kind":"phone_login","current_step":2}`)
	if _, ok, _ := reg.Resume(ctx); ok {
		t.Fatal("blob claiming another kind must be discarded")
	}
}

func TestRegistrationFullFlowAndBack(t *testing.T) {
	clock := newTestClock()
	store := kv.NewMemoryStore()
	ctx := context.Background()
	fake := &fakeAPI{handler: func(path string, in map[string]string) (any, error) {
		switch path {
		case "/auth/register/step1":
			return map[string]any{"session_id": "r1", "resend_available_at": clock.Now().Unix() + 60}, nil
		case "/auth/register/step2":
			return map[string]any{"message": "ok"}, nil
		case "/auth/register/step3":
			return map[string]any{"token": "tok", "user": map[string]any{"id": 1, "name": "Ada"}}, nil
		}
		return nil, errors.New("unexpected " + path)
	}}
	reg := NewRegistration(newOpts(fake, store, clock))

	if _, err := reg.Start(ctx, RegistrationStart{Name: "Kid", DateOfBirth: "2020-01-01", Contact: "kid@example.com"}); !errors.Is(err, ErrUnderage) {
		t.Fatalf("expected ErrUnderage, got %v", err)
	}
	if fake.count("/auth/register/step1") != 0 {
		t.Fatal("underage check must not reach the network")
	}

	if _, err := reg.Start(ctx, RegistrationStart{Name: "Ada", DateOfBirth: "1990-01-01", Contact: "ada@example.com"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := reg.VerifyCode(ctx, "111111"); err != nil {
		t.Fatalf("VerifyCode failed: %v", err)
	}
	if reg.Step() != 3 {
		t.Fatalf("expected step 3, got %d", reg.Step())
	}

	if err := reg.Back(ctx); err != nil {
		t.Fatalf("Back failed: %v", err)
	}
	if reg.Step() != 2 || reg.Code().Value() != "" {
		t.Fatalf("expected step 2 with cleared code, got %d %q", reg.Step(), reg.Code().Value())
	}
	if err := reg.Back(ctx); err != nil {
		t.Fatalf("Back failed: %v", err)
	}
	if reg.Step() != 1 || reg.Countdown().AvailableAt() != 0 {
		t.Fatal("going back to step 1 must clear timers")
	}

	_, _ = reg.Start(ctx, RegistrationStart{Name: "Ada", DateOfBirth: "1990-01-01", Contact: "ada@example.com"})
	_ = reg.VerifyCode(ctx, "111111")
	resp, err := reg.Complete(ctx, RegistrationCredentials{Username: "ada", Password: "pw", PasswordConfirmation: "pw"})
	if err != nil || resp.Token != "tok" || resp.User == nil || resp.User.ID != "1" {
		t.Fatalf("unexpected completion %+v err=%v", resp, err)
	}
	if reg.Step() != 1 {
		t.Fatal("completed flow must reset")
	}
}

func TestStaleResponseDiscardedAfterBack(t *testing.T) {
	clock := newTestClock()
	release := make(chan struct{})
	entered := make(chan struct{})
	fake := &fakeAPI{handler: func(path string, _ map[string]string) (any, error) {
		if path == "/auth/phone/login/verify-code" {
			close(entered)
			<-release
			return map[string]any{"token": "late"}, nil
		}
		return map[string]any{"session_id": "s1", "resend_available_at": clock.Now().Unix() + 60}, nil
	}}
	p := NewPhoneLogin(newOpts(fake, kv.NewMemoryStore(), clock))
	ctx := context.Background()
	_, _ = p.SendCode(ctx, "+15551234567")

	done := make(chan error, 1)
	go func() {
		_, err := p.VerifyCode(ctx, "123456")
		done <- err
	}()
	<-entered
	if _, err := p.VerifyCode(ctx, "123456"); !errors.Is(err, ErrSubmitPending) {
		t.Fatalf("expected ErrSubmitPending, got %v", err)
	}
	if err := p.Back(ctx); err != nil {
		t.Fatalf("Back failed: %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if p.Step() != 1 {
		t.Fatalf("stale response must not change state, step=%d", p.Step())
	}
}

func TestPasswordResetFlow(t *testing.T) {
	clock := newTestClock()
	store := kv.NewMemoryStore()
	ctx := context.Background()
	var resetBody map[string]string
	fake := &fakeAPI{handler: func(path string, in map[string]string) (any, error) {
		switch path {
		case "/auth/password/forgot":
			return map[string]any{"resend_available_at": clock.Now().Unix() + 60}, nil
		case "/auth/password/verify-code":
			return map[string]any{"message": "ok"}, nil
		case "/auth/password/reset":
			resetBody = in
			return map[string]any{"message": "reset"}, nil
		}
		return nil, errors.New("unexpected " + path)
	}}
	pr := NewPasswordReset(newOpts(fake, store, clock))

	if _, err := pr.Forgot(ctx, "ada@example.com"); err != nil {
		t.Fatalf("Forgot failed: %v", err)
	}
	if err := pr.VerifyCode(ctx, "222222"); err != nil {
		t.Fatalf("VerifyCode failed: %v", err)
	}

	reloaded := NewPasswordReset(newOpts(fake, store, clock))
	s, ok, err := reloaded.Resume(ctx)
	if err != nil || !ok || s.Step != 2 {
		t.Fatalf("resume without verified code must land on step 2, got %+v ok=%v err=%v", s, ok, err)
	}

	if err := pr.Reset(ctx, "new-password", "new-password"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if resetBody["code"] != "222222" || resetBody["email"] != "ada@example.com" {
		t.Fatalf("unexpected reset body %+v", resetBody)
	}
}

type failingStore struct {
	kv.Store
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) setFailing(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *failingStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.Store.Set(ctx, key, value)
}

func TestPasswordResetLogsFailedRewind(t *testing.T) {
	clock := newTestClock()
	store := &failingStore{Store: kv.NewMemoryStore()}
	ctx := context.Background()
	fake := &fakeAPI{handler: func(path string, in map[string]string) (any, error) {
		switch path {
		case "/auth/password/forgot":
			return map[string]any{"resend_available_at": clock.Now().Unix() + 60}, nil
		case "/auth/password/verify-code":
			return map[string]any{"message": "ok"}, nil
		}
		return nil, errors.New("unexpected " + path)
	}}
	pr := NewPasswordReset(newOpts(fake, store, clock))
	if _, err := pr.Forgot(ctx, "ada@example.com"); err != nil {
		t.Fatalf("Forgot failed: %v", err)
	}
	if err := pr.VerifyCode(ctx, "222222"); err != nil {
		t.Fatalf("VerifyCode failed: %v", err)
	}

	core, logs := observer.New(zap.WarnLevel)
	opts := newOpts(fake, store, clock)
	opts.Logger = zap.New(core)
	reloaded := NewPasswordReset(opts)
	// The base resume keeps step 3 even though the verified code is gone.
	if s, ok, err := reloaded.flow.Resume(ctx); err != nil || !ok || s.Step != 3 {
		t.Fatalf("expected persisted step 3, got %+v ok=%v err=%v", s, ok, err)
	}

	store.setFailing(true)
	if err := reloaded.Reset(ctx, "new-password", "new-password"); !errors.Is(err, ErrWrongStep) {
		t.Fatalf("expected ErrWrongStep, got %v", err)
	}
	if got := logs.FilterMessage("persist step rewind failed").Len(); got != 1 {
		t.Fatalf("expected the failed rewind to be logged once, got %d", got)
	}
	if fake.count("/auth/password/reset") != 0 {
		t.Fatal("reset must not be sent without a verified code")
	}
}

func TestCheckAge(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	if err := CheckAge("2013-06-15", 13, now); err != nil {
		t.Fatalf("13th birthday should pass: %v", err)
	}
	if err := CheckAge("2013-06-16", 13, now); !errors.Is(err, ErrUnderage) {
		t.Fatalf("expected ErrUnderage, got %v", err)
	}
	if err := CheckAge("2030-01-01", 13, now); !errors.Is(err, ErrInvalidBirthDate) {
		t.Fatalf("expected ErrInvalidBirthDate, got %v", err)
	}
	if err := CheckAge("15/06/2000", 13, now); !errors.Is(err, ErrInvalidBirthDate) {
		t.Fatalf("expected ErrInvalidBirthDate, got %v", err)
	}
}
