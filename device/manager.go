package device

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/verification"
	"go.uber.org/zap"
)

var (
	// ErrPasswordRequired is returned by privileged actions called without a password.
	ErrPasswordRequired = errors.New("device: password confirmation required")
	// ErrNoChallenge is returned when no device challenge is active.
	ErrNoChallenge = errors.New("device: no verification challenge active")
	// ErrMissingDeviceID is returned for operations without a device id.
	ErrMissingDeviceID = errors.New("device: device id required")
)

// Caller is the part of the API client the manager uses.
type Caller interface {
	Get(ctx context.Context, path string, out any, opts ...api.RequestOption) error
	Post(ctx context.Context, path string, in, out any, opts ...api.RequestOption) error
	Delete(ctx context.Context, path string, out any, opts ...api.RequestOption) error
}

// Options configures a [Manager].
type Options struct {
	API             Caller
	Store           kv.Store
	Key             string
	Signals         SignalSource
	Logger          *zap.Logger
	Now             func() time.Time
	CodeLength      int
	DefaultCooldown time.Duration
}

// SecurityReport is the body of GET /devices/security-check.
type SecurityReport struct {
	TotalDevices         int      `json:"total_devices"`
	TrustedDevices       int      `json:"trusted_devices"`
	UntrustedDevices     int      `json:"untrusted_devices"`
	CurrentDeviceTrusted bool     `json:"current_device_trusted"`
	Recommendations      []string `json:"recommendations,omitempty"`
}

// Manager computes the device fingerprint and drives the device endpoints.
type Manager struct {
	api      Caller
	store    kv.Store
	key      string
	signals  SignalSource
	logger   *zap.Logger
	now      func() time.Time
	cooldown time.Duration

	fpMu sync.Mutex
	fp   string

	challenge *Challenge
}

// NewManager returns a device manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		api:      opts.API,
		store:    opts.Store,
		key:      opts.Key,
		signals:  opts.Signals,
		logger:   opts.Logger,
		now:      opts.Now,
		cooldown: opts.DefaultCooldown,
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.cooldown <= 0 {
		m.cooldown = 60 * time.Second
	}
	if m.signals == nil {
		m.signals = HostSignals{Now: m.now}
	}
	m.challenge = newChallenge(opts.CodeLength, m.now)
	return m
}

// Fingerprint returns the cached fingerprint, deriving and caching it on
// first use. It is stable across restarts as long as the store is.
func (m *Manager) Fingerprint(ctx context.Context) (string, error) {
	m.fpMu.Lock()
	defer m.fpMu.Unlock()

	if m.fp != "" {
		return m.fp, nil
	}
	if m.store != nil && m.key != "" {
		if v, err := m.store.Get(ctx, m.key); err == nil && v != "" {
			m.fp = v
			return v, nil
		}
	}

	s, err := m.signals.Signals(ctx)
	if err != nil {
		return "", fmt.Errorf("device: collect signals: %w", err)
	}
	fp := Fingerprint(s)
	if m.store != nil && m.key != "" {
		if err := m.store.Set(ctx, m.key, fp); err != nil {
			m.logger.Warn("device fingerprint not cached", zap.Error(err))
		}
	}
	m.fp = fp
	return fp, nil
}

// HeaderValue is the fingerprint for outgoing requests; failures yield "".
func (m *Manager) HeaderValue(ctx context.Context) string {
	fp, err := m.Fingerprint(ctx)
	if err != nil {
		return ""
	}
	return fp
}

// Info describes the current device.
func (m *Manager) Info(ctx context.Context) Info {
	s, err := m.signals.Signals(ctx)
	if err != nil {
		return Describe("")
	}
	return Describe(s.UserAgent)
}

// Register informs the server about the current device. It is best-effort:
// failures are logged and returned but must not block login.
func (m *Manager) Register(ctx context.Context) error {
	fp, err := m.Fingerprint(ctx)
	if err != nil {
		m.logger.Warn("device registration skipped", zap.Error(err))
		return err
	}
	info := m.Info(ctx)
	err = m.api.Post(ctx, "/devices/advanced/register", map[string]string{
		"fingerprint": fp,
		"name":        info.Name,
		"device_type": info.DeviceType,
		"os":          info.OS,
		"browser":     info.Browser,
	}, nil, api.Silent())
	if err != nil {
		m.logger.Warn("device registration failed", zap.Error(err))
		return err
	}
	return nil
}

// Challenge returns the device-code challenge of the current login attempt.
func (m *Manager) Challenge() *Challenge {
	return m.challenge
}

// BeginChallenge enters the challenge for an unrecognized device. A server
// supplied fingerprint overrides the local one for the verification call.
func (m *Manager) BeginChallenge(ctx context.Context, fingerprint string, userID api.ID, resendAvailableAt int64) error {
	if fingerprint == "" {
		fp, err := m.Fingerprint(ctx)
		if err != nil {
			return err
		}
		fingerprint = fp
	}
	m.challenge.begin(fingerprint, userID, resendAvailableAt)
	return nil
}

// RequestCode sends (or re-sends) the device code. Inside the resend window
// it fails locally with verification.ErrResendCooldown.
func (m *Manager) RequestCode(ctx context.Context) (int64, error) {
	snap, gen, err := m.challenge.snapshot()
	if err != nil {
		return 0, err
	}
	cd := verification.NewCountdown(snap.ResendAvailableAt, m.now)
	if !cd.Ready() {
		return 0, &verification.CooldownError{AvailableAt: snap.ResendAvailableAt, Remaining: cd.Remaining()}
	}

	body := map[string]string{"fingerprint": snap.Fingerprint}
	if snap.UserID != "" {
		body["user_id"] = snap.UserID.String()
	}
	var out struct {
		ResendAvailableAt int64 `json:"resend_available_at"`
	}
	if err := m.api.Post(ctx, "/auth/resend-device-code", body, &out); err != nil {
		var rl *api.RateLimitedError
		if errors.As(err, &rl) {
			m.challenge.codeSent(gen, rl.AvailableAt, false)
		}
		return 0, err
	}

	at := out.ResendAvailableAt
	if at <= 0 {
		at = m.now().Add(m.cooldown).Unix()
	}
	if err := m.challenge.codeSent(gen, at, true); err != nil {
		return 0, err
	}
	return at, nil
}

// VerifyCode submits a device code explicitly.
func (m *Manager) VerifyCode(ctx context.Context, code string) (*api.AuthResponse, error) {
	if !verification.ValidCode(code, m.challenge.input.Length()) {
		return nil, verification.ErrInvalidCode
	}
	if !m.challenge.input.Begin(code) {
		return nil, verification.ErrSubmitPending
	}
	return m.verify(ctx, code)
}

// EnterCode feeds typed input; a complete code is submitted automatically.
func (m *Manager) EnterCode(ctx context.Context, raw string) (*api.AuthResponse, bool, error) {
	code, fire := m.challenge.input.Input(raw)
	if !fire {
		return nil, false, nil
	}
	resp, err := m.verify(ctx, code)
	return resp, true, err
}

func (m *Manager) verify(ctx context.Context, code string) (*api.AuthResponse, error) {
	defer m.challenge.input.Done()

	snap, gen, err := m.challenge.snapshot()
	if err != nil {
		return nil, err
	}
	var out api.AuthResponse
	err = m.api.Post(ctx, "/auth/verify-device", map[string]string{
		"code":        code,
		"fingerprint": snap.Fingerprint,
	}, &out)
	if err != nil {
		return nil, err
	}
	if err := m.challenge.verified(gen); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the user's devices.
func (m *Manager) List(ctx context.Context) ([]api.Device, error) {
	var out struct {
		Devices []api.Device `json:"devices"`
	}
	if err := m.api.Get(ctx, "/devices/list", &out, api.WithRetry()); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// Trust marks a device as trusted. The password is always required.
func (m *Manager) Trust(ctx context.Context, id api.ID, password string) error {
	if id == "" {
		return ErrMissingDeviceID
	}
	if password == "" {
		return ErrPasswordRequired
	}
	return m.api.Post(ctx, "/devices/"+url.PathEscape(id.String())+"/trust",
		map[string]string{"password": password}, nil)
}

// Revoke revokes one device.
func (m *Manager) Revoke(ctx context.Context, id api.ID) error {
	if id == "" {
		return ErrMissingDeviceID
	}
	return m.api.Delete(ctx, "/devices/"+url.PathEscape(id.String())+"/revoke", nil, api.WithRetry())
}

// RevokeAll revokes every device except the current one. The current
// fingerprint is sent so the server can exclude the caller.
func (m *Manager) RevokeAll(ctx context.Context, password string) (int, error) {
	if strings.TrimSpace(password) == "" {
		return 0, ErrPasswordRequired
	}
	fp, err := m.Fingerprint(ctx)
	if err != nil {
		return 0, err
	}
	var out struct {
		Revoked int `json:"revoked"`
	}
	err = m.api.Post(ctx, "/devices/revoke-all", map[string]string{
		"password":            password,
		"current_fingerprint": fp,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.Revoked, nil
}

// SecurityCheck returns the account's device summary.
func (m *Manager) SecurityCheck(ctx context.Context) (SecurityReport, error) {
	var out SecurityReport
	if err := m.api.Get(ctx, "/devices/security-check", &out, api.WithRetry()); err != nil {
		return SecurityReport{}, err
	}
	return out, nil
}
