package authflow

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/device"
	"github.com/MrEthical07/authflow/internal/events"
	"github.com/MrEthical07/authflow/internal/stepup"
	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/tokenstore"
	"github.com/MrEthical07/authflow/verification"
)

// State is the position of the current login attempt.
type State = stepup.State

// Gates is the boolean view of a [State].
type Gates = stepup.Gates

const (
	StateAnonymous                 = stepup.Anonymous
	StatePrimaryPending            = stepup.PrimaryPending
	StateTwoFactorPending          = stepup.TwoFactorPending
	StateDeviceVerificationPending = stepup.DeviceVerificationPending
	StateAgeVerificationPending    = stepup.AgeVerificationPending
	StateAuthenticated             = stepup.Authenticated
)

// Client is the session context. It owns the login state machine, the
// persisted token and the current user, and it is the only writer of all
// three. Build one with [New].
type Client struct {
	config  Config
	logger  *zap.Logger
	now     func() time.Time
	store   kv.Store
	tokens  *tokenstore.Store
	api     *api.Client
	devices *device.Manager
	machine *stepup.Machine
	events  *events.Dispatcher
	metrics *Metrics

	confirmer Confirmer
	social    map[string]*socialProvider

	registration *verification.Registration
	phone        *verification.PhoneLogin
	reset        *verification.PasswordReset

	// secondFactor guards TOTP entry in TwoFactorPending.
	secondFactor *verification.CodeInput

	fetches  singleflight.Group
	inflight atomic.Int32

	emailResendAt atomic.Int64

	mu      sync.Mutex
	user    *api.User
	attempt attempt

	// resolveMu serializes session-driven moves of the machine.
	resolveMu sync.Mutex

	loopMu sync.Mutex
	cancel context.CancelFunc
	loops  sync.WaitGroup
	closed bool
}

type origin uint8

const (
	originNone origin = iota
	originPassword
	originPhone
	originRegistration
	originSocial
	originSession
)

// attempt is what the second-factor step needs to re-submit. It lives in
// memory only.
type attempt struct {
	origin   origin
	login    string
	password string
	userID   api.ID
	provider string
	query    url.Values
}

// State returns the current login state.
func (c *Client) State() State {
	return c.machine.State()
}

// Gates returns the boolean view of the current state.
func (c *Client) Gates() Gates {
	return stepup.GatesOf(c.machine.State())
}

// Authenticated is true only in [StateAuthenticated].
func (c *Client) Authenticated() bool {
	return c.machine.State() == StateAuthenticated
}

// User returns a copy of the current user, or nil.
func (c *Client) User() *api.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// Token returns the persisted session token.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx)
}

// API returns the request client for endpoints the session context does
// not wrap.
func (c *Client) API() *api.Client { return c.api }

func (c *Client) Devices() *device.Manager { return c.devices }

func (c *Client) Registration() *verification.Registration { return c.registration }

func (c *Client) PhoneLogin() *verification.PhoneLogin { return c.phone }

func (c *Client) PasswordReset() *verification.PasswordReset { return c.reset }

// TwoFactorInput is the code input of the 2FA challenge.
func (c *Client) TwoFactorInput() *verification.CodeInput { return c.secondFactor }

// Config returns a copy of the configuration in use.
func (c *Client) Config() Config {
	return cloneConfig(c.config)
}

// Metrics returns the client counters.
func (c *Client) Metrics() *Metrics { return c.metrics }

// MetricsSnapshot copies every counter.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

func (c *Client) setUser(u *api.User) {
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
}

func (c *Client) setAttempt(a attempt) {
	c.mu.Lock()
	c.attempt = a
	c.mu.Unlock()
}

func (c *Client) currentAttempt() attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Client) onTransition(from, to State) {
	c.logger.Debug("login state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	c.emit(context.Background(), Event{
		Type:     EventStateChanged,
		Metadata: map[string]string{"from": from.String(), "to": to.String()},
	})
}

func (c *Client) onNotify(ctx context.Context, n api.Notification) {
	typ := EventNotifySuccess
	if n.Level == api.LevelError {
		typ = EventNotifyError
	}
	c.emit(ctx, Event{Type: typ, Message: n.Message})
}
