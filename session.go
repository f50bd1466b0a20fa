package authflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/kv"
	"github.com/MrEthical07/authflow/tokenstore"
)

// Confirmer asks the user to confirm a destructive action.
type Confirmer interface {
	Confirm(ctx context.Context, action string) bool
}

// ConfirmFunc adapts a function to [Confirmer].
type ConfirmFunc func(ctx context.Context, action string) bool

func (f ConfirmFunc) Confirm(ctx context.Context, action string) bool { return f(ctx, action) }

// Actions passed to [Confirmer].
const (
	ActionLogout    = "logout"
	ActionLogoutAll = "logout-all"
)

// AutoConfirm confirms every action.
func AutoConfirm() Confirmer {
	return ConfirmFunc(func(context.Context, string) bool { return true })
}

// Bootstrap resolves the persisted token at startup. An expired JWT is
// discarded without a request; a rejected token ends in [StateAnonymous]
// with a nil error. It does nothing while a device challenge is pending.
func (c *Client) Bootstrap(ctx context.Context) (State, error) {
	if c.suppressed() {
		return c.State(), nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return c.State(), err
	}
	if token == "" {
		return c.State(), nil
	}
	if tokenstore.Expired(token, c.now()) {
		c.metrics.Inc(MetricExpiredTokenDiscarded)
		c.logger.Info("discarding expired session token")
		return StateAnonymous, c.dropSession(ctx)
	}

	st, err := c.resolveSession(ctx, false)
	if api.KindOf(err) == api.KindSessionInvalid {
		return StateAnonymous, nil
	}
	return st, err
}

// Login adopts token, or the stored token when token is empty, and
// resolves the user. Unlike Bootstrap it greets the user on success.
func (c *Client) Login(ctx context.Context, token string) (State, error) {
	if token != "" {
		if err := c.tokens.Set(ctx, token); err != nil {
			return c.State(), err
		}
	} else if t, err := c.tokens.Token(ctx); err != nil {
		return c.State(), err
	} else if t == "" {
		return c.State(), ErrNoToken
	}
	return c.resolveSession(ctx, true)
}

// resolveSession fetches the user for the stored token and moves the
// machine to where that user belongs. Concurrent callers share one fetch
// and only the first to move the machine runs the side effects.
func (c *Client) resolveSession(ctx context.Context, welcome bool) (State, error) {
	u, err := c.fetchUser(ctx)
	if err != nil {
		var dv *api.DeviceVerificationRequiredError
		if errors.As(err, &dv) {
			c.resolveMu.Lock()
			gen, berr := c.sessionAttempt()
			c.resolveMu.Unlock()
			if berr != nil {
				return c.State(), berr
			}
			return c.enterDeviceChallenge(ctx, gen, dv.Fingerprint, dv.UserID, dv.ResendAvailableAt)
		}
		return c.State(), err
	}

	to := StateAuthenticated
	if u.NeedsAgeVerification() {
		to = StateAgeVerificationPending
	}

	c.resolveMu.Lock()
	c.setUser(u)
	if c.State() == to {
		c.resolveMu.Unlock()
		return to, nil
	}
	gen, err := c.sessionAttempt()
	if err == nil {
		err = c.machine.Advance(gen, to)
	}
	c.resolveMu.Unlock()
	if err != nil {
		return c.State(), err
	}

	if to == StateAgeVerificationPending {
		c.metrics.Inc(MetricAgeVerificationRequired)
		c.navigate(ctx, TargetAgeVerification)
		return to, nil
	}
	c.onAuthenticated(ctx, u, welcome)
	return to, nil
}

// sessionAttempt returns the generation to move the machine with when a
// stored session, not a submitted credential, drives the change.
func (c *Client) sessionAttempt() (uint64, error) {
	if c.machine.State() == StateAnonymous {
		gen, err := c.machine.Begin()
		if err != nil {
			return 0, err
		}
		c.setAttempt(attempt{origin: originSession})
		return gen, nil
	}
	return c.machine.Generation(), nil
}

// RefreshUser re-fetches the current user without notifications. It does
// nothing while a device challenge is pending.
func (c *Client) RefreshUser(ctx context.Context) (*api.User, error) {
	if c.suppressed() {
		return c.User(), nil
	}
	if !c.tokens.Authenticated(ctx) {
		return nil, ErrNotAuthenticated
	}
	u, err := c.fetchUser(ctx)
	if err != nil {
		var dv *api.DeviceVerificationRequiredError
		if errors.As(err, &dv) {
			_, err = c.resolveSession(ctx, false)
		}
		return nil, err
	}
	c.setUser(u)
	return c.User(), nil
}

// fetchUser collapses concurrent current-user requests into one.
func (c *Client) fetchUser(ctx context.Context) (*api.User, error) {
	if c.inflight.Load() > 0 {
		c.metrics.Inc(MetricUserFetchDeduplicated)
	}
	v, err, _ := c.fetches.Do("me", func() (any, error) {
		c.inflight.Add(1)
		defer c.inflight.Add(-1)

		c.metrics.Inc(MetricUserFetch)
		start := time.Now()
		var out api.UserEnvelope
		err := c.api.Get(context.WithoutCancel(ctx), "/auth/me", &out, api.Silent())
		c.metrics.Observe(MetricUserFetchLatency, time.Since(start))
		if err != nil {
			return nil, err
		}
		if out.User == nil {
			return nil, ErrUnexpectedResponse
		}
		return out.User, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*api.User), nil
}

// Logout ends this session. The remote call is best-effort; local state is
// cleared regardless. Calling it without a session is a no-op.
func (c *Client) Logout(ctx context.Context) error {
	return c.logout(ctx, ActionLogout, "/auth/logout", MetricLogout)
}

// LogoutAll ends every session of the user, then this one.
func (c *Client) LogoutAll(ctx context.Context) error {
	return c.logout(ctx, ActionLogoutAll, "/auth/logout-all", MetricLogoutAll)
}

func (c *Client) logout(ctx context.Context, action, path string, id MetricID) error {
	if !c.tokens.Authenticated(ctx) && c.State() == StateAnonymous {
		return nil
	}
	if !c.confirmer.Confirm(ctx, action) {
		return ErrConfirmationDeclined
	}
	if err := c.api.Post(ctx, path, nil, nil, api.Silent()); err != nil {
		c.logger.Warn("remote logout failed", zap.String("path", path), zap.Error(err))
	}
	c.metrics.Inc(id)
	err := c.dropSession(ctx)
	c.navigate(ctx, TargetLogin)
	return err
}

// onUnauthorized runs when a request carrying the token gets a 401.
func (c *Client) onUnauthorized(ctx context.Context) {
	c.metrics.Inc(MetricSessionInvalidated)
	c.logger.Info("session rejected by server")
	if err := c.dropSession(ctx); err != nil {
		c.logger.Warn("clear rejected session", zap.Error(err))
	}
	c.navigate(ctx, TargetLogin)
}

// dropSession clears the token, the user and the attempt.
func (c *Client) dropSession(ctx context.Context) error {
	c.mu.Lock()
	c.user = nil
	c.attempt = attempt{}
	c.mu.Unlock()
	c.secondFactor.Reset()
	c.devices.Challenge().Reset()
	c.machine.Reset()
	return c.tokens.Clear(context.WithoutCancel(ctx))
}

// suppressed is true while a device challenge is pending. Session
// refreshes would re-trigger the challenge.
func (c *Client) suppressed() bool {
	return c.machine.State() == StateDeviceVerificationPending
}

/*
====================================
BACKGROUND LOOPS
====================================
*/

// Start runs the refresh ticker, the token poll and, when the store
// supports it, the store watch. They stop on Close or when ctx ends.
func (c *Client) Start(ctx context.Context) error {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.loops.Add(2)
	go c.refreshLoop(ctx)
	go c.pollLoop(ctx)

	if w, ok := c.store.(kv.Watcher); ok && c.config.Session.WatchStore {
		changes, err := w.Watch(ctx)
		if err != nil {
			c.logger.Warn("store watch unavailable", zap.Error(err))
		} else {
			c.loops.Add(1)
			go c.watchLoop(ctx, changes)
		}
	}
	return nil
}

// Close stops the background loops and flushes pending events.
func (c *Client) Close() error {
	c.loopMu.Lock()
	if c.closed {
		c.loopMu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.loopMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.loops.Wait()
	c.events.Close()
	return nil
}

func (c *Client) refreshLoop(ctx context.Context) {
	defer c.loops.Done()
	t := time.NewTicker(c.config.Session.RefreshInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if c.State() != StateAuthenticated {
				continue
			}
			if _, err := c.RefreshUser(ctx); err != nil {
				c.logger.Debug("periodic refresh failed", zap.Error(err))
			}
		}
	}
}

// pollLoop resolves a token that appeared without a user.
func (c *Client) pollLoop(ctx context.Context) {
	defer c.loops.Done()
	t := time.NewTicker(c.config.Session.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.poll(ctx)
		}
	}
}

func (c *Client) poll(ctx context.Context) {
	if c.suppressed() || c.inflight.Load() > 0 || c.User() != nil {
		return
	}
	if c.State() != StateAnonymous || !c.tokens.Authenticated(ctx) {
		return
	}
	if _, err := c.Bootstrap(ctx); err != nil {
		c.logger.Debug("token poll failed", zap.Error(err))
	}
}

func (c *Client) watchLoop(ctx context.Context, changes <-chan kv.Change) {
	defer c.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if ch.Key != c.tokens.Key() {
				continue
			}
			c.onTokenChange(ctx, ch)
		}
	}
}

// onTokenChange reacts to a token written or removed by another process.
func (c *Client) onTokenChange(ctx context.Context, ch kv.Change) {
	if c.suppressed() {
		return
	}
	if ch.Deleted {
		if c.User() == nil && c.State() == StateAnonymous {
			return
		}
		c.metrics.Inc(MetricRemoteChange)
		c.logger.Info("session token removed elsewhere")
		c.mu.Lock()
		c.user = nil
		c.attempt = attempt{}
		c.mu.Unlock()
		c.machine.Reset()
		c.navigate(ctx, TargetLogin)
		return
	}
	if c.State() != StateAnonymous {
		return
	}
	c.metrics.Inc(MetricRemoteChange)
	c.poll(ctx)
}
