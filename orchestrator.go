package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/internal/stepup"
	"github.com/MrEthical07/authflow/verification"
)

// SubmitCredentials starts a password login. It is legal from
// [StateAnonymous] and [StateAuthenticated]; during a pending challenge it
// returns [ErrIllegalTransition].
func (c *Client) SubmitCredentials(ctx context.Context, login, password string) (State, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return c.State(), ErrMissingCredentials
	}
	gen, err := c.machine.Begin()
	if err != nil {
		return c.State(), err
	}
	c.setAttempt(attempt{origin: originPassword, login: login, password: password})

	var resp api.AuthResponse
	err = c.api.Post(ctx, "/auth/login", map[string]string{
		"login":    login,
		"password": password,
	}, &resp)
	if err != nil {
		c.metrics.Inc(MetricLoginFailure)
		c.failPrimary(ctx, gen)
		return c.State(), c.track(err)
	}
	return c.applyResponse(ctx, gen, &resp)
}

// SubmitPhoneCode verifies the phone login code of step 2 and applies the
// outcome to the login state.
func (c *Client) SubmitPhoneCode(ctx context.Context, code string) (State, error) {
	if err := c.canBegin(); err != nil {
		return c.State(), err
	}
	resp, err := c.phone.VerifyCode(ctx, code)
	if err != nil {
		c.countCodeFailure(err, MetricLoginFailure)
		return c.State(), c.track(err)
	}
	return c.beginWith(ctx, originPhone, resp)
}

// EnterPhoneCode feeds typed input to the phone login code. A complete code
// is submitted once; submitted reports whether a request was sent.
func (c *Client) EnterPhoneCode(ctx context.Context, raw string) (st State, submitted bool, err error) {
	if err := c.canBegin(); err != nil {
		return c.State(), false, err
	}
	resp, fired, err := c.phone.Enter(ctx, raw)
	if !fired {
		return c.State(), false, nil
	}
	if err != nil {
		c.countCodeFailure(err, MetricLoginFailure)
		return c.State(), true, c.track(err)
	}
	st, err = c.beginWith(ctx, originPhone, resp)
	return st, true, err
}

// CompleteRegistration submits registration step 3 and signs the new
// account in.
func (c *Client) CompleteRegistration(ctx context.Context, in verification.RegistrationCredentials) (State, error) {
	if err := c.canBegin(); err != nil {
		return c.State(), err
	}
	resp, err := c.registration.Complete(ctx, in)
	if err != nil {
		return c.State(), c.track(err)
	}
	return c.beginWith(ctx, originRegistration, resp)
}

func (c *Client) canBegin() error {
	st := c.machine.State()
	if !stepup.Allowed(st, StatePrimaryPending) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, st, StatePrimaryPending)
	}
	return nil
}

// beginWith starts an attempt for a primary step that already succeeded
// remotely.
func (c *Client) beginWith(ctx context.Context, o origin, resp *api.AuthResponse) (State, error) {
	gen, err := c.machine.Begin()
	if err != nil {
		return c.State(), err
	}
	c.setAttempt(attempt{origin: o, userID: resp.UserID})
	return c.applyResponse(ctx, gen, resp)
}

// applyResponse routes an auth response: 2FA first, then the device, then
// the token.
func (c *Client) applyResponse(ctx context.Context, gen uint64, resp *api.AuthResponse) (State, error) {
	next := stepup.Next(stepup.Flags{
		TwoFactor:          resp.Requires2FA,
		DeviceVerification: resp.RequiresDeviceVerification,
	})
	switch {
	case next == StateTwoFactorPending:
		if err := c.machine.Advance(gen, StateTwoFactorPending); err != nil {
			return c.State(), err
		}
		c.mu.Lock()
		if resp.UserID != "" {
			c.attempt.userID = resp.UserID
		}
		c.mu.Unlock()
		c.secondFactor.Reset()
		c.metrics.Inc(MetricTwoFactorRequired)
		c.navigate(ctx, TargetTwoFactor)
		return StateTwoFactorPending, nil
	case next == StateDeviceVerificationPending:
		return c.enterDeviceChallenge(ctx, gen, resp.Fingerprint, resp.UserID, resp.ResendAvailableAt)
	case resp.Token != "":
		return c.authenticate(ctx, gen, resp.Token, resp.User)
	default:
		c.logger.Warn("auth response without token or challenge", zap.String("message", resp.Message))
		c.failPrimary(ctx, gen)
		return c.State(), ErrUnexpectedResponse
	}
}

// authenticate persists token, resolves the user and finishes the attempt.
// fallback is the user returned with the token, used when the follow-up
// fetch fails for transport reasons. Nothing is written once gen has been
// superseded, and writes made before that was noticed are undone.
func (c *Client) authenticate(ctx context.Context, gen uint64, token string, fallback *api.User) (State, error) {
	if !c.machine.Current(gen) {
		return c.State(), ErrStaleAttempt
	}
	if token != "" {
		if err := c.tokens.Set(ctx, token); err != nil {
			c.failPrimary(ctx, gen)
			return c.State(), err
		}
	}

	u, err := c.fetchUser(ctx)
	if !c.machine.Current(gen) {
		return c.State(), c.discardStale(ctx, token, nil)
	}
	if err != nil {
		var dv *api.DeviceVerificationRequiredError
		switch {
		case errors.As(err, &dv):
			return c.enterDeviceChallenge(ctx, gen, dv.Fingerprint, dv.UserID, dv.ResendAvailableAt)
		case api.KindOf(err) == api.KindSessionInvalid:
			return c.State(), err
		case fallback != nil:
			c.logger.Warn("user fetch failed, using login response", zap.Error(err))
			u = fallback
		default:
			return c.State(), err
		}
	}
	c.setUser(u)

	to := StateAuthenticated
	if u.NeedsAgeVerification() {
		to = StateAgeVerificationPending
	}
	if err := c.machine.Advance(gen, to); err != nil {
		if errors.Is(err, ErrStaleAttempt) {
			return c.State(), c.discardStale(ctx, token, u)
		}
		return c.State(), err
	}
	if to == StateAgeVerificationPending {
		c.metrics.Inc(MetricAgeVerificationRequired)
		c.navigate(ctx, TargetAgeVerification)
		return StateAgeVerificationPending, nil
	}
	c.onAuthenticated(ctx, u, true)
	return StateAuthenticated, nil
}

// discardStale undoes the writes of a superseded attempt. A token or user
// that a newer attempt has since replaced is left alone.
func (c *Client) discardStale(ctx context.Context, token string, u *api.User) error {
	c.logger.Debug("discarding response of abandoned attempt")
	if token != "" {
		if cur, err := c.tokens.Token(ctx); err == nil && cur == token {
			if err := c.tokens.Clear(context.WithoutCancel(ctx)); err != nil {
				c.logger.Warn("clear abandoned token", zap.Error(err))
			}
		}
	}
	if u != nil {
		c.mu.Lock()
		if c.user == u {
			c.user = nil
		}
		c.mu.Unlock()
	}
	return ErrStaleAttempt
}

// onAuthenticated runs once the machine reached Authenticated.
func (c *Client) onAuthenticated(ctx context.Context, u *api.User, welcome bool) {
	c.setAttempt(attempt{})
	c.secondFactor.Reset()
	c.devices.Challenge().Reset()

	if err := c.devices.Register(ctx); err != nil {
		c.logger.Debug("device registration failed", zap.Error(err))
	}
	if !welcome {
		return
	}
	c.metrics.Inc(MetricLoginSuccess)
	c.logger.Info("signed in", zap.String("user_id", u.ID.String()))
	c.navigate(ctx, TargetHome)
	name := u.Name
	if name == "" {
		name = u.Username
	}
	c.emit(ctx, Event{
		Type:    EventWelcome,
		Message: "Welcome, " + name + "!",
		UserID:  u.ID.String(),
	})
}

func (c *Client) enterDeviceChallenge(ctx context.Context, gen uint64, fingerprint string, userID api.ID, resendAt int64) (State, error) {
	if !c.machine.Current(gen) {
		return c.State(), ErrStaleAttempt
	}
	if err := c.devices.BeginChallenge(ctx, fingerprint, userID, resendAt); err != nil {
		c.failPrimary(ctx, gen)
		return c.State(), err
	}
	if err := c.machine.Advance(gen, StateDeviceVerificationPending); err != nil {
		c.devices.Challenge().Reset()
		return c.State(), err
	}
	c.metrics.Inc(MetricDeviceVerificationRequired)
	c.navigate(ctx, TargetDeviceVerification)

	// The server did not send a code with the challenge.
	if resendAt == 0 {
		if _, err := c.devices.RequestCode(ctx); err != nil {
			c.logger.Warn("device code request failed", zap.Error(c.track(err)))
		}
	}
	return StateDeviceVerificationPending, nil
}

// failPrimary returns a failed attempt to Anonymous. A session held from
// before the attempt does not survive the move.
func (c *Client) failPrimary(ctx context.Context, gen uint64) {
	c.setAttempt(attempt{})
	if err := c.machine.Advance(gen, StateAnonymous); err != nil {
		if !errors.Is(err, ErrStaleAttempt) {
			c.logger.Debug("attempt already moved on", zap.Error(err))
		}
		return
	}
	if c.User() != nil || c.tokens.Authenticated(ctx) {
		c.setUser(nil)
		if err := c.tokens.Clear(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("clear session after failed attempt", zap.Error(err))
		}
	}
}

func (c *Client) expect(want State) (uint64, error) {
	gen := c.machine.Generation()
	if st := c.machine.State(); st != want {
		return 0, fmt.Errorf("%w: operation requires %s, state is %s", ErrIllegalTransition, want, st)
	}
	return gen, nil
}

/*
====================================
TWO-FACTOR CHALLENGE
====================================
*/

// SubmitTwoFactor answers the 2FA challenge with a TOTP code. A rejected
// code leaves the state unchanged.
func (c *Client) SubmitTwoFactor(ctx context.Context, code string) (State, error) {
	code = strings.TrimSpace(code)
	if !verification.ValidCode(code, c.secondFactor.Length()) {
		return c.State(), verification.ErrInvalidCode
	}
	if !c.secondFactor.Begin(code) {
		return c.State(), verification.ErrSubmitPending
	}
	defer c.secondFactor.Done()
	return c.submitSecondFactor(ctx, "two_factor_code", code)
}

// EnterTwoFactor feeds typed input; a complete code is submitted once.
func (c *Client) EnterTwoFactor(ctx context.Context, raw string) (st State, submitted bool, err error) {
	if _, err := c.expect(StateTwoFactorPending); err != nil {
		return c.State(), false, err
	}
	code, fire := c.secondFactor.Input(raw)
	if !fire {
		return c.State(), false, nil
	}
	defer c.secondFactor.Done()
	st, err = c.submitSecondFactor(ctx, "two_factor_code", code)
	return st, true, err
}

// SubmitBackupCode answers the 2FA challenge with a single-use backup code.
func (c *Client) SubmitBackupCode(ctx context.Context, code string) (State, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return c.State(), verification.ErrMissingField
	}
	if !c.secondFactor.Begin(code) {
		return c.State(), verification.ErrSubmitPending
	}
	defer c.secondFactor.Done()
	st, err := c.submitSecondFactor(ctx, "backup_code", code)
	if err == nil {
		c.metrics.Inc(MetricBackupCodeUsed)
	}
	return st, err
}

func (c *Client) submitSecondFactor(ctx context.Context, field, value string) (State, error) {
	gen, err := c.expect(StateTwoFactorPending)
	if err != nil {
		return c.State(), err
	}
	a := c.currentAttempt()

	var resp *api.AuthResponse
	switch a.origin {
	case originPassword:
		var out api.AuthResponse
		err = c.api.Post(ctx, "/auth/login", map[string]string{
			"login":    a.login,
			"password": a.password,
			field:      value,
		}, &out)
		resp = &out
	case originPhone:
		resp, err = c.phone.SubmitSecondFactor(ctx, field, value)
	case originSocial:
		resp, err = c.socialSecondFactor(ctx, a, field, value)
	default:
		return c.State(), fmt.Errorf("%w: no second factor pending for this attempt", ErrIllegalTransition)
	}
	if err != nil {
		c.countCodeFailure(err, MetricTwoFactorFailure)
		return c.State(), c.track(err)
	}
	if resp.Requires2FA {
		return c.State(), ErrUnexpectedResponse
	}
	return c.applyResponse(ctx, gen, resp)
}

/*
====================================
DEVICE CHALLENGE
====================================
*/

// SubmitDeviceCode answers the device challenge.
func (c *Client) SubmitDeviceCode(ctx context.Context, code string) (State, error) {
	gen, err := c.expect(StateDeviceVerificationPending)
	if err != nil {
		return c.State(), err
	}
	resp, err := c.devices.VerifyCode(ctx, strings.TrimSpace(code))
	if err != nil {
		c.countCodeFailure(err, MetricLoginFailure)
		return c.State(), c.track(err)
	}
	return c.deviceVerified(ctx, gen, resp)
}

// EnterDeviceCode feeds typed input; a complete code is submitted once.
func (c *Client) EnterDeviceCode(ctx context.Context, raw string) (st State, submitted bool, err error) {
	gen, err := c.expect(StateDeviceVerificationPending)
	if err != nil {
		return c.State(), false, err
	}
	resp, fired, err := c.devices.EnterCode(ctx, raw)
	if !fired {
		return c.State(), false, nil
	}
	if err != nil {
		c.countCodeFailure(err, MetricLoginFailure)
		return c.State(), true, c.track(err)
	}
	st, err = c.deviceVerified(ctx, gen, resp)
	return st, true, err
}

// ResendDeviceCode re-sends the device code and returns the next resend
// time. Inside the window it fails locally with a
// [verification.CooldownError].
func (c *Client) ResendDeviceCode(ctx context.Context) (int64, error) {
	if _, err := c.expect(StateDeviceVerificationPending); err != nil {
		return 0, err
	}
	at, err := c.devices.RequestCode(ctx)
	return at, c.track(err)
}

func (c *Client) deviceVerified(ctx context.Context, gen uint64, resp *api.AuthResponse) (State, error) {
	if resp.Token == "" {
		return c.State(), ErrUnexpectedResponse
	}
	c.metrics.Inc(MetricDeviceVerified)
	return c.authenticate(ctx, gen, resp.Token, resp.User)
}

/*
====================================
AGE GATE
====================================
*/

// SubmitBirthDate completes the age gate of a social account. The minimum
// age is checked locally before any request.
func (c *Client) SubmitBirthDate(ctx context.Context, dob string) (State, error) {
	gen, err := c.expect(StateAgeVerificationPending)
	if err != nil {
		return c.State(), err
	}
	dob = strings.TrimSpace(dob)
	if err := verification.CheckAge(dob, c.config.Age.MinimumAge, c.now()); err != nil {
		return c.State(), err
	}

	var resp api.AuthResponse
	err = c.api.Post(ctx, "/auth/social/complete-age-verification",
		map[string]string{"date_of_birth": dob}, &resp)
	if err != nil {
		return c.State(), c.track(err)
	}

	u := resp.User
	if u == nil {
		if u, err = c.fetchUser(ctx); err != nil {
			return c.State(), err
		}
	}
	if u.NeedsAgeVerification() {
		return c.State(), ErrUnexpectedResponse
	}
	if !c.machine.Current(gen) {
		return c.State(), ErrStaleAttempt
	}
	c.setUser(u)
	if err := c.machine.Advance(gen, StateAuthenticated); err != nil {
		return c.State(), err
	}
	c.onAuthenticated(ctx, u, true)
	return StateAuthenticated, nil
}

// BackToLogin abandons the current attempt, either while the primary
// check is in flight or from any challenge, and returns to
// [StateAnonymous]. Any token or user held at that point is discarded.
// From [StateAuthenticated] it returns [ErrIllegalTransition]; use
// [Client.Logout] instead. From [StateAnonymous] it only navigates.
func (c *Client) BackToLogin(ctx context.Context) error {
	st := c.machine.State()
	switch {
	case st == StateAnonymous:
		c.navigate(ctx, TargetLogin)
		return nil
	case st != StatePrimaryPending && !st.Challenge():
		return fmt.Errorf("%w: back to login from %s", ErrIllegalTransition, st)
	}
	a := c.currentAttempt()

	c.devices.Challenge().Reset()
	c.secondFactor.Reset()
	c.setAttempt(attempt{})
	if a.origin == originPhone {
		if err := c.phone.Abandon(ctx); err != nil {
			c.logger.Warn("abandon phone flow", zap.Error(err))
		}
	}

	c.machine.Reset()
	c.setUser(nil)
	err := c.tokens.Clear(context.WithoutCancel(ctx))
	c.navigate(ctx, TargetLogin)
	return err
}

// countCodeFailure counts a rejected code. Transport failures are not
// rejections.
func (c *Client) countCodeFailure(err error, id MetricID) {
	if api.KindOf(err) == api.KindValidation || errors.Is(err, verification.ErrInvalidCode) {
		c.metrics.Inc(id)
	}
}

// track counts rate limits, remote and local, and returns err.
func (c *Client) track(err error) error {
	if err == nil {
		return nil
	}
	if api.KindOf(err) == api.KindRateLimited || errors.Is(err, verification.ErrResendCooldown) {
		c.metrics.Inc(MetricRateLimited)
	}
	return err
}
