package authflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/verification"
)

// TwoFactorSetup is returned when two-factor enrollment starts.
type TwoFactorSetup struct {
	Secret      string   `json:"secret"`
	QRCodeURL   string   `json:"qr_code_url"`
	BackupCodes []string `json:"backup_codes"`
}

// EmailStatus is the verification state of the account email.
type EmailStatus struct {
	Email           string     `json:"email"`
	Verified        bool       `json:"verified"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
}

func (c *Client) requireSession() error {
	if c.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	return nil
}

// EnableTwoFactor starts TOTP enrollment. The setup is not active until
// ConfirmTwoFactor succeeds.
func (c *Client) EnableTwoFactor(ctx context.Context, password string) (*TwoFactorSetup, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, verification.ErrMissingField
	}
	var out TwoFactorSetup
	if err := c.api.Post(ctx, "/auth/2fa/enable", map[string]string{"password": password}, &out); err != nil {
		return nil, c.track(err)
	}
	return &out, nil
}

// ConfirmTwoFactor activates enrollment with the first TOTP code.
func (c *Client) ConfirmTwoFactor(ctx context.Context, code string) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if !verification.ValidCode(code, verification.DefaultCodeLength) {
		return verification.ErrInvalidCode
	}
	var out api.AuthResponse
	if err := c.api.Post(ctx, "/auth/2fa/verify", map[string]string{"code": code}, &out); err != nil {
		return c.track(err)
	}
	if out.User != nil {
		c.setUser(out.User)
	}
	return nil
}

// DisableTwoFactor turns TOTP off. Both the password and a current code
// are required.
func (c *Client) DisableTwoFactor(ctx context.Context, password, code string) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	if password == "" || strings.TrimSpace(code) == "" {
		return verification.ErrMissingField
	}
	err := c.api.Post(ctx, "/auth/2fa/disable", map[string]string{
		"password": password,
		"code":     strings.TrimSpace(code),
	}, nil)
	if err != nil {
		return c.track(err)
	}
	c.mu.Lock()
	if c.user != nil {
		u := *c.user
		u.TwoFactorEnabled = false
		c.user = &u
	}
	c.mu.Unlock()
	return nil
}

// ChangePassword changes the password. The server ends every other session.
func (c *Client) ChangePassword(ctx context.Context, current, password, confirmation string) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	if current == "" || password == "" {
		return verification.ErrMissingField
	}
	err := c.api.Post(ctx, "/auth/password/change", map[string]string{
		"current_password":      current,
		"password":              password,
		"password_confirmation": confirmation,
	}, nil)
	return c.track(err)
}

// VerifyEmail submits the email verification code.
func (c *Client) VerifyEmail(ctx context.Context, code string) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if !verification.ValidCode(code, c.config.Verification.CodeLength) {
		return verification.ErrInvalidCode
	}
	if err := c.api.Post(ctx, "/auth/email/verify", map[string]string{"code": code}, nil); err != nil {
		return c.track(err)
	}
	if _, err := c.RefreshUser(ctx); err != nil {
		c.logger.Debug("refresh after email verification failed")
	}
	return nil
}

// ResendEmailVerification asks for a new email code. Inside the resend
// window it fails locally with a [verification.CooldownError].
func (c *Client) ResendEmailVerification(ctx context.Context) (int64, error) {
	if err := c.requireSession(); err != nil {
		return 0, err
	}
	cd := verification.NewCountdown(c.emailResendAt.Load(), c.now)
	if !cd.Ready() {
		return 0, c.track(&verification.CooldownError{AvailableAt: cd.AvailableAt(), Remaining: cd.Remaining()})
	}

	var out struct {
		ResendAvailableAt int64 `json:"resend_available_at"`
	}
	if err := c.api.Post(ctx, "/auth/email/resend", nil, &out); err != nil {
		var rl *api.RateLimitedError
		if errors.As(err, &rl) && rl.AvailableAt > 0 {
			c.emailResendAt.Store(rl.AvailableAt)
		}
		return 0, c.track(err)
	}
	at := out.ResendAvailableAt
	if at <= 0 {
		at = c.now().Add(c.config.Verification.DefaultCooldown).Unix()
	}
	c.emailResendAt.Store(at)
	return at, nil
}

// EmailResendCountdown counts down to the next allowed email resend.
func (c *Client) EmailResendCountdown() verification.Countdown {
	return verification.NewCountdown(c.emailResendAt.Load(), c.now)
}

// EmailStatus returns the verification state of the account email.
func (c *Client) EmailStatus(ctx context.Context) (EmailStatus, error) {
	if err := c.requireSession(); err != nil {
		return EmailStatus{}, err
	}
	var out EmailStatus
	if err := c.api.Get(ctx, "/auth/email/status", &out, api.WithRetry()); err != nil {
		return EmailStatus{}, c.track(err)
	}
	return out, nil
}
