package verification

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// PasswordReset steps: 1 enter email, 2 verify code, 3 choose new password.
type PasswordReset struct {
	*flow

	codeMu       sync.Mutex
	verifiedCode string
}

// NewPasswordReset returns a password reset flow.
func NewPasswordReset(opts Options) *PasswordReset {
	return &PasswordReset{flow: newFlow(KindPasswordReset, opts)}
}

// Forgot requests a reset code for email.
func (p *PasswordReset) Forgot(ctx context.Context, email string) (Session, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Session{}, ErrMissingField
	}
	s, gen, err := p.snapshot(1)
	if err != nil {
		return Session{}, err
	}

	var out resendResponse
	if err := p.api.Post(ctx, "/auth/password/forgot", map[string]string{"email": email}, &out); err != nil {
		return Session{}, err
	}

	s.ID = out.SessionID
	s.Step = 2
	s.Contact = email
	s.ContactType = "email"
	s.ResendAvailableAt = p.availableAt(out.ResendAvailableAt)
	s.CodeExpiresAt = out.CodeExpiresAt
	if err := p.commit(ctx, gen, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// VerifyCode checks the code; on success the flow moves to step 3.
func (p *PasswordReset) VerifyCode(ctx context.Context, code string) error {
	if err := p.beginExplicit(code); err != nil {
		return err
	}
	return p.verify(ctx, code)
}

// Enter feeds typed input; a complete code is submitted automatically.
func (p *PasswordReset) Enter(ctx context.Context, raw string) (bool, error) {
	code, fire := p.code.Input(raw)
	if !fire {
		return false, nil
	}
	return true, p.verify(ctx, code)
}

func (p *PasswordReset) verify(ctx context.Context, code string) error {
	defer p.code.Done()

	s, gen, err := p.snapshot(2)
	if err != nil {
		return err
	}
	err = p.api.Post(ctx, "/auth/password/verify-code", map[string]string{
		"email": s.Contact,
		"code":  code,
	}, nil)
	if err != nil {
		return err
	}
	s.Step = 3
	if err := p.commit(ctx, gen, s); err != nil {
		return err
	}
	p.setCode(code)
	return nil
}

// Reset sets the new password and completes the flow.
func (p *PasswordReset) Reset(ctx context.Context, password, confirmation string) error {
	if password == "" {
		return ErrMissingField
	}
	s, gen, err := p.snapshot(3)
	if err != nil {
		return err
	}
	code := p.takeCode(false)
	if code == "" {
		// The verified code is held in memory only; after a restart the
		// user verifies again.
		if err := p.back(ctx, 2); err != nil {
			p.logger.Warn("persist step rewind failed", zap.String("flow", string(p.kind)), zap.Error(err))
		}
		return ErrWrongStep
	}

	err = p.api.Post(ctx, "/auth/password/reset", map[string]string{
		"email":                 s.Contact,
		"code":                  code,
		"password":              password,
		"password_confirmation": confirmation,
	}, nil)
	if err != nil {
		return err
	}
	p.takeCode(true)
	return p.finish(ctx, gen)
}

// Resend re-issues the code.
func (p *PasswordReset) Resend(ctx context.Context) error {
	s, _, err := p.snapshot(2)
	if err != nil {
		return err
	}
	return p.resend(ctx, 2, "/auth/password/resend", map[string]string{"email": s.Contact})
}

// Resume rehydrates the flow. A session persisted at step 3 resumes at step 2
// because the verified code is not persisted.
func (p *PasswordReset) Resume(ctx context.Context) (Session, bool, error) {
	s, ok, err := p.flow.Resume(ctx)
	if err != nil || !ok {
		return s, ok, err
	}
	if s.Step == 3 && p.takeCode(false) == "" {
		if err := p.back(ctx, 2); err != nil {
			return Session{}, false, err
		}
		s, _ = p.Session()
	}
	return s, true, nil
}

// Back moves one step back, dropping the verified code.
func (p *PasswordReset) Back(ctx context.Context) error {
	p.takeCode(true)
	return p.back(ctx, p.Step()-1)
}

// Abandon discards the flow.
func (p *PasswordReset) Abandon(ctx context.Context) error {
	p.takeCode(true)
	return p.flow.Abandon(ctx)
}

func (p *PasswordReset) setCode(code string) {
	p.codeMu.Lock()
	p.verifiedCode = code
	p.codeMu.Unlock()
}

func (p *PasswordReset) takeCode(clear bool) string {
	p.codeMu.Lock()
	defer p.codeMu.Unlock()
	code := p.verifiedCode
	if clear {
		p.verifiedCode = ""
	}
	return code
}
