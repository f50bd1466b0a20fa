package verification

import (
	"context"
	"strings"

	"github.com/MrEthical07/authflow/api"
)

// PhoneLogin steps: 1 enter phone number, 2 verify code, 3 second factor
// for accounts with two-factor authentication.
type PhoneLogin struct {
	*flow
}

// NewPhoneLogin returns a phone login flow.
func NewPhoneLogin(opts Options) *PhoneLogin {
	return &PhoneLogin{flow: newFlow(KindPhoneLogin, opts)}
}

// SendCode starts the flow for phone.
func (p *PhoneLogin) SendCode(ctx context.Context, phone string) (Session, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Session{}, ErrMissingField
	}
	s, gen, err := p.snapshot(1)
	if err != nil {
		return Session{}, err
	}

	var out resendResponse
	if err := p.api.Post(ctx, "/auth/phone/login/send-code", map[string]string{"phone": phone}, &out); err != nil {
		return Session{}, err
	}

	s.ID = out.SessionID
	s.Step = 2
	s.Contact = phone
	s.ContactType = "phone"
	s.ResendAvailableAt = p.availableAt(out.ResendAvailableAt)
	s.CodeExpiresAt = out.CodeExpiresAt
	if err := p.commit(ctx, gen, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// VerifyCode submits the code. The response may carry a token or step-up
// flags; either way the phone flow is complete.
func (p *PhoneLogin) VerifyCode(ctx context.Context, code string) (*api.AuthResponse, error) {
	if err := p.beginExplicit(code); err != nil {
		return nil, err
	}
	return p.verify(ctx, code)
}

// Enter feeds typed input; a complete code is submitted automatically.
func (p *PhoneLogin) Enter(ctx context.Context, raw string) (*api.AuthResponse, bool, error) {
	code, fire := p.code.Input(raw)
	if !fire {
		return nil, false, nil
	}
	resp, err := p.verify(ctx, code)
	return resp, true, err
}

func (p *PhoneLogin) verify(ctx context.Context, code string) (*api.AuthResponse, error) {
	defer p.code.Done()

	s, gen, err := p.snapshot(2)
	if err != nil {
		return nil, err
	}
	var out api.AuthResponse
	err = p.api.Post(ctx, "/auth/phone/login/verify-code", map[string]string{
		"session_id": s.ID,
		"code":       code,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Requires2FA {
		s.Step = 3
		if err := p.commit(ctx, gen, s); err != nil {
			return nil, err
		}
		return &out, nil
	}
	if err := p.finish(ctx, gen); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitSecondFactor answers the two-factor challenge of a verified phone
// session. field is "two_factor_code" or "backup_code".
func (p *PhoneLogin) SubmitSecondFactor(ctx context.Context, field, value string) (*api.AuthResponse, error) {
	if strings.TrimSpace(value) == "" {
		return nil, ErrMissingField
	}
	s, gen, err := p.snapshot(3)
	if err != nil {
		return nil, err
	}
	var out api.AuthResponse
	err = p.api.Post(ctx, "/auth/phone/login/verify-code", map[string]string{
		"session_id": s.ID,
		field:        strings.TrimSpace(value),
	}, &out)
	if err != nil {
		return nil, err
	}
	if err := p.finish(ctx, gen); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resend re-issues the code.
func (p *PhoneLogin) Resend(ctx context.Context) error {
	s, _, err := p.snapshot(2)
	if err != nil {
		return err
	}
	return p.resend(ctx, 2, "/auth/phone/login/resend-code", map[string]string{"session_id": s.ID})
}

// Back returns to phone entry from any step.
func (p *PhoneLogin) Back(ctx context.Context) error {
	return p.Abandon(ctx)
}
