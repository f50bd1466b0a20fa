package verification

import (
	"context"
	"strings"

	"github.com/MrEthical07/authflow/api"
	"go.uber.org/zap"
)

// Registration steps: 1 collect identity, 2 verify contact code, 3 choose credentials.
type Registration struct {
	*flow
	minimumAge int
}

// RegistrationStart is the step 1 input. ContactType is "email" or "phone".
type RegistrationStart struct {
	Name        string
	DateOfBirth string
	Contact     string
	ContactType string
}

// RegistrationCredentials is the step 3 input.
type RegistrationCredentials struct {
	Username             string
	Password             string
	PasswordConfirmation string
}

// NewRegistration returns a registration flow.
func NewRegistration(opts Options) *Registration {
	return &Registration{flow: newFlow(KindRegistration, opts), minimumAge: opts.MinimumAge}
}

// Start submits step 1. The minimum age is checked locally first.
func (r *Registration) Start(ctx context.Context, in RegistrationStart) (Session, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Contact = strings.TrimSpace(in.Contact)
	if in.ContactType == "" {
		in.ContactType = contactType(in.Contact)
	}
	if in.Name == "" || in.Contact == "" {
		return Session{}, ErrMissingField
	}
	if err := CheckAge(in.DateOfBirth, r.minimumAge, r.now()); err != nil {
		return Session{}, err
	}

	s, gen, err := r.snapshot(1)
	if err != nil {
		return Session{}, err
	}

	var out resendResponse
	err = r.api.Post(ctx, "/auth/register/step1", map[string]string{
		"name":          in.Name,
		"date_of_birth": in.DateOfBirth,
		"contact":       in.Contact,
		"contact_type":  in.ContactType,
	}, &out)
	if err != nil {
		return Session{}, err
	}

	s.ID = out.SessionID
	s.Step = 2
	s.Contact = in.Contact
	s.ContactType = in.ContactType
	s.ResendAvailableAt = r.availableAt(out.ResendAvailableAt)
	s.CodeExpiresAt = out.CodeExpiresAt
	if err := r.commit(ctx, gen, s); err != nil {
		return Session{}, err
	}
	r.logger.Info("registration code sent", zap.String("contact_type", in.ContactType))
	return s, nil
}

// VerifyCode submits step 2 explicitly.
func (r *Registration) VerifyCode(ctx context.Context, code string) error {
	if err := r.beginExplicit(code); err != nil {
		return err
	}
	return r.verify(ctx, code)
}

// Enter feeds typed input; a complete code is submitted automatically.
// submitted reports whether a call was made.
func (r *Registration) Enter(ctx context.Context, raw string) (submitted bool, err error) {
	code, fire := r.code.Input(raw)
	if !fire {
		return false, nil
	}
	return true, r.verify(ctx, code)
}

func (r *Registration) verify(ctx context.Context, code string) error {
	defer r.code.Done()

	s, gen, err := r.snapshot(2)
	if err != nil {
		return err
	}
	err = r.api.Post(ctx, "/auth/register/step2", map[string]string{
		"session_id": s.ID,
		"code":       code,
	}, nil)
	if err != nil {
		return err
	}
	s.Step = 3
	return r.commit(ctx, gen, s)
}

// Resend re-issues the step 2 code.
func (r *Registration) Resend(ctx context.Context) error {
	s, _, err := r.snapshot(2)
	if err != nil {
		return err
	}
	return r.resend(ctx, 2, "/auth/register/resend-code", map[string]string{"session_id": s.ID})
}

// Complete submits step 3 and returns the session token and user.
func (r *Registration) Complete(ctx context.Context, in RegistrationCredentials) (*api.AuthResponse, error) {
	if strings.TrimSpace(in.Username) == "" || in.Password == "" {
		return nil, ErrMissingField
	}
	s, gen, err := r.snapshot(3)
	if err != nil {
		return nil, err
	}

	var out api.AuthResponse
	err = r.api.Post(ctx, "/auth/register/step3", map[string]string{
		"session_id":            s.ID,
		"username":              strings.TrimSpace(in.Username),
		"password":              in.Password,
		"password_confirmation": in.PasswordConfirmation,
	}, &out)
	if err != nil {
		return nil, err
	}
	if err := r.finish(ctx, gen); err != nil {
		return nil, err
	}
	return &out, nil
}

// Back moves one step back. From step 2 the flow restarts.
func (r *Registration) Back(ctx context.Context) error {
	return r.back(ctx, r.Step()-1)
}

func contactType(contact string) string {
	if strings.Contains(contact, "@") {
		return "email"
	}
	return "phone"
}
