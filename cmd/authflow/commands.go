package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/verification"
)

const maxPrompts = 5

func cmdLogin(ctx context.Context, a *app, args []string) error {
	if len(args) > 1 {
		return errors.New("usage: authflow login [identifier]")
	}
	var (
		login string
		err   error
	)
	if len(args) == 1 {
		login = args[0]
	} else if login, err = a.prompt.require("Email, username or phone"); err != nil {
		return err
	}
	password, err := a.prompt.require("Password")
	if err != nil {
		return err
	}
	st, err := a.client.SubmitCredentials(ctx, login, password)
	if err != nil {
		return err
	}
	return a.finish(ctx, st)
}

func cmdPhoneLogin(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1, "phone-login <phone>"); err != nil {
		return err
	}
	if _, err := a.client.PhoneLogin().SendCode(ctx, args[0]); err != nil {
		return err
	}
	st, err := a.codeLoop("SMS code (empty to resend)",
		func() error { return a.client.PhoneLogin().Resend(ctx) },
		func(code string) (authflow.State, error) { return a.client.SubmitPhoneCode(ctx, code) },
	)
	if err != nil {
		return err
	}
	return a.finish(ctx, st)
}

func cmdRegister(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 0, "register"); err != nil {
		return err
	}
	reg := a.client.Registration()

	var in verification.RegistrationStart
	var err error
	if in.Name, err = a.prompt.require("Full name"); err != nil {
		return err
	}
	if in.DateOfBirth, err = a.prompt.require("Date of birth (YYYY-MM-DD)"); err != nil {
		return err
	}
	if in.Contact, err = a.prompt.require("Email or phone"); err != nil {
		return err
	}
	if _, err := reg.Start(ctx, in); err != nil {
		return err
	}

	if _, err := a.codeLoop("Verification code (empty to resend)",
		func() error { return reg.Resend(ctx) },
		func(code string) (authflow.State, error) { return authflow.StateAnonymous, reg.VerifyCode(ctx, code) },
	); err != nil {
		return err
	}

	for i := 0; i < maxPrompts; i++ {
		var creds verification.RegistrationCredentials
		if creds.Username, err = a.prompt.require("Username"); err != nil {
			return err
		}
		if creds.Password, err = a.prompt.require("Password"); err != nil {
			return err
		}
		if creds.PasswordConfirmation, err = a.prompt.require("Confirm password"); err != nil {
			return err
		}
		st, err := a.client.CompleteRegistration(ctx, creds)
		if err == nil {
			return a.finish(ctx, st)
		}
		if !retryable(err) {
			return err
		}
		a.warn(err)
	}
	return errors.New("too many attempts")
}

func cmdResetPassword(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1, "reset-password <email>"); err != nil {
		return err
	}
	reset := a.client.PasswordReset()
	if _, err := reset.Forgot(ctx, args[0]); err != nil {
		return err
	}
	if _, err := a.codeLoop("Reset code (empty to resend)",
		func() error { return reset.Resend(ctx) },
		func(code string) (authflow.State, error) { return authflow.StateAnonymous, reset.VerifyCode(ctx, code) },
	); err != nil {
		return err
	}
	for i := 0; i < maxPrompts; i++ {
		pw, err := a.prompt.require("New password")
		if err != nil {
			return err
		}
		confirm, err := a.prompt.require("Confirm password")
		if err != nil {
			return err
		}
		err = reset.Reset(ctx, pw, confirm)
		if err == nil {
			fmt.Println("Password changed. Sign in with `authflow login`.")
			return nil
		}
		if !retryable(err) {
			return err
		}
		a.warn(err)
	}
	return errors.New("too many attempts")
}

func cmdWhoami(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 0, "whoami"); err != nil {
		return err
	}
	if err := a.session(ctx); err != nil {
		return err
	}
	printUser(a.client.User())
	return nil
}

func cmdDevices(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 0, "devices"); err != nil {
		return err
	}
	if err := a.session(ctx); err != nil {
		return err
	}
	devices, err := a.client.Devices().List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tTRUSTED\tCURRENT\tLAST USED")
	for _, d := range devices {
		last := "-"
		if d.LastUsedAt != nil {
			last = d.LastUsedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n", d.ID, d.Name, d.DeviceType, d.IsTrusted, d.IsCurrent, last)
	}
	return w.Flush()
}

func cmdSecurityCheck(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 0, "security-check"); err != nil {
		return err
	}
	if err := a.session(ctx); err != nil {
		return err
	}
	r, err := a.client.Devices().SecurityCheck(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("devices: %d (trusted %d, untrusted %d)\n", r.TotalDevices, r.TrustedDevices, r.UntrustedDevices)
	fmt.Printf("this device trusted: %t\n", r.CurrentDeviceTrusted)
	for _, rec := range r.Recommendations {
		fmt.Printf("  - %s\n", rec)
	}
	return nil
}

func cmdTrust(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1, "trust <device-id>"); err != nil {
		return err
	}
	if err := a.session(ctx); err != nil {
		return err
	}
	pw, err := a.prompt.require("Password")
	if err != nil {
		return err
	}
	return a.client.Devices().Trust(ctx, api.ID(args[0]), pw)
}

func cmdRevoke(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1, "revoke <device-id>"); err != nil {
		return err
	}
	if err := a.session(ctx); err != nil {
		return err
	}
	return a.client.Devices().Revoke(ctx, api.ID(args[0]))
}

func cmdRevokeAll(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 0, "revoke-all"); err != nil {
		return err
	}
	if err := a.session(ctx); err != nil {
		return err
	}
	pw, err := a.prompt.require("Password")
	if err != nil {
		return err
	}
	n, err := a.client.Devices().RevokeAll(ctx, pw)
	if err != nil {
		return err
	}
	fmt.Printf("revoked %d device(s)\n", n)
	return nil
}

func cmdLogout(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 0, "logout"); err != nil {
		return err
	}
	if _, err := a.client.Bootstrap(ctx); err != nil {
		return err
	}
	return a.client.Logout(ctx)
}

func cmdLogoutAll(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 0, "logout-all"); err != nil {
		return err
	}
	if err := a.session(ctx); err != nil {
		return err
	}
	return a.client.LogoutAll(ctx)
}

func cmdTwoFactorEnable(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 0, "2fa-enable"); err != nil {
		return err
	}
	if err := a.session(ctx); err != nil {
		return err
	}
	pw, err := a.prompt.require("Password")
	if err != nil {
		return err
	}
	setup, err := a.client.EnableTwoFactor(ctx, pw)
	if err != nil {
		return err
	}
	fmt.Printf("secret:      %s\n", setup.Secret)
	fmt.Printf("otpauth url: %s\n", setup.QRCodeURL)
	fmt.Println("backup codes (store them now, they are shown once):")
	for _, c := range setup.BackupCodes {
		fmt.Printf("  %s\n", c)
	}
	_, err = a.codeLoop("Code from the authenticator app", nil,
		func(code string) (authflow.State, error) {
			return authflow.StateAuthenticated, a.client.ConfirmTwoFactor(ctx, code)
		},
	)
	if err == nil {
		fmt.Println("Two-factor authentication enabled.")
	}
	return err
}

func cmdTwoFactorDisable(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 0, "2fa-disable"); err != nil {
		return err
	}
	if err := a.session(ctx); err != nil {
		return err
	}
	pw, err := a.prompt.require("Password")
	if err != nil {
		return err
	}
	code, err := a.prompt.require("Authenticator or backup code")
	if err != nil {
		return err
	}
	if err := a.client.DisableTwoFactor(ctx, pw, code); err != nil {
		return err
	}
	fmt.Println("Two-factor authentication disabled.")
	return nil
}

func cmdVerifyEmail(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 0, "verify-email"); err != nil {
		return err
	}
	if err := a.session(ctx); err != nil {
		return err
	}
	status, err := a.client.EmailStatus(ctx)
	if err != nil {
		return err
	}
	if status.Verified {
		fmt.Printf("%s is already verified.\n", status.Email)
		return nil
	}
	if _, err := a.client.ResendEmailVerification(ctx); err != nil {
		return err
	}
	resend := func() error {
		_, err := a.client.ResendEmailVerification(ctx)
		return err
	}
	_, err = a.codeLoop("Email code (empty to resend)", resend,
		func(code string) (authflow.State, error) {
			return authflow.StateAuthenticated, a.client.VerifyEmail(ctx, code)
		},
	)
	return err
}

func cmdSocialURL(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 1, "social-url <provider>"); err != nil {
		return err
	}
	u, err := a.client.SocialAuthURL(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(u)
	return nil
}

func cmdSocialComplete(ctx context.Context, a *app, args []string) error {
	if err := needArgs(args, 3, "social-complete <provider> <code> <state>"); err != nil {
		return err
	}
	st, err := a.client.CompleteSocialLogin(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	return a.finish(ctx, st)
}

// session resolves the stored token and walks through any gate the server
// raises before an account command runs.
func (a *app) session(ctx context.Context) error {
	st, err := a.client.Bootstrap(ctx)
	if err != nil {
		return err
	}
	if st == authflow.StateAnonymous {
		return authflow.ErrNotAuthenticated
	}
	if st == authflow.StateAuthenticated {
		return nil
	}
	return a.finishQuiet(ctx, st)
}

// finish walks the remaining step-up challenges and prints the user.
func (a *app) finish(ctx context.Context, st authflow.State) error {
	if err := a.finishQuiet(ctx, st); err != nil {
		return err
	}
	printUser(a.client.User())
	return nil
}

func (a *app) finishQuiet(ctx context.Context, st authflow.State) error {
	var err error
	for st != authflow.StateAuthenticated {
		switch st {
		case authflow.StateTwoFactorPending:
			st, err = a.codeLoop("Two-factor or backup code", nil, func(code string) (authflow.State, error) {
				if verification.ValidCode(code, verification.DefaultCodeLength) {
					return a.client.SubmitTwoFactor(ctx, code)
				}
				return a.client.SubmitBackupCode(ctx, code)
			})
		case authflow.StateDeviceVerificationPending:
			fmt.Fprintln(os.Stderr, "New device: a verification code was sent to you.")
			resend := func() error {
				_, err := a.client.ResendDeviceCode(ctx)
				return err
			}
			st, err = a.codeLoop("Device code (empty to resend)", resend, func(code string) (authflow.State, error) {
				return a.client.SubmitDeviceCode(ctx, code)
			})
		case authflow.StateAgeVerificationPending:
			st, err = a.codeLoop("Date of birth (YYYY-MM-DD)", nil, func(dob string) (authflow.State, error) {
				return a.client.SubmitBirthDate(ctx, dob)
			})
		default:
			return fmt.Errorf("signed out (%s)", st)
		}
		if err != nil {
			if errors.Is(err, errNoInput) {
				_ = a.client.BackToLogin(ctx)
			}
			return err
		}
	}
	return nil
}

// codeLoop prompts until submit succeeds or fails for a reason another
// attempt cannot fix. An empty answer calls resend when it is set.
func (a *app) codeLoop(label string, resend func() error, submit func(string) (authflow.State, error)) (authflow.State, error) {
	for i := 0; i < maxPrompts; i++ {
		answer, err := a.prompt.ask(label)
		if err != nil {
			return authflow.StateAnonymous, err
		}
		if answer == "" {
			if resend == nil {
				continue
			}
			if err := resend(); err != nil {
				if !retryable(err) {
					return authflow.StateAnonymous, err
				}
				a.warn(err)
			} else {
				fmt.Fprintln(os.Stderr, "A new code was sent.")
			}
			continue
		}
		st, err := submit(answer)
		if err == nil {
			return st, nil
		}
		if !retryable(err) {
			return st, err
		}
		a.warn(err)
	}
	return authflow.StateAnonymous, errors.New("too many attempts")
}

func (a *app) warn(err error) {
	var ve *api.ValidationError
	if errors.As(err, &ve) {
		for _, name := range ve.FieldNames() {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", name, ve.Field(name))
		}
		return
	}
	fmt.Fprintf(os.Stderr, "  %s\n", describe(err))
}

// retryable reports whether the user can fix err by answering again.
func retryable(err error) bool {
	var ve *api.ValidationError
	switch {
	case errors.As(err, &ve):
		return true
	case errors.Is(err, verification.ErrInvalidCode),
		errors.Is(err, verification.ErrResendCooldown),
		errors.Is(err, verification.ErrUnderage),
		errors.Is(err, verification.ErrInvalidBirthDate),
		errors.Is(err, verification.ErrMissingField):
		return true
	}
	return false
}

func printUser(u *api.User) {
	if u == nil {
		return
	}
	fmt.Printf("signed in as %s", u.Name)
	if id := firstNonEmpty(u.Email, u.Phone, u.Username); id != "" {
		fmt.Printf(" <%s>", id)
	}
	fmt.Println()
	var notes []string
	if u.TwoFactorEnabled {
		notes = append(notes, "two-factor on")
	}
	if u.Email != "" && u.EmailVerifiedAt == nil {
		notes = append(notes, "email unverified")
	}
	if u.Provider != "" {
		notes = append(notes, "via "+u.Provider)
	}
	if len(notes) > 0 {
		fmt.Printf("  (%s)\n", strings.Join(notes, ", "))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
