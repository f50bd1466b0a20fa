package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/MrEthical07/authflow/password"
	"github.com/MrEthical07/authflow/verification"
)

type flowResponse struct {
	SessionID         string `json:"session_id,omitempty"`
	ResendAvailableAt int64  `json:"resend_available_at,omitempty"`
	CodeExpiresAt     int64  `json:"code_expires_at,omitempty"`
	Message           string `json:"message,omitempty"`
}

// issueFlowCode sets a fresh code on f and records it in the outbox.
func (s *Server) issueFlowCode(f *flowRecord, purpose string) error {
	code, err := s.newCode()
	if err != nil {
		return err
	}
	now := s.now()
	f.Code = code
	f.CodeExpiresAt = now.Add(s.config.CodeTTL)
	s.outbox.record(Message{To: f.Contact, Purpose: purpose, Code: code, SentAt: now})
	return nil
}

// checkAge applies the minimum age policy and writes a 422 on failure.
func (s *Server) checkAge(c *gin.Context, dob string) bool {
	err := verification.CheckAge(dob, s.config.MinimumAge, s.now())
	switch {
	case err == nil:
		return true
	case errors.Is(err, verification.ErrUnderage):
		fieldError(c, "date_of_birth", fmt.Sprintf("You must be at least %d years old.", s.config.MinimumAge))
	default:
		fieldError(c, "date_of_birth", "The date of birth is not a valid date.")
	}
	return false
}

// hashPassword validates confirmation and strength and writes a 422 on
// failure.
func (s *Server) hashPassword(c *gin.Context, plain, confirmation string) (string, bool) {
	if plain != confirmation {
		fieldError(c, "password", "The password confirmation does not match.")
		return "", false
	}
	hash, err := s.hasher.Hash(plain)
	if errors.Is(err, password.ErrTooShort) {
		fieldError(c, "password", fmt.Sprintf("The password must be at least %d characters.", s.config.Password.MinLength))
		return "", false
	}
	if err != nil {
		s.abortInternal(c, "hash password", err)
		return "", false
	}
	return hash, true
}

func (s *Server) invalidSession(c *gin.Context) {
	fieldError(c, "session_id", "The verification session is invalid or has expired.")
}

func (s *Server) registerStep1(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		DateOfBirth string `json:"date_of_birth"`
		Contact     string `json:"contact"`
		ContactType string `json:"contact_type"`
	}
	if !bindJSON(c, &req) || !requireFields(c,
		field{"name", req.Name}, field{"date_of_birth", req.DateOfBirth}, field{"contact", req.Contact}) {
		return
	}
	contact := strings.TrimSpace(req.Contact)
	kind := req.ContactType
	if kind == "" {
		kind = "phone"
		if strings.Contains(contact, "@") {
			kind = "email"
		}
	}
	if kind != "email" && kind != "phone" {
		fieldError(c, "contact_type", "The contact type must be email or phone.")
		return
	}
	if !s.checkAge(c, req.DateOfBirth) {
		return
	}
	if s.store.contactTaken(contact) {
		fieldError(c, "contact", "This contact is already registered.")
		return
	}

	f := flowRecord{
		ID:          uuid.NewString(),
		Kind:        flowRegistration,
		Step:        2,
		Contact:     contact,
		ContactType: kind,
		Name:        strings.TrimSpace(req.Name),
		DateOfBirth: strings.TrimSpace(req.DateOfBirth),
	}
	at, err := s.limiter.AcquireResend(c.Request.Context(), scopeRegister, f.ID)
	if err != nil {
		s.abortRateError(c, err, hintResendAvailableAt)
		return
	}
	if err := s.issueFlowCode(&f, PurposeRegistration); err != nil {
		s.abortInternal(c, "registration code", err)
		return
	}
	s.store.putFlow(f)
	c.JSON(http.StatusOK, flowResponse{
		SessionID:         f.ID,
		ResendAvailableAt: at,
		CodeExpiresAt:     f.CodeExpiresAt.Unix(),
		Message:           "A verification code has been sent.",
	})
}

func (s *Server) registerStep2(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
		Code      string `json:"code"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"session_id", req.SessionID}, field{"code", req.Code}) {
		return
	}
	f, ok := s.store.flow(req.SessionID, flowRegistration)
	if !ok {
		s.invalidSession(c)
		return
	}
	if !f.Verified {
		if !s.checkCode(c, "flow:"+f.ID, f.Code, req.Code, f.CodeExpiresAt) {
			return
		}
		s.store.updateFlow(f.ID, func(r *flowRecord) {
			r.Verified = true
			r.Step = 3
			r.Code = ""
		})
	}
	c.JSON(http.StatusOK, flowResponse{Message: "Contact verified."})
}

func (s *Server) registerStep3(c *gin.Context) {
	var req struct {
		SessionID            string `json:"session_id"`
		Username             string `json:"username"`
		Password             string `json:"password"`
		PasswordConfirmation string `json:"password_confirmation"`
	}
	if !bindJSON(c, &req) || !requireFields(c,
		field{"session_id", req.SessionID}, field{"username", req.Username}, field{"password", req.Password}) {
		return
	}
	f, ok := s.store.flow(req.SessionID, flowRegistration)
	if !ok {
		s.invalidSession(c)
		return
	}
	if !f.Verified {
		fieldError(c, "session_id", "Verify your contact before completing registration.")
		return
	}
	username := strings.TrimSpace(req.Username)
	if s.store.usernameTaken(username) {
		fieldError(c, "username", "This username is already taken.")
		return
	}
	fp := fingerprint(c, "")
	if fp == "" {
		fieldError(c, "fingerprint", "A device fingerprint is required.")
		return
	}
	hash, ok := s.hashPassword(c, req.Password, req.PasswordConfirmation)
	if !ok {
		return
	}

	now := s.now()
	u := user{
		ID:           uuid.NewString(),
		Name:         f.Name,
		Username:     username,
		DateOfBirth:  f.DateOfBirth,
		PasswordHash: hash,
		CreatedAt:    now,
	}
	if f.ContactType == "email" {
		u.Email = f.Contact
		u.EmailVerifiedAt = &now
	} else {
		u.Phone = f.Contact
		u.PhoneVerifiedAt = &now
	}
	s.store.putUser(u)
	s.store.deleteFlow(f.ID)
	_ = s.limiter.ResetResend(c.Request.Context(), scopeRegister, f.ID)

	dev := s.ensureDevice(c, u.ID, fp)
	s.issueSession(c, u, dev, "Welcome!")
}

func (s *Server) registerResend(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"session_id", req.SessionID}) {
		return
	}
	f, ok := s.store.flow(req.SessionID, flowRegistration)
	if !ok || f.Verified {
		s.invalidSession(c)
		return
	}
	at, err := s.limiter.AcquireResend(c.Request.Context(), scopeRegister, f.ID)
	if err != nil {
		s.abortRateError(c, err, hintResendAvailableAt)
		return
	}
	if err := s.issueFlowCode(&f, PurposeRegistration); err != nil {
		s.abortInternal(c, "registration code", err)
		return
	}
	s.store.updateFlow(f.ID, func(r *flowRecord) {
		r.Code = f.Code
		r.CodeExpiresAt = f.CodeExpiresAt
	})
	c.JSON(http.StatusOK, flowResponse{
		ResendAvailableAt: at,
		CodeExpiresAt:     f.CodeExpiresAt.Unix(),
		Message:           "A new verification code has been sent.",
	})
}

func (s *Server) phoneSendCode(c *gin.Context) {
	var req struct {
		Phone string `json:"phone"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"phone", req.Phone}) {
		return
	}
	phone := strings.TrimSpace(req.Phone)
	u, ok := s.store.userByLogin(phone)
	if !ok || u.Phone != phone {
		fieldError(c, "phone", "No account is registered with this phone number.")
		return
	}
	at, err := s.limiter.AcquireResend(c.Request.Context(), scopePhone, phone)
	if err != nil {
		s.abortRateError(c, err, hintRemainingSeconds)
		return
	}
	f := flowRecord{
		ID:          uuid.NewString(),
		Kind:        flowPhoneLogin,
		Step:        2,
		Contact:     phone,
		ContactType: "phone",
		UserID:      u.ID,
	}
	if err := s.issueFlowCode(&f, PurposePhoneLogin); err != nil {
		s.abortInternal(c, "phone code", err)
		return
	}
	s.store.putFlow(f)
	c.JSON(http.StatusOK, flowResponse{
		SessionID:         f.ID,
		ResendAvailableAt: at,
		CodeExpiresAt:     f.CodeExpiresAt.Unix(),
		Message:           "A login code has been sent.",
	})
}

// phoneVerifyCode accepts the SMS code once; a session that already passed
// it may come back with a two-factor or backup code.
func (s *Server) phoneVerifyCode(c *gin.Context) {
	var req struct {
		SessionID     string `json:"session_id"`
		Code          string `json:"code"`
		TwoFactorCode string `json:"two_factor_code"`
		BackupCode    string `json:"backup_code"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"session_id", req.SessionID}) {
		return
	}
	f, ok := s.store.flow(req.SessionID, flowPhoneLogin)
	if !ok {
		s.invalidSession(c)
		return
	}
	if !f.Verified {
		if !requireFields(c, field{"code", req.Code}) ||
			!s.checkCode(c, "flow:"+f.ID, f.Code, req.Code, f.CodeExpiresAt) {
			return
		}
		s.store.updateFlow(f.ID, func(r *flowRecord) {
			r.Verified = true
			r.Code = ""
		})
	}
	u, ok := s.store.user(f.UserID)
	if !ok {
		s.invalidSession(c)
		return
	}
	sf := secondFactor{totp: req.TwoFactorCode, backup: req.BackupCode}
	if s.completeLogin(c, u, sf, fingerprint(c, "")) {
		s.store.deleteFlow(f.ID)
		_ = s.limiter.ResetResend(c.Request.Context(), scopePhone, f.Contact)
	}
}

func (s *Server) phoneResendCode(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"session_id", req.SessionID}) {
		return
	}
	f, ok := s.store.flow(req.SessionID, flowPhoneLogin)
	if !ok || f.Verified {
		s.invalidSession(c)
		return
	}
	at, err := s.limiter.AcquireResend(c.Request.Context(), scopePhone, f.Contact)
	if err != nil {
		s.abortRateError(c, err, hintRemainingSeconds)
		return
	}
	if err := s.issueFlowCode(&f, PurposePhoneLogin); err != nil {
		s.abortInternal(c, "phone code", err)
		return
	}
	s.store.updateFlow(f.ID, func(r *flowRecord) {
		r.Code = f.Code
		r.CodeExpiresAt = f.CodeExpiresAt
	})
	c.JSON(http.StatusOK, flowResponse{
		ResendAvailableAt: at,
		CodeExpiresAt:     f.CodeExpiresAt.Unix(),
		Message:           "A new login code has been sent.",
	})
}

// passwordForgot serves both forgot and resend. The answer does not reveal
// whether the account exists.
func (s *Server) passwordForgot(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"email", req.Email}) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	at, err := s.limiter.AcquireResend(c.Request.Context(), scopeReset, email)
	if err != nil {
		s.abortRateError(c, err, hintResendAvailableAt)
		return
	}
	if u, ok := s.store.userByLogin(email); ok && strings.EqualFold(u.Email, email) {
		r := flowRecord{Kind: flowPasswordReset, Contact: email, UserID: u.ID}
		if err := s.issueFlowCode(&r, PurposePasswordReset); err != nil {
			s.abortInternal(c, "reset code", err)
			return
		}
		s.store.putReset(email, r)
	}
	c.JSON(http.StatusOK, flowResponse{
		ResendAvailableAt: at,
		Message:           "If the account exists, a reset code has been sent.",
	})
}

func (s *Server) passwordVerifyCode(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"email", req.Email}, field{"code", req.Code}) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	r, _ := s.store.reset(email)
	if !s.checkCode(c, "reset:"+email, r.Code, req.Code, r.CodeExpiresAt) {
		return
	}
	s.store.markResetVerified(email)
	c.JSON(http.StatusOK, flowResponse{Message: "Code verified."})
}

func (s *Server) passwordReset(c *gin.Context) {
	var req struct {
		Email                string `json:"email"`
		Code                 string `json:"code"`
		Password             string `json:"password"`
		PasswordConfirmation string `json:"password_confirmation"`
	}
	if !bindJSON(c, &req) || !requireFields(c,
		field{"email", req.Email}, field{"code", req.Code}, field{"password", req.Password}) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	r, ok := s.store.reset(email)
	if !ok || !r.Verified {
		fieldError(c, "code", "Verify the reset code first.")
		return
	}
	if !s.checkCode(c, "reset:"+email, r.Code, req.Code, r.CodeExpiresAt) {
		return
	}
	hash, ok := s.hashPassword(c, req.Password, req.PasswordConfirmation)
	if !ok {
		return
	}
	if err := s.store.updateUser(r.UserID, func(u *user) error {
		u.PasswordHash = hash
		return nil
	}); err != nil {
		fieldError(c, "email", "The account no longer exists.")
		return
	}
	s.store.revokeSessions(r.UserID, "")
	s.store.deleteReset(email)
	_ = s.limiter.ResetResend(c.Request.Context(), scopeReset, email)
	c.JSON(http.StatusOK, flowResponse{Message: "Your password has been reset."})
}
