package devserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/MrEthical07/authflow/api"
)

func (s *Server) passwordChange(c *gin.Context) {
	var req struct {
		CurrentPassword      string `json:"current_password"`
		Password             string `json:"password"`
		PasswordConfirmation string `json:"password_confirmation"`
	}
	if !bindJSON(c, &req) || !requireFields(c,
		field{"current_password", req.CurrentPassword}, field{"password", req.Password}) {
		return
	}
	u := currentUser(c)
	if !s.checkPassword(u, req.CurrentPassword) {
		fieldError(c, "current_password", "The current password is incorrect.")
		return
	}
	hash, ok := s.hashPassword(c, req.Password, req.PasswordConfirmation)
	if !ok {
		return
	}
	_ = s.store.updateUser(u.ID, func(r *user) error {
		r.PasswordHash = hash
		return nil
	})
	s.store.revokeSessions(u.ID, currentSession(c).ID)
	c.JSON(http.StatusOK, api.MessageResponse{Message: "Password changed."})
}

func (s *Server) emailVerify(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"code", req.Code}) {
		return
	}
	u := currentUser(c)
	if u.EmailVerifiedAt != nil {
		c.JSON(http.StatusOK, api.MessageResponse{Message: "Email already verified."})
		return
	}
	if !s.checkCode(c, "email:"+u.ID, u.EmailCode, req.Code, u.EmailCodeExpireAt) {
		return
	}
	now := s.now()
	_ = s.store.updateUser(u.ID, func(r *user) error {
		r.EmailVerifiedAt = &now
		r.EmailCode = ""
		return nil
	})
	_ = s.limiter.ResetResend(c.Request.Context(), scopeEmail, u.ID)
	c.JSON(http.StatusOK, api.MessageResponse{Message: "Email verified."})
}

func (s *Server) emailResend(c *gin.Context) {
	u := currentUser(c)
	if u.Email == "" {
		fieldError(c, "email", "The account has no email address.")
		return
	}
	if u.EmailVerifiedAt != nil {
		c.JSON(http.StatusOK, api.MessageResponse{Message: "Email already verified."})
		return
	}
	at, err := s.limiter.AcquireResend(c.Request.Context(), scopeEmail, u.ID)
	if err != nil {
		s.abortRateError(c, err, hintRetryAfter)
		return
	}
	code, err := s.newCode()
	if err != nil {
		s.abortInternal(c, "email code", err)
		return
	}
	now := s.now()
	_ = s.store.updateUser(u.ID, func(r *user) error {
		r.EmailCode = code
		r.EmailCodeExpireAt = now.Add(s.config.CodeTTL)
		return nil
	})
	s.outbox.record(Message{To: u.Email, Purpose: PurposeEmail, Code: code, SentAt: now})
	c.JSON(http.StatusOK, flowResponse{ResendAvailableAt: at, Message: "A verification code has been sent."})
}

// EmailStatus is the GET /auth/email/status body.
type EmailStatus struct {
	Email           string     `json:"email"`
	Verified        bool       `json:"verified"`
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty"`
}

func (s *Server) emailStatus(c *gin.Context) {
	u := currentUser(c)
	c.JSON(http.StatusOK, EmailStatus{
		Email:           u.Email,
		Verified:        u.EmailVerifiedAt != nil,
		EmailVerifiedAt: copyTime(u.EmailVerifiedAt),
	})
}

// TwoFactorSetup is the POST /auth/2fa/enable body.
type TwoFactorSetup struct {
	Secret      string   `json:"secret"`
	QRCodeURL   string   `json:"qr_code_url"`
	BackupCodes []string `json:"backup_codes"`
}

func (s *Server) twoFactorEnable(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"password", req.Password}) {
		return
	}
	u := currentUser(c)
	if !s.checkPassword(u, req.Password) {
		fieldError(c, "password", "The password is incorrect.")
		return
	}
	if u.twoFactorEnabled() {
		fieldError(c, "two_factor", "Two-factor authentication is already enabled.")
		return
	}
	raw, secret, err := s.totp.generateSecret()
	if err != nil {
		s.abortInternal(c, "totp secret", err)
		return
	}
	codes, hashes, err := s.newBackupCodes(u.ID)
	if err != nil {
		s.abortInternal(c, "backup codes", err)
		return
	}
	_ = s.store.updateUser(u.ID, func(r *user) error {
		r.PendingTOTP = raw
		r.PendingBackup = hashes
		return nil
	})
	account := u.Email
	if account == "" {
		account = u.Username
	}
	c.JSON(http.StatusOK, TwoFactorSetup{
		Secret:      secret,
		QRCodeURL:   s.totp.provisionURI(secret, account),
		BackupCodes: codes,
	})
}

func (s *Server) twoFactorVerify(c *gin.Context) {
	var req struct {
		Code string `json:"code"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"code", req.Code}) {
		return
	}
	u := currentUser(c)
	if len(u.PendingTOTP) == 0 {
		fieldError(c, "code", "Start two-factor setup first.")
		return
	}
	ok, counter, err := s.totp.verify(u.PendingTOTP, req.Code, s.now())
	if err != nil || !ok {
		fieldError(c, "code", "The provided two-factor code is invalid.")
		return
	}
	var updated user
	_ = s.store.updateUser(u.ID, func(r *user) error {
		r.TOTPSecret = r.PendingTOTP
		r.BackupCodes = r.PendingBackup
		r.PendingTOTP = nil
		r.PendingBackup = nil
		r.LastTOTPCounter = counter
		updated = *r
		return nil
	})
	c.JSON(http.StatusOK, gin.H{"message": "Two-factor authentication enabled.", "user": updated.public()})
}

func (s *Server) twoFactorDisable(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
		Code     string `json:"code"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"password", req.Password}, field{"code", req.Code}) {
		return
	}
	u := currentUser(c)
	if !s.checkPassword(u, req.Password) {
		fieldError(c, "password", "The password is incorrect.")
		return
	}
	if !u.twoFactorEnabled() {
		fieldError(c, "two_factor", "Two-factor authentication is not enabled.")
		return
	}
	if !s.checkTOTP(u.ID, req.Code) && !s.consumeBackupCode(u.ID, req.Code) {
		fieldError(c, "code", "The provided two-factor code is invalid.")
		return
	}
	_ = s.store.updateUser(u.ID, func(r *user) error {
		r.TOTPSecret = nil
		r.BackupCodes = nil
		r.LastTOTPCounter = 0
		return nil
	})
	c.JSON(http.StatusOK, api.MessageResponse{Message: "Two-factor authentication disabled."})
}

// socialCallback stands in for a provider exchange: the authorization code
// is taken as the provider's subject for the user.
func (s *Server) socialCallback(c *gin.Context) {
	provider := strings.ToLower(c.Param("provider"))
	if !s.knownProvider(provider) {
		abortError(c, http.StatusNotFound, "Unknown provider.")
		return
	}
	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		fieldError(c, "code", "The authorization code is missing.")
		return
	}

	u, ok := s.store.userBySocial(provider, code)
	if !ok {
		u = user{
			ID:              uuid.NewString(),
			Name:            strings.ToUpper(provider[:1]) + provider[1:] + " user",
			Provider:        provider,
			ProviderSubject: code,
			CreatedAt:       s.now(),
		}
		s.store.putUser(u)
	}
	sf := secondFactor{totp: c.Query("two_factor_code"), backup: c.Query("backup_code")}
	s.completeLogin(c, u, sf, fingerprint(c, ""))
}

func (s *Server) knownProvider(provider string) bool {
	for _, p := range s.config.SocialProviders {
		if strings.EqualFold(p, provider) {
			return true
		}
	}
	return false
}

func (s *Server) completeAgeVerification(c *gin.Context) {
	var req struct {
		DateOfBirth string `json:"date_of_birth"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"date_of_birth", req.DateOfBirth}) {
		return
	}
	if !s.checkAge(c, req.DateOfBirth) {
		return
	}
	u := currentUser(c)
	var updated user
	_ = s.store.updateUser(u.ID, func(r *user) error {
		r.DateOfBirth = strings.TrimSpace(req.DateOfBirth)
		updated = *r
		return nil
	})
	c.JSON(http.StatusOK, api.AuthResponse{User: updated.public(), Message: "Age verified."})
}
