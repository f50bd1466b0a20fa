package devserver

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/device"
	"github.com/MrEthical07/authflow/internal"
	"github.com/MrEthical07/authflow/internal/rate"
)

type loginRequest struct {
	Login         string `json:"login"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"two_factor_code"`
	BackupCode    string `json:"backup_code"`
	Fingerprint   string `json:"fingerprint"`
}

type secondFactor struct {
	totp   string
	backup string
}

func (f secondFactor) empty() bool {
	return strings.TrimSpace(f.totp) == "" && strings.TrimSpace(f.backup) == ""
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) || !requireFields(c, field{"login", req.Login}, field{"password", req.Password}) {
		return
	}
	ctx := c.Request.Context()
	subject := strings.ToLower(strings.TrimSpace(req.Login))
	if err := s.limiter.CheckAttempts(ctx, scopeLogin, subject); err != nil {
		s.abortRateError(c, err, hintRetryAfter)
		return
	}

	u, ok := s.store.userByLogin(subject)
	if !ok || u.PasswordHash == "" {
		s.hasher.VerifyDummy(req.Password)
	}
	if !ok || !s.checkPassword(u, req.Password) {
		if err := s.limiter.RecordFailure(ctx, scopeLogin, subject); err != nil {
			s.logger.Warn("record login failure", zap.Error(err))
		}
		fieldError(c, "login", "These credentials do not match our records.")
		return
	}
	_ = s.limiter.ResetAttempts(ctx, scopeLogin, subject)

	s.completeLogin(c, u, secondFactor{totp: req.TwoFactorCode, backup: req.BackupCode}, fingerprint(c, req.Fingerprint))
}

func (s *Server) checkPassword(u user, plain string) bool {
	if u.PasswordHash == "" {
		return false
	}
	ok, err := s.hasher.Verify(plain, u.PasswordHash)
	if err != nil {
		s.logger.Warn("password hash unreadable", zap.String("user_id", u.ID), zap.Error(err))
		return false
	}
	return ok
}

// completeLogin runs the step-up checks after a primary credential was
// accepted: two-factor first, then the device. It writes the response and
// reports whether a token was issued.
func (s *Server) completeLogin(c *gin.Context, u user, sf secondFactor, fp string) bool {
	if u.twoFactorEnabled() {
		if sf.empty() {
			c.JSON(http.StatusOK, api.AuthResponse{
				Requires2FA: true,
				UserID:      api.ID(u.ID),
				Message:     "Two-factor authentication is required.",
			})
			return false
		}
		if !s.checkSecondFactor(c, u, sf) {
			return false
		}
	}

	if fp == "" {
		fieldError(c, "fingerprint", "A device fingerprint is required.")
		return false
	}
	dev, known := s.store.deviceByFingerprint(u.ID, fp)
	switch {
	case known && dev.recognized():
	case !known && s.config.TrustFirstDevice && !s.store.hasDevices(u.ID):
		dev = s.ensureDevice(c, u.ID, fp)
	default:
		s.startDeviceChallenge(c, u, fp, http.StatusOK)
		return false
	}
	return s.issueSession(c, u, dev, "Logged in successfully.")
}

// checkSecondFactor verifies a TOTP or backup code and writes a 422 on
// failure.
func (s *Server) checkSecondFactor(c *gin.Context, u user, sf secondFactor) bool {
	ctx := c.Request.Context()
	if err := s.limiter.CheckAttempts(ctx, scopeTwoFactor, u.ID); err != nil {
		s.abortRateError(c, err, hintRetryAfter)
		return false
	}

	name := "two_factor_code"
	var ok bool
	if strings.TrimSpace(sf.backup) != "" {
		name = "backup_code"
		ok = s.consumeBackupCode(u.ID, sf.backup)
	} else {
		ok = s.checkTOTP(u.ID, sf.totp)
	}
	if !ok {
		if err := s.limiter.RecordFailure(ctx, scopeTwoFactor, u.ID); err != nil {
			s.logger.Warn("record two-factor failure", zap.Error(err))
		}
		fieldError(c, name, "The provided two-factor code is invalid.")
		return false
	}
	_ = s.limiter.ResetAttempts(ctx, scopeTwoFactor, u.ID)
	return true
}

// checkTOTP accepts a code once; a counter at or below the last used one is
// a replay.
func (s *Server) checkTOTP(userID, code string) bool {
	matched := false
	err := s.store.updateUser(userID, func(u *user) error {
		ok, counter, err := s.totp.verify(u.TOTPSecret, code, s.now())
		if err != nil || !ok || counter <= u.LastTOTPCounter {
			return err
		}
		u.LastTOTPCounter = counter
		matched = true
		return nil
	})
	return err == nil && matched
}

func (s *Server) consumeBackupCode(userID, code string) bool {
	canonical := internal.CanonicalizeBackupCode(code)
	if canonical == "" {
		return false
	}
	want := internal.HashBackupCode(userID, canonical)
	consumed := false
	_ = s.store.updateUser(userID, func(u *user) error {
		for i, h := range u.BackupCodes {
			if subtle.ConstantTimeCompare(h[:], want[:]) == 1 {
				rest := make([][32]byte, 0, len(u.BackupCodes)-1)
				rest = append(rest, u.BackupCodes[:i]...)
				rest = append(rest, u.BackupCodes[i+1:]...)
				u.BackupCodes = rest
				consumed = true
				return nil
			}
		}
		return nil
	})
	return consumed
}

// ensureDevice returns the recognized device record for fp, creating or
// reviving it.
func (s *Server) ensureDevice(c *gin.Context, userID, fp string) deviceRecord {
	now := s.now()
	if existing, ok := s.store.deviceByFingerprint(userID, fp); ok {
		var out deviceRecord
		_ = s.store.updateDevice(existing.ID, func(d *deviceRecord) error {
			d.Revoked = false
			d.Verified = true
			d.LastUsedAt = now
			out = *d
			return nil
		})
		return out
	}
	info := device.Describe(c.Request.UserAgent())
	d := deviceRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		Fingerprint: fp,
		Name:        info.Name,
		DeviceType:  info.DeviceType,
		OS:          info.OS,
		Browser:     info.Browser,
		IPAddress:   c.ClientIP(),
		Verified:    true,
		LastUsedAt:  now,
		CreatedAt:   now,
	}
	s.store.putDevice(d)
	return d
}

func (s *Server) issueSession(c *gin.Context, u user, dev deviceRecord, message string) bool {
	sid := uuid.NewString()
	token, err := s.tokens.Issue(u.ID, sid, dev.ID)
	if err != nil {
		s.abortInternal(c, "issue token", err)
		return false
	}
	now := s.now()
	s.store.putSession(session{ID: sid, UserID: u.ID, DeviceID: dev.ID, CreatedAt: now})
	_ = s.store.updateDevice(dev.ID, func(d *deviceRecord) error {
		d.LastUsedAt = now
		d.IPAddress = c.ClientIP()
		return nil
	})
	s.logger.Info("session issued", zap.String("user_id", u.ID), zap.String("device_id", dev.ID))
	c.JSON(http.StatusOK, api.AuthResponse{Token: token, User: u.public(), Message: message})
	return true
}

// startDeviceChallenge sends a device code unless a resend window is still
// open, then answers with the device verification signal.
func (s *Server) startDeviceChallenge(c *gin.Context, u user, fp string, status int) {
	ctx := c.Request.Context()
	at, err := s.limiter.AcquireResend(ctx, scopeDevice, fp)
	var limited *rate.LimitedError
	switch {
	case err == nil:
		if err := s.sendDeviceCode(u, fp); err != nil {
			s.abortInternal(c, "device code", err)
			return
		}
	case errors.As(err, &limited):
		at = limited.AvailableAt
		if ch, ok := s.store.challenge(fp); !ok || ch.UserID != u.ID {
			if err := s.sendDeviceCode(u, fp); err != nil {
				s.abortInternal(c, "device code", err)
				return
			}
		}
	default:
		s.abortRateError(c, err, hintResendAvailableAt)
		return
	}
	c.AbortWithStatusJSON(status, api.AuthResponse{
		RequiresDeviceVerification: true,
		Fingerprint:                fp,
		UserID:                     api.ID(u.ID),
		ResendAvailableAt:          at,
		Message:                    "This device is not recognized. Enter the code we sent you.",
	})
}

func (s *Server) sendDeviceCode(u user, fp string) error {
	code, err := s.newCode()
	if err != nil {
		return err
	}
	now := s.now()
	s.store.putChallenge(deviceChallenge{UserID: u.ID, Fingerprint: fp, Code: code, ExpiresAt: now.Add(s.config.CodeTTL)})
	s.outbox.record(Message{To: u.contact(), Purpose: PurposeDevice, Code: code, SentAt: now})
	return nil
}

func (s *Server) me(c *gin.Context) {
	u := currentUser(c)
	sess := currentSession(c)
	dev, ok := s.store.device(sess.DeviceID)
	if !ok || dev.Revoked {
		abortUnauthenticated(c)
		return
	}
	if fp := fingerprint(c, ""); fp != "" && fp != dev.Fingerprint {
		if other, ok := s.store.deviceByFingerprint(u.ID, fp); !ok || !other.recognized() {
			s.startDeviceChallenge(c, u, fp, http.StatusForbidden)
			return
		}
	}
	c.JSON(http.StatusOK, api.UserEnvelope{User: u.public()})
}

func (s *Server) logout(c *gin.Context) {
	s.store.revokeSession(currentSession(c).ID)
	c.JSON(http.StatusOK, api.MessageResponse{Message: "Logged out."})
}

func (s *Server) logoutAll(c *gin.Context) {
	n := s.store.revokeSessions(currentUser(c).ID, "")
	c.JSON(http.StatusOK, gin.H{"message": "Logged out from all devices.", "revoked": n})
}

func (s *Server) verifyDevice(c *gin.Context) {
	var req struct {
		Code        string `json:"code"`
		Fingerprint string `json:"fingerprint"`
	}
	if !bindJSON(c, &req) {
		return
	}
	fp := strings.TrimSpace(req.Fingerprint)
	if fp == "" {
		fp = fingerprint(c, "")
	}
	if !requireFields(c, field{"code", req.Code}, field{"fingerprint", fp}) {
		return
	}

	ch, ok := s.store.challenge(fp)
	if !ok {
		fieldError(c, "code", "No device verification is pending for this device.")
		return
	}
	if !s.checkCode(c, "device:"+fp, ch.Code, req.Code, ch.ExpiresAt) {
		return
	}
	s.store.deleteChallenge(fp)
	_ = s.limiter.ResetResend(c.Request.Context(), scopeDevice, fp)

	u, ok := s.store.user(ch.UserID)
	if !ok {
		abortUnauthenticated(c)
		return
	}
	dev := s.ensureDevice(c, u.ID, fp)
	s.issueSession(c, u, dev, "Device verified.")
}

func (s *Server) resendDeviceCode(c *gin.Context) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
		UserID      string `json:"user_id"`
	}
	if !bindJSON(c, &req) {
		return
	}
	fp := strings.TrimSpace(req.Fingerprint)
	if fp == "" {
		fp = fingerprint(c, "")
	}
	if !requireFields(c, field{"fingerprint", fp}) {
		return
	}

	userID := req.UserID
	if ch, ok := s.store.challenge(fp); ok {
		if userID != "" && userID != ch.UserID {
			fieldError(c, "user_id", "The device verification belongs to another account.")
			return
		}
		userID = ch.UserID
	}
	u, ok := s.store.user(userID)
	if userID == "" || !ok {
		fieldError(c, "fingerprint", "No device verification is pending for this device.")
		return
	}

	at, err := s.limiter.AcquireResend(c.Request.Context(), scopeDevice, fp)
	if err != nil {
		s.abortRateError(c, err, hintResendAvailableAt)
		return
	}
	if err := s.sendDeviceCode(u, fp); err != nil {
		s.abortInternal(c, "device code", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resend_available_at": at, "message": "A new verification code has been sent."})
}

// checkCode compares a submitted one-time code under the failed-attempt
// budget of subject and writes a 422 or 429 on failure.
func (s *Server) checkCode(c *gin.Context, subject, want, got string, expiresAt time.Time) bool {
	ctx := c.Request.Context()
	if err := s.limiter.CheckAttempts(ctx, scopeCode, subject); err != nil {
		s.abortRateError(c, err, hintRetryAfter)
		return false
	}
	if !expiresAt.IsZero() && s.now().After(expiresAt) {
		fieldError(c, "code", "The verification code has expired.")
		return false
	}
	if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(strings.TrimSpace(got))) != 1 {
		if err := s.limiter.RecordFailure(ctx, scopeCode, subject); err != nil {
			s.logger.Warn("record code failure", zap.Error(err))
		}
		fieldError(c, "code", "The verification code is invalid.")
		return false
	}
	_ = s.limiter.ResetAttempts(ctx, scopeCode, subject)
	return true
}
