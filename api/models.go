package api

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// ID is a server identifier that may be encoded as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Int64 parses numeric ids; ok is false for opaque ids.
func (id ID) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return n, err == nil
}

// Envelope is the standard error body.
type Envelope struct {
	Message string              `json:"message,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
	Hints

	RequiresDeviceVerification bool   `json:"requires_device_verification,omitempty"`
	Fingerprint                string `json:"fingerprint,omitempty"`
	UserID                     ID     `json:"user_id,omitempty"`
}

// User is the resolved principal returned by GET /auth/me.
type User struct {
	ID               ID         `json:"id"`
	Name             string     `json:"name"`
	Username         string     `json:"username,omitempty"`
	Email            string     `json:"email,omitempty"`
	Phone            string     `json:"phone,omitempty"`
	EmailVerifiedAt  *time.Time `json:"email_verified_at,omitempty"`
	PhoneVerifiedAt  *time.Time `json:"phone_verified_at,omitempty"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	DateOfBirth      string     `json:"date_of_birth,omitempty"`
	Provider         string     `json:"provider,omitempty"`
}

// Social reports whether the account was created through a social provider.
func (u *User) Social() bool {
	return u != nil && u.Provider != ""
}

// NeedsAgeVerification is true for social accounts without a birth date.
func (u *User) NeedsAgeVerification() bool {
	return u.Social() && u.DateOfBirth == ""
}

// UserEnvelope is the GET /auth/me body.
type UserEnvelope struct {
	User *User `json:"user"`
}

// AuthResponse is the body of every call that can produce a session token:
// login, phone-code verification, device verification, registration step 3,
// social callback and age verification.
type AuthResponse struct {
	Token                      string `json:"token,omitempty"`
	User                       *User  `json:"user,omitempty"`
	Requires2FA                bool   `json:"requires_2fa,omitempty"`
	RequiresDeviceVerification bool   `json:"requires_device_verification,omitempty"`
	Fingerprint                string `json:"fingerprint,omitempty"`
	UserID                     ID     `json:"user_id,omitempty"`
	ResendAvailableAt          int64  `json:"resend_available_at,omitempty"`
	Message                    string `json:"message,omitempty"`
}

// Device is one entry of the device list.
type Device struct {
	ID          ID         `json:"id"`
	Fingerprint string     `json:"fingerprint"`
	Name        string     `json:"name"`
	DeviceType  string     `json:"device_type"`
	OS          string     `json:"os"`
	Browser     string     `json:"browser"`
	IPAddress   string     `json:"ip_address,omitempty"`
	IsTrusted   bool       `json:"is_trusted"`
	IsCurrent   bool       `json:"is_current"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// MessageResponse is the body of calls that only acknowledge.
type MessageResponse struct {
	Message string `json:"message,omitempty"`
}
