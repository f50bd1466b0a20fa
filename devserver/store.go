package devserver

import (
	"strings"
	"sync"
	"time"

	"github.com/MrEthical07/authflow/api"
)

type user struct {
	ID              string
	Name            string
	Username        string
	Email           string
	Phone           string
	PasswordHash    string
	DateOfBirth     string
	Provider        string
	ProviderSubject string
	EmailVerifiedAt *time.Time
	PhoneVerifiedAt *time.Time
	CreatedAt       time.Time

	TOTPSecret        []byte
	PendingTOTP       []byte
	PendingBackup     [][32]byte
	BackupCodes       [][32]byte
	LastTOTPCounter   int64
	EmailCode         string
	EmailCodeExpireAt time.Time
}

func (u user) twoFactorEnabled() bool { return len(u.TOTPSecret) > 0 }

// contact is where device and email codes are recorded.
func (u user) contact() string {
	if u.Email != "" {
		return u.Email
	}
	return u.Phone
}

func (u user) public() *api.User {
	return &api.User{
		ID:               api.ID(u.ID),
		Name:             u.Name,
		Username:         u.Username,
		Email:            u.Email,
		Phone:            u.Phone,
		EmailVerifiedAt:  copyTime(u.EmailVerifiedAt),
		PhoneVerifiedAt:  copyTime(u.PhoneVerifiedAt),
		TwoFactorEnabled: u.twoFactorEnabled(),
		DateOfBirth:      u.DateOfBirth,
		Provider:         u.Provider,
	}
}

type deviceRecord struct {
	ID          string
	UserID      string
	Fingerprint string
	Name        string
	DeviceType  string
	OS          string
	Browser     string
	IPAddress   string
	Verified    bool
	Trusted     bool
	Revoked     bool
	LastUsedAt  time.Time
	CreatedAt   time.Time
}

// recognized devices skip the device challenge at login.
func (d deviceRecord) recognized() bool { return !d.Revoked && (d.Verified || d.Trusted) }

func (d deviceRecord) public(current bool) api.Device {
	last, created := d.LastUsedAt, d.CreatedAt
	return api.Device{
		ID:          api.ID(d.ID),
		Fingerprint: d.Fingerprint,
		Name:        d.Name,
		DeviceType:  d.DeviceType,
		OS:          d.OS,
		Browser:     d.Browser,
		IPAddress:   d.IPAddress,
		IsTrusted:   d.Trusted,
		IsCurrent:   current,
		LastUsedAt:  &last,
		CreatedAt:   &created,
	}
}

type session struct {
	ID        string
	UserID    string
	DeviceID  string
	Revoked   bool
	CreatedAt time.Time
}

const (
	flowRegistration  = "registration"
	flowPhoneLogin    = "phone_login"
	flowPasswordReset = "password_reset"
)

type flowRecord struct {
	ID            string
	Kind          string
	Step          int
	Contact       string
	ContactType   string
	Name          string
	DateOfBirth   string
	UserID        string
	Code          string
	CodeExpiresAt time.Time
	Verified      bool
}

type deviceChallenge struct {
	UserID      string
	Fingerprint string
	Code        string
	ExpiresAt   time.Time
}

// store holds all in-memory state. Reads return copies; writes go through
// the update helpers so the mutation runs under the lock.
type store struct {
	mu         sync.Mutex
	users      map[string]*user
	devices    map[string]*deviceRecord
	sessions   map[string]*session
	flows      map[string]*flowRecord
	resets     map[string]*flowRecord
	challenges map[string]*deviceChallenge
}

func newStore() *store {
	return &store{
		users:      make(map[string]*user),
		devices:    make(map[string]*deviceRecord),
		sessions:   make(map[string]*session),
		flows:      make(map[string]*flowRecord),
		resets:     make(map[string]*flowRecord),
		challenges: make(map[string]*deviceChallenge),
	}
}

func (s *store) putUser(u user) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

func (s *store) user(id string) (user, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return user{}, false
	}
	return *u, true
}

// userByLogin matches an email or username case-insensitively, or a phone
// number exactly.
func (s *store) userByLogin(login string) (user, bool) {
	login = strings.TrimSpace(login)
	if login == "" {
		return user{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, login) || strings.EqualFold(u.Username, login) || (u.Phone != "" && u.Phone == login) {
			return *u, true
		}
	}
	return user{}, false
}

func (s *store) userBySocial(provider, subject string) (user, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Provider == provider && u.ProviderSubject == subject {
			return *u, true
		}
	}
	return user{}, false
}

func (s *store) usernameTaken(username string) bool {
	_, ok := s.userByLogin(username)
	return ok
}

func (s *store) updateUser(id string, fn func(*user) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return errNotFound
	}
	return fn(u)
}

func (s *store) putDevice(d deviceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = &d
}

func (s *store) device(id string) (deviceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return deviceRecord{}, false
	}
	return *d, true
}

func (s *store) deviceByFingerprint(userID, fingerprint string) (deviceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.UserID == userID && d.Fingerprint == fingerprint {
			return *d, true
		}
	}
	return deviceRecord{}, false
}

func (s *store) devicesOf(userID string) []deviceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []deviceRecord
	for _, d := range s.devices {
		if d.UserID == userID && !d.Revoked {
			out = append(out, *d)
		}
	}
	return out
}

func (s *store) hasDevices(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.UserID == userID {
			return true
		}
	}
	return false
}

func (s *store) updateDevice(id string, fn func(*deviceRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return errNotFound
	}
	return fn(d)
}

// revokeDevices revokes every live device of userID for which keep is false,
// together with their sessions, and returns how many devices were revoked.
func (s *store) revokeDevices(userID string, keep func(deviceRecord) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := make(map[string]bool)
	for _, d := range s.devices {
		if d.UserID != userID || d.Revoked || keep(*d) {
			continue
		}
		d.Revoked = true
		d.Verified = false
		d.Trusted = false
		revoked[d.ID] = true
	}
	for _, sess := range s.sessions {
		if revoked[sess.DeviceID] {
			sess.Revoked = true
		}
	}
	return len(revoked)
}

func (s *store) putSession(sess session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = &sess
}

func (s *store) session(id string) (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session{}, false
	}
	return *sess, true
}

// revokeSessions revokes the user's sessions except keepID.
func (s *store) revokeSessions(userID, keepID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.ID != keepID && !sess.Revoked {
			sess.Revoked = true
			n++
		}
	}
	return n
}

func (s *store) putFlow(f flowRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = &f
}

// flow returns the flow only when it belongs to kind, so a session id is
// never accepted by another flow.
func (s *store) flow(id, kind string) (flowRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok || f.Kind != kind {
		return flowRecord{}, false
	}
	return *f, true
}

func (s *store) updateFlow(id string, fn func(*flowRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[id]; ok {
		fn(f)
	}
}

func (s *store) deleteFlow(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, id)
}

func (s *store) contactTaken(contact string) bool {
	_, ok := s.userByLogin(contact)
	return ok
}

func (s *store) putReset(email string, r flowRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets[strings.ToLower(email)] = &r
}

func (s *store) reset(email string) (flowRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resets[strings.ToLower(email)]
	if !ok {
		return flowRecord{}, false
	}
	return *r, true
}

func (s *store) markResetVerified(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.resets[strings.ToLower(email)]; ok {
		r.Verified = true
	}
}

func (s *store) deleteReset(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resets, strings.ToLower(email))
}

func (s *store) putChallenge(ch deviceChallenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[ch.Fingerprint] = &ch
}

func (s *store) challenge(fingerprint string) (deviceChallenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[fingerprint]
	if !ok {
		return deviceChallenge{}, false
	}
	return *ch, true
}

func (s *store) deleteChallenge(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, fingerprint)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (s *store) revokeSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Revoked = true
	}
}
