package device

import (
	"sync"
	"time"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/verification"
)

// ChallengeState is the progress of a device-code challenge.
type ChallengeState uint8

const (
	ChallengeNone ChallengeState = iota
	ChallengeUnknownDevice
	ChallengeCodeSent
	ChallengeTrustedForSession
)

func (s ChallengeState) String() string {
	switch s {
	case ChallengeUnknownDevice:
		return "unknown_device"
	case ChallengeCodeSent:
		return "code_sent"
	case ChallengeTrustedForSession:
		return "trusted_for_session"
	default:
		return "none"
	}
}

// ChallengeSnapshot is a copy of the challenge state.
type ChallengeSnapshot struct {
	State             ChallengeState
	Fingerprint       string
	UserID            api.ID
	ResendAvailableAt int64
}

// Challenge tracks the device-code challenge of one login attempt:
// unknown device, code sent, trusted for the session.
type Challenge struct {
	mu    sync.Mutex
	snap  ChallengeSnapshot
	gen   verification.Generation
	input *verification.CodeInput
	now   func() time.Time
}

func newChallenge(codeLength int, now func() time.Time) *Challenge {
	return &Challenge{input: verification.NewCodeInput(codeLength), now: now}
}

// Snapshot returns the current state.
func (c *Challenge) Snapshot() ChallengeSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Countdown returns the resend countdown of the challenge.
func (c *Challenge) Countdown() verification.Countdown {
	return verification.NewCountdown(c.Snapshot().ResendAvailableAt, c.now)
}

// Input returns the code input guard.
func (c *Challenge) Input() *verification.CodeInput {
	return c.input
}

// Reset discards the challenge and invalidates in-flight calls.
func (c *Challenge) Reset() {
	c.gen.Next()
	c.input.Reset()
	c.mu.Lock()
	c.snap = ChallengeSnapshot{}
	c.mu.Unlock()
}

func (c *Challenge) begin(fingerprint string, userID api.ID, resendAvailableAt int64) {
	c.gen.Next()
	c.input.Reset()
	c.mu.Lock()
	c.snap = ChallengeSnapshot{
		State:             ChallengeUnknownDevice,
		Fingerprint:       fingerprint,
		UserID:            userID,
		ResendAvailableAt: resendAvailableAt,
	}
	// A server that already sent a code reports its resend window.
	if resendAvailableAt > 0 {
		c.snap.State = ChallengeCodeSent
	}
	c.mu.Unlock()
}

func (c *Challenge) snapshot() (ChallengeSnapshot, uint64, error) {
	gen := c.gen.Current()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.State == ChallengeNone || c.snap.State == ChallengeTrustedForSession {
		return ChallengeSnapshot{}, gen, ErrNoChallenge
	}
	return c.snap, gen, nil
}

func (c *Challenge) codeSent(gen uint64, availableAt int64, sent bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.gen.Valid(gen) {
		return verification.ErrStale
	}
	c.snap.ResendAvailableAt = availableAt
	if sent {
		c.snap.State = ChallengeCodeSent
		c.input.Reset()
	}
	return nil
}

func (c *Challenge) verified(gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.gen.Valid(gen) {
		return verification.ErrStale
	}
	c.snap.State = ChallengeTrustedForSession
	return nil
}
