package stepup

import (
	"errors"
	"fmt"
	"sync"
)

// State is one node of the login attempt state machine.
type State uint8

const (
	Anonymous State = iota
	PrimaryPending
	TwoFactorPending
	DeviceVerificationPending
	AgeVerificationPending
	Authenticated
)

var stateNames = [...]string{
	Anonymous:                 "anonymous",
	PrimaryPending:            "primary_pending",
	TwoFactorPending:          "two_factor_pending",
	DeviceVerificationPending: "device_verification_pending",
	AgeVerificationPending:    "age_verification_pending",
	Authenticated:             "authenticated",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Challenge reports whether s is one of the pending step-up challenges.
func (s State) Challenge() bool {
	return s == TwoFactorPending || s == DeviceVerificationPending || s == AgeVerificationPending
}

var (
	// ErrIllegalTransition is returned when the table forbids a move.
	ErrIllegalTransition = errors.New("stepup: illegal transition")
	// ErrStaleAttempt is returned when a move is requested for an attempt
	// that has since been abandoned or superseded.
	ErrStaleAttempt = errors.New("stepup: stale attempt")
)

// transitions lists every legal move. Device verification never leads back
// to the 2FA challenge, and age verification only leads out of the machine.
var transitions = map[State][]State{
	Anonymous:                 {PrimaryPending},
	PrimaryPending:            {Anonymous, TwoFactorPending, DeviceVerificationPending, AgeVerificationPending, Authenticated},
	TwoFactorPending:          {Anonymous, DeviceVerificationPending, AgeVerificationPending, Authenticated},
	DeviceVerificationPending: {Anonymous, AgeVerificationPending, Authenticated},
	AgeVerificationPending:    {Anonymous, Authenticated},
	Authenticated:             {Anonymous, PrimaryPending, DeviceVerificationPending, AgeVerificationPending},
}

// Allowed reports whether the table permits from -> to.
func Allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Flags are the step-up requirements reported by the server for an attempt.
type Flags struct {
	TwoFactor          bool
	DeviceVerification bool
	AgeVerification    bool
}

// Next resolves which state the attempt should enter. 2FA comes first,
// device verification second, age verification last.
func Next(f Flags) State {
	switch {
	case f.TwoFactor:
		return TwoFactorPending
	case f.DeviceVerification:
		return DeviceVerificationPending
	case f.AgeVerification:
		return AgeVerificationPending
	default:
		return Authenticated
	}
}

// Gates is the boolean view of a state.
type Gates struct {
	PrimaryVerified            bool
	RequiresTwoFactor          bool
	RequiresDeviceVerification bool
	RequiresAgeVerification    bool
}

// Authenticated is true only when the primary check passed and no gate is open.
func (g Gates) Authenticated() bool {
	return g.PrimaryVerified && !g.RequiresTwoFactor && !g.RequiresDeviceVerification && !g.RequiresAgeVerification
}

// GatesOf derives gates from a state. At most one gate is ever open.
func GatesOf(s State) Gates {
	switch s {
	case TwoFactorPending:
		return Gates{PrimaryVerified: true, RequiresTwoFactor: true}
	case DeviceVerificationPending:
		return Gates{PrimaryVerified: true, RequiresDeviceVerification: true}
	case AgeVerificationPending:
		return Gates{PrimaryVerified: true, RequiresAgeVerification: true}
	case Authenticated:
		return Gates{PrimaryVerified: true}
	default:
		return Gates{}
	}
}

// Observer is called after every applied move, outside the machine lock.
type Observer func(from, to State)

// Machine is a concurrency-safe instance of the state machine.
type Machine struct {
	mu         sync.Mutex
	state      State
	generation uint64
	observer   Observer
}

// New returns a machine in Anonymous.
func New(observer Observer) *Machine {
	return &Machine{observer: observer}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the current attempt generation.
func (m *Machine) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Current reports whether gen is still the live attempt.
func (m *Machine) Current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

// Begin moves into PrimaryPending and starts a new attempt generation.
func (m *Machine) Begin() (uint64, error) {
	m.mu.Lock()
	from := m.state
	if !Allowed(from, PrimaryPending) {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, PrimaryPending)
	}
	m.generation++
	m.state = PrimaryPending
	gen := m.generation
	m.mu.Unlock()

	m.notify(from, PrimaryPending)
	return gen, nil
}

// Advance applies a move for attempt gen. It fails with [ErrStaleAttempt]
// when gen is no longer current and with [ErrIllegalTransition] when the
// table forbids the move. Moving to the current state is a no-op.
func (m *Machine) Advance(gen uint64, to State) error {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return ErrStaleAttempt
	}
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !Allowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()

	m.notify(from, to)
	return nil
}

// Reset returns to Anonymous from any state and invalidates the current
// attempt. It is idempotent.
func (m *Machine) Reset() {
	m.mu.Lock()
	from := m.state
	m.generation++
	m.state = Anonymous
	m.mu.Unlock()

	if from != Anonymous {
		m.notify(from, Anonymous)
	}
}

func (m *Machine) notify(from, to State) {
	if m.observer != nil {
		m.observer(from, to)
	}
}
