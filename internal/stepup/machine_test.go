package stepup

import (
	"errors"
	"testing"
)

func TestNextResolvesTwoFactorBeforeDevice(t *testing.T) {
	cases := []struct {
		flags Flags
		want  State
	}{
		{Flags{}, Authenticated},
		{Flags{TwoFactor: true, DeviceVerification: true, AgeVerification: true}, TwoFactorPending},
		{Flags{DeviceVerification: true, AgeVerification: true}, DeviceVerificationPending},
		{Flags{AgeVerification: true}, AgeVerificationPending},
	}
	for _, tc := range cases {
		if got := Next(tc.flags); got != tc.want {
			t.Fatalf("Next(%+v) = %s, want %s", tc.flags, got, tc.want)
		}
	}
}

func TestChainedStepUpVisitsTwoFactorThenDevice(t *testing.T) {
	var visited []State
	m := New(func(_, to State) { visited = append(visited, to) })

	gen, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	for _, to := range []State{TwoFactorPending, DeviceVerificationPending, Authenticated} {
		if err := m.Advance(gen, to); err != nil {
			t.Fatalf("Advance(%s) failed: %v", to, err)
		}
	}

	want := []State{PrimaryPending, TwoFactorPending, DeviceVerificationPending, Authenticated}
	if len(visited) != len(want) {
		t.Fatalf("expected %v, got %v", want, visited)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, visited)
		}
	}
}

func TestDeviceVerificationCannotReturnToTwoFactor(t *testing.T) {
	m := New(nil)
	gen, _ := m.Begin()
	if err := m.Advance(gen, DeviceVerificationPending); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := m.Advance(gen, TwoFactorPending); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if m.State() != DeviceVerificationPending {
		t.Fatalf("state changed after rejected move: %s", m.State())
	}
}

func TestAnonymousCannotSkipToAuthenticated(t *testing.T) {
	m := New(nil)
	if err := m.Advance(m.Generation(), Authenticated); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestResetInvalidatesAttempt(t *testing.T) {
	m := New(nil)
	gen, _ := m.Begin()
	if err := m.Advance(gen, TwoFactorPending); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if !m.Current(gen) {
		t.Fatal("attempt must be current before reset")
	}
	m.Reset()
	m.Reset()

	if m.Current(gen) {
		t.Fatal("reset must retire the attempt")
	}
	if err := m.Advance(gen, Authenticated); !errors.Is(err, ErrStaleAttempt) {
		t.Fatalf("expected ErrStaleAttempt, got %v", err)
	}
	if m.State() != Anonymous {
		t.Fatalf("expected anonymous, got %s", m.State())
	}
}

func TestGatesAllowAtMostOneChallenge(t *testing.T) {
	for s := Anonymous; s <= Authenticated; s++ {
		g := GatesOf(s)
		open := 0
		for _, b := range []bool{g.RequiresTwoFactor, g.RequiresDeviceVerification, g.RequiresAgeVerification} {
			if b {
				open++
			}
		}
		if open > 1 {
			t.Fatalf("state %s opens %d gates", s, open)
		}
		if g.Authenticated() != (s == Authenticated) {
			t.Fatalf("state %s: Authenticated()=%v", s, g.Authenticated())
		}
	}
}
