package password

import (
	"errors"
	"strings"
	"testing"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := newTestHasher(t)

	hash, err := h.Hash("correct-horse")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected PHC prefix: %s", hash)
	}

	ok, err := h.Verify("correct-horse", hash)
	if err != nil || !ok {
		t.Fatalf("expected verification to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = h.Verify("wrong-horse", hash)
	if err != nil || ok {
		t.Fatalf("expected wrong password to fail, ok=%v err=%v", ok, err)
	}
}

func TestHashRejectsShortPasswords(t *testing.T) {
	h := newTestHasher(t)
	if _, err := h.Hash("abc"); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	h := newTestHasher(t)
	for _, bad := range []string{
		"",
		"$bcrypt$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
	} {
		if _, err := h.Verify("x", bad); !errors.Is(err, ErrInvalidHash) {
			t.Fatalf("expected ErrInvalidHash for %q, got %v", bad, err)
		}
	}
}

func TestNeedsRehash(t *testing.T) {
	weak := newTestHasher(t)
	hash, err := weak.Hash("correct-horse")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Time = 2
	strong, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if need, _ := strong.NeedsRehash(hash); !need {
		t.Fatal("expected rehash for weaker parameters")
	}
	if need, _ := weak.NeedsRehash(hash); need {
		t.Fatal("same parameters must not need rehash")
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory = 1
	if _, err := New(cfg); err == nil {
		t.Fatal("expected memory validation error")
	}
	cfg = DefaultConfig()
	cfg.MinLength = -1
	if _, err := New(cfg); err == nil {
		t.Fatal("expected minimum length validation error")
	}
}

func TestVerifyDummyDoesNotPanic(t *testing.T) {
	h := newTestHasher(t)
	h.VerifyDummy("anything")
	h.VerifyDummy("anything")
}
