package internal

import (
	"strings"
	"testing"
)

func TestNewOTP(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := NewOTP(6)
		if err != nil {
			t.Fatalf("NewOTP error: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected 6 digits, got %q", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("non-digit in %q", code)
			}
		}
	}
	if _, err := NewOTP(2); err == nil {
		t.Fatal("expected error for too few digits")
	}
}

func TestBackupCodeRoundTrip(t *testing.T) {
	code, err := NewBackupCode(10)
	if err != nil {
		t.Fatalf("NewBackupCode error: %v", err)
	}
	for _, r := range code {
		if !strings.ContainsRune(BackupCodeAlphabet, r) {
			t.Fatalf("unexpected rune %q in %q", r, code)
		}
	}

	formatted := FormatBackupCode(code)
	if formatted[5] != '-' {
		t.Fatalf("expected dash in the middle, got %q", formatted)
	}
	typed := " " + strings.ToLower(formatted) + " "
	if CanonicalizeBackupCode(typed) != code {
		t.Fatalf("canonical form mismatch: %q vs %q", CanonicalizeBackupCode(typed), code)
	}
	if HashBackupCode("u1", code) == HashBackupCode("u2", code) {
		t.Fatal("hash must depend on the owner")
	}
}

func FuzzCanonicalizeBackupCode(f *testing.F) {
	f.Add("")
	f.Add("abcd-efgh")
	f.Add("  A B C  ")
	f.Fuzz(func(t *testing.T, in string) {
		out := CanonicalizeBackupCode(in)
		if strings.ContainsAny(out, "- ") {
			t.Fatalf("canonical form %q still has separators", out)
		}
	})
}
