package verification

import (
	"strings"
	"sync"
)

// DefaultCodeLength is the number of digits in a verification code.
const DefaultCodeLength = 6

// CodeInput tracks a code being typed and decides when to auto-submit it.
type CodeInput struct {
	mu      sync.Mutex
	length  int
	value   string
	fired   string
	pending bool
}

// NewCodeInput returns an input for codes of length digits.
func NewCodeInput(length int) *CodeInput {
	if length <= 0 {
		length = DefaultCodeLength
	}
	return &CodeInput{length: length}
}

func (c *CodeInput) Length() int { return c.length }

// Value returns the normalized entered value.
func (c *CodeInput) Value() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Pending reports whether a submission is in flight.
func (c *CodeInput) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Input replaces the entered value with its digits, truncated to the code
// length. It returns the code and true when the value has just reached full
// length, has not been auto-submitted since, and nothing is pending. The
// caller must call Done once the submission completes.
func (c *CodeInput) Input(raw string) (string, bool) {
	v := normalizeCode(raw, c.length)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = v
	if len(v) < c.length {
		c.fired = ""
		return "", false
	}
	if c.pending || c.fired == v {
		return "", false
	}
	c.fired = v
	c.pending = true
	return v, true
}

// Begin marks an explicit submission of code as in flight. It returns false
// when another submission is pending.
func (c *CodeInput) Begin(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending {
		return false
	}
	c.pending = true
	c.fired = code
	return true
}

// Done clears the pending mark.
func (c *CodeInput) Done() {
	c.mu.Lock()
	c.pending = false
	c.mu.Unlock()
}

// Reset clears the entered value.
func (c *CodeInput) Reset() {
	c.mu.Lock()
	c.value = ""
	c.fired = ""
	c.mu.Unlock()
}

// ValidCode reports whether code is exactly length ASCII digits.
func ValidCode(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

func normalizeCode(raw string, length int) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			if b.Len() == length {
				break
			}
		}
	}
	return b.String()
}
