package verification

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format of birth dates.
const DateLayout = "2006-01-02"

// ParseBirthDate parses a YYYY-MM-DD birth date.
func ParseBirthDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidBirthDate, s)
	}
	return t, nil
}

// Age returns the age in whole years at now.
func Age(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	return years
}

// CheckAge is the local fast check of the minimum age policy. The server
// remains the authority.
func CheckAge(dob string, minimum int, now time.Time) error {
	t, err := ParseBirthDate(dob)
	if err != nil {
		return err
	}
	if t.After(now) {
		return fmt.Errorf("%w: in the future", ErrInvalidBirthDate)
	}
	if Age(t, now) < minimum {
		return fmt.Errorf("%w: must be at least %d", ErrUnderage, minimum)
	}
	return nil
}
