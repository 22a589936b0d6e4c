package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var commonPasswords = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {}, "12345678": {},
	"123456789": {}, "qwerty123": {}, "iloveyou": {}, "letmein1": {},
	"pairline": {}, "11111111": {},
}

// Check applies the policy to pw. related holds account fields (email,
// display name) the password must not simply repeat.
func (c Config) Check(pw string, related ...string) error {
	n := utf8.RuneCountInString(pw)
	if n < c.Policy.MinLength {
		return ErrPasswordTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrPasswordTooLong
	}
	if !c.Policy.RejectVeryWeak {
		return nil
	}
	if veryWeak(pw) {
		return ErrWeakPassword
	}

	lower := strings.ToLower(strings.TrimSpace(pw))
	for _, r := range related {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if lower == r {
			return ErrWeakPassword
		}
		if local, _, ok := strings.Cut(r, "@"); ok && local != "" && lower == local {
			return ErrWeakPassword
		}
	}
	return nil
}

// veryWeak catches a handful of trivial patterns; it is not an entropy estimator.
func veryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := commonPasswords[strings.ToLower(s)]; ok {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	same, digits := true, true
	for _, r := range s {
		if r != first {
			same = false
		}
		if !unicode.IsDigit(r) {
			digits = false
		}
	}
	return same || (digits && utf8.RuneCountInString(s) < 12)
}
