// Package roomcode generates and validates battle join codes.
package roomcode

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/bloops-games/rapbattle/internal/errs"
)

const (
	// Alphabet excludes I, O, 0 and 1.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	Length   = 6

	maxAttempts = 64
)

var pattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{6}$`)

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// Generate returns a random code drawn from crypto/rand.
func Generate() (string, error) {
	code := make([]byte, Length)
	for i := range code {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("rand int: %w", err)
		}
		code[i] = Alphabet[n.Int64()]
	}

	return string(code), nil
}

// Unique generates codes until exists reports false for one of them.
func Unique(exists func(code string) bool) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		code, err := Generate()
		if err != nil {
			return "", err
		}
		if !exists(code) {
			return code, nil
		}
	}

	return "", fmt.Errorf("no free room code after %d attempts: %w", maxAttempts, errs.ErrConflict)
}

// Normalize upper-cases and trims user input so that "abc234 " is accepted as "ABC234".
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func Valid(code string) bool {
	return pattern.MatchString(code)
}

// Parse normalizes code and rejects anything outside the restricted alphabet.
func Parse(code string) (string, error) {
	code = Normalize(code)
	if !Valid(code) {
		return "", errs.Validation("malformed room code %q", code)
	}

	return code, nil
}
