package flows

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

const (
	MinNicknameLength = 3
	MaxNicknameLength = 36
)

var nicknamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ValidateNickname checks the DNA nickname format
func ValidateNickname(nickname string) error {
	switch {
	case len(nickname) < MinNicknameLength:
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidNickname, MinNicknameLength)
	case len(nickname) > MaxNicknameLength:
		return fmt.Errorf("%w: must be %d characters or less", ErrInvalidNickname, MaxNicknameLength)
	case !nicknamePattern.MatchString(nickname):
		return fmt.Errorf("%w: only letters, numbers, underscore (_), hyphen (-), and period (.) allowed", ErrInvalidNickname)
	}
	return nil
}

// DNAPrice returns the registration price in CPUNK. Short names cost more.
func DNAPrice(nickname string) int {
	switch len(nickname) {
	case 0:
		return 0
	case 3:
		return 500
	case 4:
		return 100
	}
	return 5
}

// FormatDatoshi renders a token amount the way the dashboard expects values:
// whole amounts as "1.0e+18", fractional ones as "0.01e+18".
func FormatDatoshi(amount float64) string {
	if amount == math.Trunc(amount) {
		return strconv.FormatFloat(amount, 'f', 1, 64) + "e+18"
	}
	return strconv.FormatFloat(amount, 'f', -1, 64) + "e+18"
}

// APITaxRate converts a delegation tax into the share the staking order keeps
func APITaxRate(tax float64) string {
	return strconv.FormatFloat(100-tax, 'f', 1, 64)
}
