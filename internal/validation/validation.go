// Package validation holds the structural checks applied at the join boundary.
package validation

import (
	"regexp"
	"strings"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
)

// DefaultCountryCodes is used when no allow-list is configured.
var DefaultCountryCodes = []string{"1", "44", "61", "64", "353"}

var (
	emailRe        = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	referralCodeRe = regexp.MustCompile(`^[0-9A-F]{8}$`)
	campaignIDRe   = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
)

// PhoneValidator normalizes phone numbers to +<country><number> and rejects
// numbers outside the allowed country codes.
type PhoneValidator struct {
	countryCodes []string
}

func NewPhoneValidator(countryCodes []string) *PhoneValidator {
	codes := make([]string, 0, len(countryCodes))
	for _, c := range countryCodes {
		c = strings.TrimPrefix(strings.TrimSpace(c), "+")
		if c != "" {
			codes = append(codes, c)
		}
	}
	if len(codes) == 0 {
		codes = DefaultCountryCodes
	}
	return &PhoneValidator{countryCodes: codes}
}

// Digits strips everything but digits.
func Digits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize returns the canonical form of phone. A bare ten digit number is
// read as a NANP number.
func (v *PhoneValidator) Normalize(phone string) (string, error) {
	digits := Digits(phone)
	if len(digits) == 10 && !strings.HasPrefix(strings.TrimSpace(phone), "+") {
		digits = "1" + digits
	}
	if len(digits) < 8 || len(digits) > 15 {
		return "", appErrors.NewValidation("phone", "must have between 8 and 15 digits including the country code")
	}
	for _, cc := range v.countryCodes {
		if !strings.HasPrefix(digits, cc) {
			continue
		}
		subscriber := len(digits) - len(cc)
		if cc == "1" && subscriber != 10 {
			return "", appErrors.NewValidation("phone", "NANP numbers need 10 digits after the country code")
		}
		if subscriber < 6 {
			return "", appErrors.NewValidation("phone", "number too short")
		}
		return "+" + digits, nil
	}
	return "", appErrors.NewValidation("phone", "country code not supported")
}

func Email(email string) error {
	if !emailRe.MatchString(strings.TrimSpace(email)) {
		return appErrors.NewValidation("email", "malformed address")
	}
	return nil
}

// ReferralCode uppercases code and checks its format. Existence is not checked.
func ReferralCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !referralCodeRe.MatchString(code) {
		return "", appErrors.NewValidation("referralCode", "must be 8 hexadecimal characters")
	}
	return code, nil
}

func CampaignID(id string) error {
	if !campaignIDRe.MatchString(id) {
		return appErrors.NewValidation("campaignId", "must be 11 characters of A-Z, a-z, 0-9, - or _")
	}
	return nil
}
