package contacts

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const (
	DefaultPhoneRegion = "CR"
	maxIDDigits        = 10
)

// ContactID derives the record identity from a raw phone string. It returns
// "" when the input carries no digits.
func ContactID(phone string) string {
	return ContactIDForRegion(phone, DefaultPhoneRegion)
}

func ContactIDForRegion(phone, region string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	if strings.TrimSpace(region) == "" {
		region = DefaultPhoneRegion
	}
	if parsed, err := phonenumbers.Parse(phone, strings.ToUpper(region)); err == nil {
		if national := digitsOnly(phonenumbers.GetNationalSignificantNumber(parsed)); national != "" {
			return trailingDigits(national)
		}
	}
	digits := digitsOnly(phone)
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(phone, "+") && len(digits) > maxIDDigits {
		digits = digits[3:]
	}
	return trailingDigits(digits)
}

func digitsOnly(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func trailingDigits(digits string) string {
	if len(digits) > maxIDDigits {
		return digits[len(digits)-maxIDDigits:]
	}
	return digits
}
