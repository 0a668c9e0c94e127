package extract

import (
	"regexp"
	"strings"
)

var (
	usGrouped = regexp.MustCompile(`^\d{1,3}(,\d{3})+(\.\d{2})?$`)
	usPlain   = regexp.MustCompile(`^\d+(\.\d{2})?$`)
)

// NormalizePrice turns a captured price token into the display string and
// the digits-only value sent downstream.
//
// A token grouped with commas ("108,900.00"), a bare integer ("84900") or
// an integer with a two-digit decimal after a period ("84900.00") is read
// as US style and redisplayed in BR style ("R$ 84.900,00"). Anything else
// is taken as BR style. The value
// keeps every digit of the token, cents included: "R$ 56.900" gives
// "56900" and "108,900.00" gives "10890000".
func NormalizePrice(token string) (display, digits string) {
	t := strings.TrimSpace(token)
	t = strings.TrimSpace(strings.TrimPrefix(t, "R$"))
	t = strings.TrimRight(t, ".,")

	digits = digitsOnly(t)
	if digits == "" {
		return "", ""
	}

	if usGrouped.MatchString(t) || usPlain.MatchString(t) {
		intPart, cents, _ := strings.Cut(strings.ReplaceAll(t, ",", ""), ".")
		if cents == "" {
			cents = "00"
		}
		return "R$ " + groupThousands(intPart) + "," + cents, digits
	}

	return "R$ " + t, digits
}

// groupThousands inserts BR thousands separators into a run of digits:
// "84900" becomes "84.900".
func groupThousands(digits string) string {
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return "0"
	}

	head := len(digits) % 3
	if head == 0 {
		head = 3
	}

	var sb strings.Builder
	sb.WriteString(digits[:head])
	for i := head; i < len(digits); i += 3 {
		sb.WriteByte('.')
		sb.WriteString(digits[i : i+3])
	}
	return sb.String()
}
