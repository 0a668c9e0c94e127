package monitor

import (
	"regexp"
	"strings"

	"github.com/nhle/leadmail/internal/model"
	"github.com/nhle/leadmail/internal/sink"
)

const countryCode = "55"

var (
	nonDigit       = regexp.MustCompile(`\D+`)
	invalidPhoneRe = regexp.MustCompile(`(?i)n[uú]mero inv[aá]lido|invalid number|formato inv[aá]lido`)
)

// NormalizePhone reduces a phone to digits with the Brazilian country code,
// "(21) 97004-2051" -> "5521970042051". It reports false when the result
// is not 12 or 13 digits long.
func NormalizePhone(raw string) (string, bool) {
	digits := nonDigit.ReplaceAllString(raw, "")
	if digits == "" {
		return "", false
	}
	if !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + digits
	}
	if len(digits) < 12 || len(digits) > 13 {
		return "", false
	}
	return digits, true
}

// PrepareLead builds the sink payload for lead. The phone is normalized;
// when that fails the lead is still sent with the digits prefixed by the
// country code, and the normalized phone returned is "".
func PrepareLead(lead model.Lead) (payload sink.Payload, normalizedPhone string) {
	payload = sink.Payload(lead)

	if phone, ok := NormalizePhone(lead.LeadPhone); ok {
		payload.LeadPhone = phone
		return payload, phone
	}

	digits := nonDigit.ReplaceAllString(lead.LeadPhone, "")
	if digits != "" && !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + digits
	}
	payload.LeadPhone = digits
	return payload, ""
}

// IsPermanentError reports whether a dispatch failure will fail the same
// way on every retry: the sink says the number has no WhatsApp account or
// is malformed, or the phone could not be normalized at all. Transport
// errors are never permanent.
func IsPermanentError(err error, sinkMessage, normalizedPhone string) bool {
	if err == nil {
		return false
	}
	if dispatchErr, ok := sink.AsDispatchError(err); ok && dispatchErr.StatusCode == 0 {
		return false
	}

	if strings.Contains(sinkMessage, "WhatsApp") && strings.Contains(sinkMessage, `exists":false`) {
		return true
	}
	if normalizedPhone == "" {
		return true
	}
	return invalidPhoneRe.MatchString(sinkMessage)
}

// sinkMessage returns the text the sink sent back with a rejection.
func sinkMessage(err error) string {
	dispatchErr, ok := sink.AsDispatchError(err)
	if !ok {
		return err.Error()
	}
	return strings.TrimSpace(dispatchErr.Message + "\n" + dispatchErr.Body)
}
