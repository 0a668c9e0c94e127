package extract

import (
	"regexp"
	"strings"

	"github.com/nhle/leadmail/internal/model"
)

var (
	mobiautoName = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Nome[\s:]*([A-ZÀ-ÿ][^\n\r<]+)`),
		regexp.MustCompile(`(?i)Nome(?:</p>)?\s*([A-ZÀ-ÿ][^\n\r<]+)`),
	}
	mobiautoVehicle = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Proposta Recebida:\s*([^\n\r<]+)`),
		regexp.MustCompile(`(?i)([A-Z][^\n\r<>]+)\(placa:`),
	}
	mobiautoPhone     = regexp.MustCompile(`\(?\d{2}\)?\s?\d{4,5}-?\d{4}`)
	mobiautoBarePhone = regexp.MustCompile(`^(\d{2})(\d{4,5})(\d{4})$`)
)

// MobiAuto reads the MobiAuto HTML proposal email.
func MobiAuto() Portal {
	return Portal{
		Name:    "mobiauto",
		Domains: []string{"mobiauto"},
		Extract: extractMobiAuto,
	}
}

func extractMobiAuto(msg model.RawMessage) *model.Lead {
	src := msg.HTML
	if src == "" {
		return nil
	}

	lead := newLead("mobiauto", msg.From, msg.To)
	lead.LeadName = captureAny(src, mobiautoName...)
	lead.LeadEmail = find(emailPattern, src)
	lead.Vehicle = captureAny(src, mobiautoVehicle...)
	lead.ValueRaw, lead.Value = NormalizePrice(pricePattern.FindString(src))

	phone := find(mobiautoPhone, src)
	if phone != "" && !strings.ContainsAny(phone, "-)") {
		phone = mobiautoBarePhone.ReplaceAllString(phone, "($1) $2-$3")
	}
	lead.LeadPhone = phone

	return lead
}
