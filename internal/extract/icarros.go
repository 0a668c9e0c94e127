package extract

import (
	"regexp"
	"strings"

	"github.com/nhle/leadmail/internal/model"
)

var (
	icarrosName      = regexp.MustCompile(`(?s)Nome\s+(.*?)\n`)
	icarrosPriceLine = regexp.MustCompile(`(?m)^.*R\$ ?[\d.,]+.*$`)
)

// ICarros reads the plain-text iCarros proposal email. The vehicle is the
// listing line that carries the asking price.
func ICarros() Portal {
	return Portal{
		Name:    "iCarros",
		Domains: []string{"icarros"},
		Extract: extractICarros,
	}
}

func extractICarros(msg model.RawMessage) *model.Lead {
	if msg.Text == "" {
		return nil
	}
	text := strings.ReplaceAll(msg.Text, "\r\n", "\n")

	lead := newLead("iCarros", msg.From, msg.To)
	lead.LeadName = capture(icarrosName, text)
	lead.LeadEmail = find(emailPattern, text)
	lead.LeadPhone = find(phonePattern, text)

	if line := icarrosPriceLine.FindString(text); line != "" {
		token := pricePattern.FindString(line)
		lead.ValueRaw, lead.Value = NormalizePrice(token)
		lead.Vehicle = clean(strings.Trim(strings.Replace(line, token, "", 1), " -–|:"))
	}

	return lead
}
