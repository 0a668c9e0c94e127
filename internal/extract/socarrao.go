package extract

import (
	"regexp"
	"strings"

	"github.com/nhle/leadmail/internal/model"
)

var (
	socarraoName = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<strong>\s*De:\s*</strong>\s*([^<]+)`),
		regexp.MustCompile(`(?i)\bDe:\s*([^\n\r<]+)`),
	}
	socarraoEmail = regexp.MustCompile(`(?i)<strong>\s*Email:\s*</strong>\s*([^<]+)`)
	socarraoPhone = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<strong>\s*Telefone:\s*</strong>\s*([^<]+)`),
		regexp.MustCompile(`(?i)href=['"]tel:([^'"]+)['"]`),
	}
	socarraoMake    = regexp.MustCompile(`(?i)<strong>\s*Marca:\s*</strong>\s*([^<]+)`)
	socarraoModel   = regexp.MustCompile(`(?i)<strong>\s*Modelo:\s*</strong>\s*([^<]+)`)
	socarraoYear    = regexp.MustCompile(`(?i)<strong>\s*Ano:\s*</strong>\s*(\d{4})`)
	socarraoListing = regexp.MustCompile(`(?i)socarrao\.com\.br/veiculos/detalhes/(\d+)`)
	socarraoPrice   = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<strong>\s*Valor:\s*</strong>\s*([^<]+)`),
		regexp.MustCompile(`(?i)\bValor:\s*([^\n\r<]+)`),
	}
)

// SoCarrao reads the SóCarrão contact email. The HTML body has
// predictable strong-tag labels; the text body is the fallback source.
func SoCarrao() Portal {
	return Portal{
		Name:    "SóCarrão",
		Domains: []string{"socarrao"},
		Extract: extractSoCarrao,
	}
}

func extractSoCarrao(msg model.RawMessage) *model.Lead {
	src := msg.HTML
	if src == "" {
		src = msg.Text
	}
	if src == "" {
		return nil
	}

	lead := newLead("SóCarrão", msg.From, msg.To)
	lead.LeadName = captureAny(src, socarraoName...)

	lead.LeadEmail = capture(socarraoEmail, src)
	if lead.LeadEmail == "" {
		lead.LeadEmail = find(emailPattern, src)
	}

	if phone := captureAny(src, socarraoPhone...); phone != "" {
		lead.LeadPhone = formatBrPhone(phone)
	}

	var parts []string
	for _, re := range []*regexp.Regexp{socarraoMake, socarraoModel, socarraoYear} {
		if v := capture(re, src); v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) > 0 {
		lead.Vehicle = strings.Join(parts, " ")
	} else if id := capture(socarraoListing, src); id != "" {
		lead.Vehicle = "Veículo SóCarrão #" + id
	}

	if price := captureAny(src, socarraoPrice...); price != "" {
		lead.ValueRaw, lead.Value = NormalizePrice(price)
	}

	return lead
}

// formatBrPhone formats a Brazilian number as "(21) 97004-2051", or
// "(21) 3004-2051" for ten-digit landlines. A leading 55 country code is
// dropped. Inputs with too few digits are returned trimmed.
func formatBrPhone(raw string) string {
	d := digitsOnly(raw)
	if len(d) < 10 {
		return strings.TrimSpace(raw)
	}
	if len(d) > 11 && strings.HasPrefix(d, "55") {
		d = d[2:]
	}
	if len(d) > 11 {
		d = d[len(d)-11:]
	}
	if len(d) == 11 {
		return "(" + d[:2] + ") " + d[2:7] + "-" + d[7:]
	}
	return "(" + d[:2] + ") " + d[2:6] + "-" + d[6:]
}
