package extract

import (
	"strings"

	"github.com/nhle/leadmail/internal/model"
)

// usadosbrLabels maps the lowercase labels used by UsadosBr templates to
// lead fields.
var usadosbrLabels = map[string]string{
	"nome":     "name",
	"cliente":  "name",
	"e-mail":   "email",
	"email":    "email",
	"telefone": "phone",
	"celular":  "phone",
	"whatsapp": "phone",
	"veículo":  "vehicle",
	"veiculo":  "vehicle",
	"anúncio":  "vehicle",
	"anuncio":  "vehicle",
	"preço":    "price",
	"preco":    "price",
	"valor":    "price",
}

// UsadosBr reads UsadosBr contact emails. Their markup changes often, so
// the body is rendered to text and scanned for labelled values instead of
// matching tags.
func UsadosBr() Portal {
	return Portal{
		Name:    "UsadosBr",
		Domains: []string{"usadosbr"},
		Extract: extractUsadosBr,
	}
}

func extractUsadosBr(msg model.RawMessage) *model.Lead {
	var text string
	switch {
	case msg.HTML != "":
		text = htmlText(msg.HTML)
	case msg.Text != "":
		text = normalizeLines(msg.Text)
	default:
		return nil
	}

	fields := labelledFields(text)

	lead := newLead("UsadosBr", msg.From, msg.To)
	lead.LeadName = fields["name"]
	lead.Vehicle = fields["vehicle"]

	lead.LeadEmail = find(emailPattern, fields["email"])
	if lead.LeadEmail == "" {
		lead.LeadEmail = find(emailPattern, text)
	}

	lead.LeadPhone = fields["phone"]
	if lead.LeadPhone == "" {
		lead.LeadPhone = find(phonePattern, text)
	}

	price := fields["price"]
	if price == "" {
		price = pricePattern.FindString(text)
	}
	lead.ValueRaw, lead.Value = NormalizePrice(price)

	return lead
}

// labelledFields collects "Label: value" lines, and labels that sit alone
// on a line with the value on the next one, as table cells render. The
// first value seen for a field wins.
func labelledFields(text string) map[string]string {
	lines := strings.Split(text, "\n")
	fields := make(map[string]string)

	for i, line := range lines {
		key, value, ok := labelledLine(line)
		if !ok {
			continue
		}
		if _, seen := fields[key]; seen {
			continue
		}
		if value == "" && i+1 < len(lines) {
			if _, _, isLabel := labelledLine(lines[i+1]); !isLabel {
				value = lines[i+1]
			}
		}
		if value = clean(value); value != "" {
			fields[key] = value
		}
	}
	return fields
}

// labelledLine splits a line into a known field key and the text after
// the label.
func labelledLine(line string) (key, value string, ok bool) {
	label, value, _ := strings.Cut(line, ":")
	key, ok = usadosbrLabels[strings.ToLower(strings.TrimSpace(label))]
	return key, strings.TrimSpace(value), ok
}
