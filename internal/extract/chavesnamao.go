package extract

import (
	"regexp"

	"github.com/nhle/leadmail/internal/model"
)

var (
	chavesName    = regexp.MustCompile(`(?i)<b[^>]*>Nome:?</b>([^<]+)`)
	chavesVehicle = regexp.MustCompile(`(?i)<h3[^>]*>([^<]+)</h3>`)
)

// ChavesNaMao reads the Chaves na Mão HTML notification: a bold "Nome"
// label and the listing title in the first h3.
func ChavesNaMao() Portal {
	return Portal{
		Name:    "chavesnamao",
		Domains: []string{"chavesnamao"},
		Extract: extractChavesNaMao,
	}
}

func extractChavesNaMao(msg model.RawMessage) *model.Lead {
	src := msg.HTML
	if src == "" {
		return nil
	}

	lead := newLead("chavesnamao", msg.From, msg.To)
	lead.LeadName = capture(chavesName, src)
	lead.LeadPhone = find(phonePattern, src)
	lead.LeadEmail = find(emailPattern, src)
	lead.Vehicle = capture(chavesVehicle, src)
	lead.ValueRaw, lead.Value = NormalizePrice(pricePattern.FindString(src))

	return lead
}
