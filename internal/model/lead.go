package model

// Lead is the structured sales inquiry extracted from a portal email.
// Every field is a plain string; unextractable fields are "".
type Lead struct {
	LeadName  string `json:"leadName" jsonschema:"description=Name of the person asking about the vehicle"`
	LeadEmail string `json:"leadEmail" jsonschema:"description=Email of the lead (not the sender or recipient)"`
	LeadPhone string `json:"leadPhone" jsonschema:"description=Phone of the lead with area code"`
	Vehicle   string `json:"vehicle" jsonschema:"description=Full vehicle name: make model version year"`
	From      string `json:"from" jsonschema:"description=Sender email address"`
	To        string `json:"to" jsonschema:"description=Recipient email address"`
	Portal    string `json:"portal" jsonschema:"description=Portal that sent the email"`
	ValueRaw  string `json:"valueRaw" jsonschema:"description=Display price in BR format such as R$ 56.900"`
	Value     string `json:"value" jsonschema:"description=Digits of the price only"`
}

// IsEmpty reports whether no lead-specific field was extracted.
func (l Lead) IsEmpty() bool {
	return l.LeadName == "" && l.LeadEmail == "" && l.LeadPhone == "" &&
		l.Vehicle == "" && l.ValueRaw == "" && l.Value == ""
}
