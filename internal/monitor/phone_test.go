package monitor

import (
	"errors"
	"testing"

	"github.com/nhle/leadmail/internal/model"
	"github.com/nhle/leadmail/internal/sink"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"(21) 97004-2051", "5521970042051", true},
		{"21970042051", "5521970042051", true},
		{"+55 21 97004-2051", "5521970042051", true},
		{"(11) 3456-7890", "551134567890", true},
		{"123", "", false},
		{"", "", false},
		{"55 21 97004-2051 ramal 22", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizePhone(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("NormalizePhone(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestPrepareLead(t *testing.T) {
	lead := model.Lead{LeadName: "Ana", LeadPhone: "(21) 97004-2051", Portal: "iCarros", Value: "56900"}
	p, phone := PrepareLead(lead)
	if phone != "5521970042051" || p.LeadPhone != phone {
		t.Errorf("phone = %q, payload phone = %q", phone, p.LeadPhone)
	}
	if p.LeadName != "Ana" || p.Portal != "iCarros" || p.Value != "56900" {
		t.Errorf("payload = %+v", p)
	}

	p, phone = PrepareLead(model.Lead{LeadPhone: "123"})
	if phone != "" || p.LeadPhone != "55123" {
		t.Errorf("invalid phone: normalized %q, payload %q", phone, p.LeadPhone)
	}

	p, _ = PrepareLead(model.Lead{})
	if p.LeadPhone != "" {
		t.Errorf("empty phone became %q", p.LeadPhone)
	}
}

func TestIsPermanentError(t *testing.T) {
	rejected := &sink.DispatchError{StatusCode: 400}
	tests := []struct {
		name    string
		err     error
		message string
		phone   string
		want    bool
	}{
		{"no error", nil, "", "", false},
		{"whatsapp missing", rejected, `{"WhatsApp":{"exists":false}}`, "5521970042051", true},
		{"invalid number pt", rejected, "Número inválido", "5521970042051", true},
		{"invalid format pt", rejected, "formato invalido do telefone", "5521970042051", true},
		{"invalid number en", rejected, "Invalid Number", "5521970042051", true},
		{"unresolvable phone", rejected, "bad request", "", true},
		{"server error", &sink.DispatchError{StatusCode: 500}, "internal error", "5521970042051", false},
		{"unreachable", &sink.DispatchError{Err: errors.New("dial tcp: refused")}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanentError(tt.err, tt.message, tt.phone); got != tt.want {
				t.Errorf("IsPermanentError = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSinkMessageIncludesBody(t *testing.T) {
	err := &sink.DispatchError{StatusCode: 400, Message: "rejected", Body: `{"exists":false}`}
	got := sinkMessage(err)
	if got != "rejected\n{\"exists\":false}" {
		t.Errorf("sinkMessage = %q", got)
	}
}
