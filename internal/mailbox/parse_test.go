package mailbox

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nhle/leadmail/internal/model"
)

const multipartMessage = "From: \"Chaves na Mao\" <leads@chavesnamao.com.br>\r\n" +
	"To: 15@example.com\r\n" +
	"Subject: Novo lead\r\n" +
	"Date: Tue, 14 Oct 2025 10:30:00 -0300\r\n" +
	"Message-ID: <abc123@chavesnamao.com.br>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Nome Maria\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=iso-8859-1\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"<b>Nome:</b> Jo=E3o\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"proposta.pdf\"\r\n" +
	"\r\n" +
	"0123456789\r\n" +
	"--outer--\r\n"

func TestParseMessageMultipart(t *testing.T) {
	msg, err := ParseMessage(42, time.Time{}, []byte(multipartMessage), time.Now())
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	if msg.MessageID != "abc123@chavesnamao.com.br" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if msg.UID != 42 {
		t.Errorf("UID = %d, want 42", msg.UID)
	}
	if msg.From != "leads@chavesnamao.com.br" {
		t.Errorf("From = %q", msg.From)
	}
	if msg.To != "15@example.com" {
		t.Errorf("To = %q", msg.To)
	}
	if msg.Subject != "Novo lead" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Text, "Nome Maria") {
		t.Errorf("Text = %q", msg.Text)
	}
	if !strings.Contains(msg.HTML, "João") {
		t.Errorf("HTML not decoded from latin-1: %q", msg.HTML)
	}
	want := time.Date(2025, 10, 14, 13, 30, 0, 0, time.UTC)
	if !msg.ReceivedAt.Equal(want) {
		t.Errorf("ReceivedAt = %v, want %v", msg.ReceivedAt, want)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if att.Filename != "proposta.pdf" || att.ContentType != "application/pdf" || att.Size == 0 {
		t.Errorf("attachment = %+v", att)
	}
}

func TestParseMessageWithoutMessageIDIsStable(t *testing.T) {
	raw := "From: contato@icarros.com.br\r\n" +
		"To: 15@example.com\r\n" +
		"Subject: Proposta\r\n" +
		"Date: Tue, 14 Oct 2025 10:30:00 -0300\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Nome Carlos\r\n"

	first, err := ParseMessage(7, time.Time{}, []byte(raw), time.Now())
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	second, err := ParseMessage(7, time.Time{}, []byte(raw), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	if !strings.HasPrefix(first.MessageID, "synthetic-") {
		t.Errorf("MessageID = %q, want synthetic id", first.MessageID)
	}
	if first.MessageID != second.MessageID {
		t.Errorf("synthetic id changed between fetches: %q vs %q", first.MessageID, second.MessageID)
	}
	if first.HTML != "" || first.HasHTML() {
		t.Errorf("plain text message reported HTML %q", first.HTML)
	}
}

func TestParseMessageDateFallbacks(t *testing.T) {
	raw := "From: a@b.com\r\nSubject: x\r\nContent-Type: text/plain\r\n\r\nbody\r\n"
	internal := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	fetched := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)

	msg, err := ParseMessage(1, internal, []byte(raw), fetched)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if !msg.ReceivedAt.Equal(internal) {
		t.Errorf("ReceivedAt = %v, want internal date %v", msg.ReceivedAt, internal)
	}

	msg, err = ParseMessage(1, time.Time{}, []byte(raw), fetched)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if !msg.ReceivedAt.Equal(fetched) {
		t.Errorf("ReceivedAt = %v, want fetch time %v", msg.ReceivedAt, fetched)
	}
}

func TestInWindow(t *testing.T) {
	since := time.Date(2025, 10, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		internal time.Time
		received time.Time
		want     bool
	}{
		{"internal date after window start", since.Add(time.Minute), time.Time{}, true},
		{"internal date equal to window start", since, time.Time{}, true},
		{"internal date before window start", since.Add(-time.Minute), since.Add(time.Hour), false},
		{"falls back to received time", time.Time{}, since.Add(time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := model.RawMessage{ReceivedAt: tt.received}
			if got := InWindow(msg, tt.internal, since); got != tt.want {
				t.Errorf("InWindow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnectionErrorClassification(t *testing.T) {
	err := &ConnectionError{Account: "15@example.com", Op: "login", Auth: true, Err: errTest}
	if !IsConnectionError(err) || !IsAuthError(err) {
		t.Errorf("auth failure not classified: %v", err)
	}

	dial := &ConnectionError{Account: "15@example.com", Op: "dial", Err: errTest}
	if IsAuthError(dial) {
		t.Errorf("dial failure classified as auth error")
	}
	if !strings.Contains(dial.Error(), "dial") {
		t.Errorf("Error() = %q", dial.Error())
	}
}

var errTest = errors.New("connection reset")
