package mailbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // legacy charsets used by portal mailers
	"github.com/emersion/go-message/mail"

	"github.com/nhle/leadmail/internal/model"
)

// syntheticBodyPrefix is how much of the body feeds the synthetic id.
const syntheticBodyPrefix = 512

// ParseMessage parses a raw RFC 5322 message into a RawMessage. It does
// no I/O. internalDate and fetchedAt are fallbacks for the receipt time
// when the Date header is missing or unparsable.
func ParseMessage(
	uid uint32, internalDate time.Time, raw []byte, fetchedAt time.Time,
) (model.RawMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.RawMessage{}, &ParseError{UID: uid, Err: err}
	}
	defer mr.Close()

	msg := model.RawMessage{UID: uid}

	msg.MessageID, _ = mr.Header.MessageID()
	msg.Subject, _ = mr.Header.Subject()

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	} else {
		msg.From = strings.TrimSpace(mr.Header.Get("From"))
	}
	if to, err := mr.Header.AddressList("To"); err == nil && len(to) > 0 {
		msg.To = to[0].Address
	} else {
		msg.To = strings.TrimSpace(mr.Header.Get("To"))
	}

	switch date, err := mr.Header.Date(); {
	case err == nil && !date.IsZero():
		msg.ReceivedAt = date
	case !internalDate.IsZero():
		msg.ReceivedAt = internalDate
	default:
		msg.ReceivedAt = fetchedAt
	}

	text, html, attachments, err := readParts(mr)
	if err != nil {
		return model.RawMessage{}, &ParseError{UID: uid, Err: err}
	}
	msg.Text = text
	msg.HTML = html
	msg.Attachments = attachments

	if msg.MessageID == "" {
		msg.MessageID = SyntheticID(msg)
	}

	return msg, nil
}

// readParts walks the MIME tree and returns the first text/plain body,
// the first text/html body and attachment metadata. Attachment content is
// read only to measure it.
func readParts(mr *mail.Reader) (
	textBody string, htmlBody string, attachments []model.Attachment, err error,
) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			// Keep what was decoded so far when a later part is broken.
			if textBody != "" || htmlBody != "" {
				break
			}
			return "", "", nil, fmt.Errorf("reading MIME part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain") && textBody == "":
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				htmlBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			size, readErr := io.Copy(io.Discard, part.Body)
			if readErr != nil {
				continue
			}

			attachments = append(attachments, model.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        size,
			})
		}
	}

	return textBody, htmlBody, attachments, nil
}

// SyntheticID derives a stable identity for a message without a
// Message-ID header from its sender, subject, receipt time and the start
// of its body. The same message yields the same id on every fetch.
func SyntheticID(msg model.RawMessage) string {
	body := msg.Text
	if body == "" {
		body = msg.HTML
	}
	if len(body) > syntheticBodyPrefix {
		body = body[:syntheticBodyPrefix]
	}

	h := sha256.New()
	for _, part := range []string{
		msg.From,
		msg.Subject,
		msg.ReceivedAt.UTC().Format(time.RFC3339),
		body,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "synthetic-" + hex.EncodeToString(h.Sum(nil))[:32]
}
