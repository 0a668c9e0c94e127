package model

import "time"

// RawMessage is one message fetched from a mailbox, parsed into the fields
// the extractors and the ledger need. It only lives for one cycle.
type RawMessage struct {
	// MessageID comes from the Message-ID header, or is a content hash
	// when the header is absent.
	MessageID string

	// UID is the IMAP UID, scoped to the mailbox.
	UID uint32

	From    string
	To      string
	Subject string

	// Text and HTML are the decoded bodies. An empty string means the
	// message had no part of that type.
	Text string
	HTML string

	ReceivedAt  time.Time
	Attachments []Attachment
}

// HasHTML reports whether the message carried a text/html part.
func (m RawMessage) HasHTML() bool { return m.HTML != "" }

// Attachment holds metadata about a message attachment. Content is never
// retained.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
}
