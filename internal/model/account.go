package model

import "time"

// MailboxAccount is a monitored mailbox. Accounts are created by the
// provisioning flow and are read-only to the monitoring cycle.
type MailboxAccount struct {
	ID string `db:"id" json:"id"`

	// Address is the full mailbox address, also used as the IMAP login.
	Address string `db:"address" json:"address"`

	// CredentialRef names where the mailbox password lives. Empty or
	// "default" means the configured default password; anything else is
	// a keyring key.
	CredentialRef string `db:"credential_ref" json:"credentialRef"`

	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}
