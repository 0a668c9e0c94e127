// Package ledger records which mailbox messages have been handled
// successfully, and keeps the registry of monitored mailbox accounts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/leadmail/internal/model"
)

// Record is one successfully handled message. A (AccountEmail, MessageID)
// pair is stored at most once.
type Record struct {
	ID           string    `db:"id"`
	MessageID    string    `db:"message_id"`
	UID          uint32    `db:"uid"`
	AccountEmail string    `db:"account_email"`
	FromEmail    string    `db:"from_email"`
	ToEmail      string    `db:"to_email"`
	Subject      string    `db:"subject"`
	ReceivedAt   time.Time `db:"received_at"`
	ProcessedAt  time.Time `db:"processed_at"`
}

// Known is the set of identities the ledger already holds for an account.
type Known struct {
	MessageIDs map[string]bool
	UIDs       map[uint32]bool
}

// Contains reports whether a message matches a known message id or UID.
func (k Known) Contains(messageID string, uid uint32) bool {
	return k.MessageIDs[messageID] || k.UIDs[uid]
}

// Stats summarizes the ledger, optionally for a single account.
type Stats struct {
	TotalProcessed int64      `json:"totalProcessed"`
	ProcessedSince int64      `json:"processedSince"`
	FirstProcessed *time.Time `json:"firstProcessed,omitempty"`
	LastProcessed  *time.Time `json:"lastProcessed,omitempty"`
}

// Ledger is the durable log of successfully processed messages.
type Ledger interface {
	// FindExisting returns which of the given identities are already
	// recorded for account, in one query.
	FindExisting(ctx context.Context, account string, messageIDs []string, uids []uint32) (Known, error)

	// Insert stores a record. It returns a *DuplicateKeyError when the
	// (account, message id) pair already exists.
	Insert(ctx context.Context, rec Record) error

	// DeleteOlderThan removes records processed before cutoff and returns
	// how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats summarizes the ledger. An empty account covers all accounts;
	// ProcessedSince counts records processed at or after since.
	Stats(ctx context.Context, account string, since time.Time) (Stats, error)
}

// AccountStore persists the monitored mailbox accounts.
type AccountStore interface {
	UpsertAccount(ctx context.Context, acct model.MailboxAccount) (model.MailboxAccount, error)
	GetAccount(ctx context.Context, address string) (*model.MailboxAccount, error)
	ListAccounts(ctx context.Context) ([]model.MailboxAccount, error)
	ListActiveAccounts(ctx context.Context) ([]model.MailboxAccount, error)
	SetAccountActive(ctx context.Context, address string, active bool) error
}

// DuplicateKeyError is returned by Insert when the record already exists.
type DuplicateKeyError struct {
	AccountEmail string
	MessageID    string
	Err          error
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("message %s already recorded for %s", e.MessageID, e.AccountEmail)
}

func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// IsDuplicate reports whether err (or any error in its chain) is a
// DuplicateKeyError.
func IsDuplicate(err error) bool {
	var dup *DuplicateKeyError
	return errors.As(err, &dup)
}

// ErrAccountNotFound is returned when an account address is unknown.
var ErrAccountNotFound = errors.New("account not found")
