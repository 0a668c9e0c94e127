package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/leadmail/internal/model"
)

const accountColumns = "id, address, credential_ref, active, created_at, updated_at"

// UpsertAccount creates the account or updates the credential reference
// and active flag of an existing one with the same address.
func (s *SQLStore) UpsertAccount(
	ctx context.Context, acct model.MailboxAccount,
) (model.MailboxAccount, error) {
	acct.Address = strings.ToLower(strings.TrimSpace(acct.Address))
	if acct.Address == "" {
		return acct, fmt.Errorf("account address is required")
	}
	now := time.Now().UTC()

	existing, err := s.GetAccount(ctx, acct.Address)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		if acct.ID == "" {
			acct.ID = uuid.New().String()
		}
		acct.CreatedAt = now
		acct.UpdatedAt = now
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO mailbox_accounts (`+accountColumns+`)
			VALUES (?, ?, ?, ?, ?, ?)`),
			acct.ID, acct.Address, acct.CredentialRef, boolToInt(acct.Active),
			acct.CreatedAt, acct.UpdatedAt,
		)
		if err != nil {
			return acct, fmt.Errorf("creating account %s: %w", acct.Address, err)
		}
		return acct, nil

	case err != nil:
		return acct, err
	}

	acct.ID = existing.ID
	acct.CreatedAt = existing.CreatedAt
	acct.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE mailbox_accounts
		SET credential_ref = ?, active = ?, updated_at = ?
		WHERE id = ?`),
		acct.CredentialRef, boolToInt(acct.Active), acct.UpdatedAt, acct.ID,
	)
	if err != nil {
		return acct, fmt.Errorf("updating account %s: %w", acct.Address, err)
	}
	return acct, nil
}

// GetAccount retrieves an account by address.
func (s *SQLStore) GetAccount(ctx context.Context, address string) (*model.MailboxAccount, error) {
	var acct model.MailboxAccount
	err := s.db.GetContext(ctx, &acct, s.db.Rebind(
		"SELECT "+accountColumns+" FROM mailbox_accounts WHERE address = ?",
	), strings.ToLower(strings.TrimSpace(address)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", address, err)
	}
	return &acct, nil
}

// ListAccounts returns every account ordered by address.
func (s *SQLStore) ListAccounts(ctx context.Context) ([]model.MailboxAccount, error) {
	var accts []model.MailboxAccount
	if err := s.db.SelectContext(ctx, &accts,
		"SELECT "+accountColumns+" FROM mailbox_accounts ORDER BY address",
	); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return accts, nil
}

// ListActiveAccounts returns the accounts the monitor should poll.
func (s *SQLStore) ListActiveAccounts(ctx context.Context) ([]model.MailboxAccount, error) {
	var accts []model.MailboxAccount
	if err := s.db.SelectContext(ctx, &accts,
		"SELECT "+accountColumns+" FROM mailbox_accounts WHERE active = 1 ORDER BY address",
	); err != nil {
		return nil, fmt.Errorf("listing active accounts: %w", err)
	}
	return accts, nil
}

// SetAccountActive enables or disables monitoring of an account.
func (s *SQLStore) SetAccountActive(ctx context.Context, address string, active bool) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE mailbox_accounts SET active = ?, updated_at = ? WHERE address = ?",
	), boolToInt(active), time.Now().UTC(), strings.ToLower(strings.TrimSpace(address)))
	if err != nil {
		return fmt.Errorf("updating account %s: %w", address, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return nil
}
