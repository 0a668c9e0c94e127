package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// FindExisting returns the subset of messageIDs and uids already recorded
// for account, using a single query.
func (s *SQLStore) FindExisting(
	ctx context.Context,
	account string,
	messageIDs []string,
	uids []uint32,
) (Known, error) {
	known := Known{
		MessageIDs: make(map[string]bool),
		UIDs:       make(map[uint32]bool),
	}
	if len(messageIDs) == 0 && len(uids) == 0 {
		return known, nil
	}

	var conditions []string
	args := []interface{}{account}

	if len(messageIDs) > 0 {
		conditions = append(conditions, "message_id IN (?)")
		args = append(args, messageIDs)
	}
	if len(uids) > 0 {
		wide := make([]int64, len(uids))
		for i, u := range uids {
			wide[i] = int64(u)
		}
		conditions = append(conditions, "uid IN (?)")
		args = append(args, wide)
	}

	query, inArgs, err := sqlx.In(
		"SELECT message_id, uid FROM processed_messages WHERE account_email = ? AND ("+
			strings.Join(conditions, " OR ")+")",
		args...,
	)
	if err != nil {
		return known, fmt.Errorf("building existence query: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), inArgs...)
	if err != nil {
		return known, fmt.Errorf("querying processed messages for %s: %w", account, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageID string
			uid       int64
		)
		if err := rows.Scan(&messageID, &uid); err != nil {
			return known, fmt.Errorf("scanning processed message row: %w", err)
		}
		known.MessageIDs[messageID] = true
		known.UIDs[uint32(uid)] = true
	}

	return known, rows.Err()
}

// Insert stores a processed-message record. ProcessedAt is set to the
// current time when zero.
func (s *SQLStore) Insert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO processed_messages (
			id, message_id, uid, account_email,
			from_email, to_email, subject,
			received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.MessageID, int64(rec.UID), rec.AccountEmail,
		rec.FromEmail, rec.ToEmail, rec.Subject,
		rec.ReceivedAt.UTC(), rec.ProcessedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &DuplicateKeyError{
				AccountEmail: rec.AccountEmail,
				MessageID:    rec.MessageID,
				Err:          err,
			}
		}
		return fmt.Errorf("inserting processed message %s: %w", rec.MessageID, err)
	}
	return nil
}

// DeleteOlderThan removes records processed before cutoff.
func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM processed_messages WHERE processed_at < ?"),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting processed messages before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Stats summarizes the ledger for account, or for every account when
// account is empty.
func (s *SQLStore) Stats(ctx context.Context, account string, since time.Time) (Stats, error) {
	where := ""
	var args []interface{}
	if account != "" {
		where = " WHERE account_email = ?"
		args = append(args, account)
	}

	var st Stats
	if err := s.db.GetContext(ctx, &st.TotalProcessed,
		s.db.Rebind("SELECT COUNT(*) FROM processed_messages"+where), args...,
	); err != nil {
		return st, fmt.Errorf("counting processed messages: %w", err)
	}

	sinceClause := " WHERE processed_at >= ?"
	if where != "" {
		sinceClause = where + " AND processed_at >= ?"
	}
	if err := s.db.GetContext(ctx, &st.ProcessedSince,
		s.db.Rebind("SELECT COUNT(*) FROM processed_messages"+sinceClause),
		append(append([]interface{}{}, args...), since.UTC())...,
	); err != nil {
		return st, fmt.Errorf("counting recent processed messages: %w", err)
	}

	if st.TotalProcessed == 0 {
		return st, nil
	}

	// Selecting the column itself keeps the declared type, so the driver
	// decodes it as a time rather than an aggregate string.
	first, err := s.boundary(ctx, where, args, "ASC")
	if err != nil {
		return st, err
	}
	last, err := s.boundary(ctx, where, args, "DESC")
	if err != nil {
		return st, err
	}
	st.FirstProcessed = first
	st.LastProcessed = last

	return st, nil
}

// boundary returns the earliest (ASC) or latest (DESC) processed_at.
func (s *SQLStore) boundary(
	ctx context.Context, where string, args []interface{}, direction string,
) (*time.Time, error) {
	var t time.Time
	err := s.db.GetContext(ctx, &t, s.db.Rebind(
		"SELECT processed_at FROM processed_messages"+where+
			" ORDER BY processed_at "+direction+" LIMIT 1",
	), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading processed_at boundary: %w", err)
	}
	return &t, nil
}
