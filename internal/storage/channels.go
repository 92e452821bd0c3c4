package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wadispatch/internal/domain"
)

// upsert returns the dialect's insert-or-update suffix for the given key
// and update columns.
func (s *Store) upsert(key string, cols ...string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		if s.dialect == dialectMySQL {
			out += c + " = VALUES(" + c + ")"
		} else {
			out += c + " = excluded." + c
		}
	}
	if s.dialect == dialectMySQL {
		return " ON DUPLICATE KEY UPDATE " + out
	}
	return " ON CONFLICT (" + key + ") DO UPDATE SET " + out
}

func (s *Store) UpsertChannel(ctx context.Context, ch domain.Channel) error {
	if ch.Status == "" {
		ch.Status = domain.ChannelConnecting
	}
	q := `INSERT INTO channels (id, account_id, driver, status, updated_at) VALUES (?,?,?,?,?)` +
		s.upsert("id", "account_id", "driver", "updated_at")
	_, err := s.db.ExecContext(ctx, s.db.Rebind(q), ch.ID, ch.AccountID, ch.Driver, string(ch.Status), millis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert channel: %w", err)
	}
	return nil
}

func (s *Store) UpdateChannelStatus(ctx context.Context, id string, status domain.ChannelStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE channels SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), millis(at), id)
	if err != nil {
		return fmt.Errorf("failed to update channel status: %w", err)
	}
	return nil
}

func (s *Store) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	var rows []struct {
		domain.Channel
		UpdatedMS int64 `db:"updated_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, account_id, driver, status, updated_at FROM channels ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	out := make([]domain.Channel, 0, len(rows))
	for _, r := range rows {
		ch := r.Channel
		ch.UpdatedAt = time.UnixMilli(r.UpdatedMS)
		out = append(out, ch)
	}
	return out, nil
}

func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM channels WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return nil
}

func (s *Store) UpsertContact(ctx context.Context, accountID string, r domain.Recipient) error {
	q := `INSERT INTO contacts (account_id, phone, name, birthday) VALUES (?,?,?,?)`
	if s.dialect == dialectMySQL {
		q += s.upsert("", "name", "birthday")
	} else {
		q += s.upsert("account_id, phone", "name", "birthday")
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(q), accountID, r.Phone, r.Name, nullStr(r.Birthday))
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

type contactRow struct {
	Phone    string         `db:"phone"`
	Name     string         `db:"name"`
	Birthday sql.NullString `db:"birthday"`
}

func contactsFromRows(rows []contactRow) []domain.Recipient {
	out := make([]domain.Recipient, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Recipient{Phone: r.Phone, Name: r.Name, Birthday: r.Birthday.String})
	}
	return out
}

func (s *Store) ListContacts(ctx context.Context, accountID string) ([]domain.Recipient, error) {
	var rows []contactRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT phone, name, birthday FROM contacts WHERE account_id = ? ORDER BY phone`), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return contactsFromRows(rows), nil
}

// GetTodayBirthdayRecipients returns the account's contacts whose birthday
// (stored as MM-DD) equals monthDay.
func (s *Store) GetTodayBirthdayRecipients(ctx context.Context, accountID, monthDay string) ([]domain.Recipient, error) {
	var rows []contactRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT phone, name, birthday FROM contacts WHERE account_id = ? AND birthday = ? ORDER BY phone`),
		accountID, monthDay)
	if err != nil {
		return nil, fmt.Errorf("failed to get birthday recipients: %w", err)
	}
	return contactsFromRows(rows), nil
}
