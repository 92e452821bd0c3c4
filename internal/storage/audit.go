package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wadispatch/internal/domain"
)

func (s *Store) CreateAuditLog(ctx context.Context, e domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO audit_logs (id, account_id, action, subject, detail, created_at) VALUES (?,?,?,?,?,?)`),
		e.ID, nullStr(e.AccountID), e.Action, nullStr(e.Subject), nullStr(e.Detail), millis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns the newest entries first.
func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []struct {
		ID        string         `db:"id"`
		AccountID sql.NullString `db:"account_id"`
		Action    string         `db:"action"`
		Subject   sql.NullString `db:"subject"`
		Detail    sql.NullString `db:"detail"`
		CreatedAt int64          `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT id, account_id, action, subject, detail, created_at FROM audit_logs ORDER BY created_at DESC, id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	out := make([]domain.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.AuditEntry{
			ID:        r.ID,
			AccountID: r.AccountID.String,
			Action:    r.Action,
			Subject:   r.Subject.String,
			Detail:    r.Detail.String,
			CreatedAt: time.UnixMilli(r.CreatedAt),
		})
	}
	return out, nil
}

// PruneAuditLogs deletes audit entries older than before, plus expired
// dedup keys. Messages are never pruned.
func (s *Store) PruneAuditLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM audit_logs WHERE created_at < ?`), millis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit logs: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM dedup WHERE expires_at < ?`), millis(time.Now())); err != nil {
		return n, fmt.Errorf("failed to prune dedup: %w", err)
	}
	return n, nil
}

// PutDedup remembers key until the given time.
func (s *Store) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	q := `INSERT INTO dedup (dkey, expires_at) VALUES (?,?)` + s.upsert("dkey", "expires_at")
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), key, millis(until)); err != nil {
		return fmt.Errorf("failed to put dedup: %w", err)
	}
	return nil
}

func (s *Store) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.GetContext(ctx, &ms, s.db.Rebind(`SELECT expires_at FROM dedup WHERE dkey = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get dedup: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}
