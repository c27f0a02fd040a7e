package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/iamwavecut/wardbot/internal/db"
	werrors "github.com/iamwavecut/wardbot/internal/errors"
)

const caseColumns = "chat_id, kind, id, user_id, issuer_id, reason, created_at, expires_at, active, closed_by, close_reason, closed_at"

func (c *sqliteClient) CreateCase(ctx context.Context, record *db.CaseRecord) (*db.CaseRecord, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "cant begin case tx")
	}
	defer tx.Rollback()

	// Per (chat, kind) monotonic counter. IDs are never reused or shifted
	// when records close, so they stay addressable by removewarn/removenote.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO case_counters (chat_id, kind, next_id) VALUES (?, ?, 1)
		ON CONFLICT(chat_id, kind) DO UPDATE SET next_id = next_id + 1
	`, record.ChatID, record.Kind); err != nil {
		return nil, errors.WithMessage(err, "cant advance case counter")
	}

	var nextID int64
	if err := tx.GetContext(ctx, &nextID,
		"SELECT next_id FROM case_counters WHERE chat_id = ? AND kind = ?",
		record.ChatID, record.Kind,
	); err != nil {
		return nil, errors.WithMessage(err, "cant read case counter")
	}

	record.ID = nextID
	record.Active = true
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cases (chat_id, kind, id, user_id, issuer_id, reason, created_at, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
	`,
		record.ChatID, record.Kind, record.ID, record.UserID, record.IssuerID,
		record.Reason, record.CreatedAt, record.ExpiresAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, errors.WithMessagef(werrors.ErrConflict,
				"active %s already exists for user %d", record.Kind, record.UserID)
		}
		return nil, errors.WithMessage(err, "cant insert case")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.WithMessage(err, "cant commit case tx")
	}
	return record, nil
}

func (c *sqliteClient) GetCase(ctx context.Context, chatID int64, kind db.CaseKind, id int64) (*db.CaseRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var record db.CaseRecord
	err := c.db.GetContext(ctx, &record,
		"SELECT "+caseColumns+" FROM cases WHERE chat_id = ? AND kind = ? AND id = ?",
		chatID, kind, id,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, errors.WithMessage(err, "cant get case")
	}
	return &record, nil
}

func (c *sqliteClient) GetActiveCase(ctx context.Context, chatID, userID int64, kind db.CaseKind) (*db.CaseRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var record db.CaseRecord
	err := c.db.GetContext(ctx, &record,
		"SELECT "+caseColumns+" FROM cases WHERE chat_id = ? AND user_id = ? AND kind = ? AND active = 1 ORDER BY id DESC LIMIT 1",
		chatID, userID, kind,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithMessage(err, "cant get active case")
	}
	return &record, nil
}

func (c *sqliteClient) CloseCase(ctx context.Context, chatID int64, kind db.CaseKind, id, closedBy int64, reason string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// The `active = 1` guard makes the close a compare-and-set: exactly one
	// of a racing expiry fire and a manual reversal observes a row change.
	res, err := c.db.ExecContext(ctx, `
		UPDATE cases
		SET active = 0, closed_by = ?, close_reason = ?, closed_at = ?
		WHERE chat_id = ? AND kind = ? AND id = ? AND active = 1
	`, closedBy, reason, time.Now().UTC(), chatID, kind, id)
	if err != nil {
		return false, errors.WithMessage(err, "cant close case")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithMessage(err, "cant read close result")
	}
	return affected > 0, nil
}

func (c *sqliteClient) ListActiveCases(ctx context.Context, chatID, userID int64, kind db.CaseKind) ([]*db.CaseRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	records := make([]*db.CaseRecord, 0)
	query := "SELECT " + caseColumns + " FROM cases WHERE chat_id = ? AND user_id = ? AND active = 1"
	args := []any{chatID, userID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if err := c.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, errors.WithMessage(err, "cant list active cases")
	}
	return records, nil
}

func (c *sqliteClient) ListUserCases(ctx context.Context, chatID, userID int64) ([]*db.CaseRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	records := make([]*db.CaseRecord, 0)
	if err := c.db.SelectContext(ctx, &records,
		"SELECT "+caseColumns+" FROM cases WHERE chat_id = ? AND user_id = ? ORDER BY created_at DESC, id DESC",
		chatID, userID,
	); err != nil {
		return nil, errors.WithMessage(err, "cant list user cases")
	}
	return records, nil
}

func (c *sqliteClient) CloseAllCases(ctx context.Context, chatID, userID int64, kind db.CaseKind, closedBy int64, reason string) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		UPDATE cases
		SET active = 0, closed_by = ?, close_reason = ?, closed_at = ?
		WHERE chat_id = ? AND user_id = ? AND kind = ? AND active = 1
	`, closedBy, reason, time.Now().UTC(), chatID, userID, kind)
	if err != nil {
		return 0, errors.WithMessage(err, "cant close cases")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WithMessage(err, "cant read bulk close result")
	}
	return affected, nil
}
