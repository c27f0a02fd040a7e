package sqlite

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/iamwavecut/wardbot/internal/db"
)

func (c *sqliteClient) ListSafelist(ctx context.Context, chatID int64) ([]*db.SafelistEntry, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entries := make([]*db.SafelistEntry, 0)
	if err := c.db.SelectContext(ctx, &entries,
		"SELECT chat_id, type, target_id, added_by, added_at FROM safelist WHERE chat_id = ? ORDER BY added_at ASC",
		chatID,
	); err != nil {
		return nil, errors.WithMessage(err, "cant list safelist")
	}
	return entries, nil
}

func (c *sqliteClient) AddSafelistEntry(ctx context.Context, entry *db.SafelistEntry) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now().UTC()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO safelist (chat_id, type, target_id, added_by, added_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ChatID, entry.Type, entry.TargetID, entry.AddedBy, entry.AddedAt)
	return errors.WithMessage(err, "cant add safelist entry")
}

func (c *sqliteClient) RemoveSafelistEntry(ctx context.Context, chatID int64, entryType string, targetID int64) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx,
		"DELETE FROM safelist WHERE chat_id = ? AND type = ? AND target_id = ?",
		chatID, entryType, targetID,
	)
	if err != nil {
		return false, errors.WithMessage(err, "cant remove safelist entry")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithMessage(err, "cant read safelist delete result")
	}
	return affected > 0, nil
}

func (c *sqliteClient) ListStaffGrants(ctx context.Context, chatID int64) ([]*db.StaffGrant, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	grants := make([]*db.StaffGrant, 0)
	if err := c.db.SelectContext(ctx, &grants,
		"SELECT chat_id, user_id, tier, granted_by, granted_at FROM staff_grants WHERE chat_id = ?",
		chatID,
	); err != nil {
		return nil, errors.WithMessage(err, "cant list staff grants")
	}
	return grants, nil
}

func (c *sqliteClient) SetStaffGrant(ctx context.Context, grant *db.StaffGrant) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO staff_grants (chat_id, user_id, tier, granted_by, granted_at)
		VALUES (:chat_id, :user_id, :tier, :granted_by, :granted_at)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
		tier=excluded.tier,
		granted_by=excluded.granted_by,
		granted_at=excluded.granted_at;
	`
	_, err := c.db.NamedExecContext(ctx, query, grant)
	return errors.WithMessage(err, "cant set staff grant")
}

func (c *sqliteClient) RemoveStaffGrant(ctx context.Context, chatID, userID int64) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx,
		"DELETE FROM staff_grants WHERE chat_id = ? AND user_id = ?",
		chatID, userID,
	)
	if err != nil {
		return false, errors.WithMessage(err, "cant remove staff grant")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithMessage(err, "cant read grant delete result")
	}
	return affected > 0, nil
}
