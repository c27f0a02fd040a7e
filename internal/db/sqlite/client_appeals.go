package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/iamwavecut/wardbot/internal/db"
	werrors "github.com/iamwavecut/wardbot/internal/errors"
)

const appealColumns = "id, chat_id, jail_case_id, user_id, token, status, opened_at, resolved_at, resolved_by, quarantined"

func (c *sqliteClient) CreateAppeal(ctx context.Context, ticket *db.AppealTicket) (*db.AppealTicket, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	ticket.Status = db.AppealStatusOpen
	if ticket.OpenedAt.IsZero() {
		ticket.OpenedAt = time.Now().UTC()
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO appeals (chat_id, jail_case_id, user_id, token, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ticket.ChatID, ticket.JailCaseID, ticket.UserID, ticket.Token, ticket.Status, ticket.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.WithMessagef(werrors.ErrConflict,
				"open appeal already exists for jail case %d", ticket.JailCaseID)
		}
		return nil, errors.WithMessage(err, "cant insert appeal")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.WithMessage(err, "cant read appeal id")
	}
	ticket.ID = id
	return ticket, nil
}

func (c *sqliteClient) GetAppealByToken(ctx context.Context, token string) (*db.AppealTicket, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var ticket db.AppealTicket
	err := c.db.GetContext(ctx, &ticket,
		"SELECT "+appealColumns+" FROM appeals WHERE token = ?", token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, errors.WithMessage(err, "cant get appeal")
	}
	return &ticket, nil
}

func (c *sqliteClient) GetOpenAppealForCase(ctx context.Context, chatID, jailCaseID int64) (*db.AppealTicket, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var ticket db.AppealTicket
	err := c.db.GetContext(ctx, &ticket,
		"SELECT "+appealColumns+" FROM appeals WHERE chat_id = ? AND jail_case_id = ? AND status = 'open'",
		chatID, jailCaseID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithMessage(err, "cant get open appeal")
	}
	return &ticket, nil
}

func (c *sqliteClient) ResolveAppeal(ctx context.Context, ticketID int64, status db.AppealStatus, resolvedBy *int64) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// `status = 'open'` is the serialization point: of two racing staff
	// actions exactly one changes a row, the other reads zero affected.
	res, err := c.db.ExecContext(ctx, `
		UPDATE appeals
		SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND status = 'open' AND quarantined = 0
	`, status, time.Now().UTC(), resolvedBy, ticketID)
	if err != nil {
		return false, errors.WithMessage(err, "cant resolve appeal")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithMessage(err, "cant read resolve result")
	}
	return affected > 0, nil
}

func (c *sqliteClient) ListOpenAppeals(ctx context.Context) ([]*db.AppealTicket, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	tickets := make([]*db.AppealTicket, 0)
	if err := c.db.SelectContext(ctx, &tickets,
		"SELECT "+appealColumns+" FROM appeals WHERE status = 'open' ORDER BY opened_at ASC, id ASC",
	); err != nil {
		return nil, errors.WithMessage(err, "cant list open appeals")
	}
	return tickets, nil
}

func (c *sqliteClient) QuarantineAppeals(ctx context.Context, ticketIDs []int64) error {
	if len(ticketIDs) == 0 {
		return nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	query, args, err := sqlx.In("UPDATE appeals SET quarantined = 1 WHERE id IN (?)", ticketIDs)
	if err != nil {
		return errors.WithMessage(err, "cant build quarantine query")
	}
	query = c.db.Rebind(query)
	_, err = c.db.ExecContext(ctx, query, args...)
	return errors.WithMessage(err, "cant quarantine appeals")
}
