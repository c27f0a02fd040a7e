package sqlite

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/iamwavecut/wardbot/internal/db"
)

func (c *sqliteClient) CreateJob(ctx context.Context, job *db.ScheduledJob) (*db.ScheduledJob, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (chat_id, case_kind, case_id, kind, fire_at, attempts, close_committed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ChatID, job.CaseKind, job.CaseID, job.Kind, job.FireAt, job.Attempts, job.CloseCommitted)
	if err != nil {
		return nil, errors.WithMessage(err, "cant insert job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.WithMessage(err, "cant read job id")
	}
	job.ID = id
	return job, nil
}

func (c *sqliteClient) DeleteJob(ctx context.Context, jobID int64) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res, err := c.db.ExecContext(ctx, "DELETE FROM scheduled_jobs WHERE id = ?", jobID)
	if err != nil {
		return false, errors.WithMessage(err, "cant delete job")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithMessage(err, "cant read delete result")
	}
	return affected > 0, nil
}

func (c *sqliteClient) DeleteJobsForCase(ctx context.Context, chatID int64, kind db.CaseKind, caseID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx,
		"DELETE FROM scheduled_jobs WHERE chat_id = ? AND case_kind = ? AND case_id = ?",
		chatID, kind, caseID,
	)
	return errors.WithMessage(err, "cant delete case jobs")
}

func (c *sqliteClient) ListJobs(ctx context.Context) ([]*db.ScheduledJob, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	jobs := make([]*db.ScheduledJob, 0)
	if err := c.db.SelectContext(ctx, &jobs,
		"SELECT id, chat_id, case_kind, case_id, kind, fire_at, attempts, close_committed FROM scheduled_jobs ORDER BY fire_at ASC, id ASC",
	); err != nil {
		return nil, errors.WithMessage(err, "cant list jobs")
	}
	return jobs, nil
}

func (c *sqliteClient) RescheduleJob(ctx context.Context, jobID int64, fireAt time.Time, attempts int) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx,
		"UPDATE scheduled_jobs SET fire_at = ?, attempts = ? WHERE id = ?",
		fireAt, attempts, jobID,
	)
	return errors.WithMessage(err, "cant reschedule job")
}

func (c *sqliteClient) MarkJobCloseCommitted(ctx context.Context, jobID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, "UPDATE scheduled_jobs SET close_committed = 1 WHERE id = ?", jobID)
	return errors.WithMessage(err, "cant mark job close committed")
}
