package db

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Client interface {
	Close() error

	GetSettings(ctx context.Context, chatID int64) (*Settings, error)
	SetSettings(ctx context.Context, settings *Settings) error

	ListSafelist(ctx context.Context, chatID int64) ([]*SafelistEntry, error)
	AddSafelistEntry(ctx context.Context, entry *SafelistEntry) error
	RemoveSafelistEntry(ctx context.Context, chatID int64, entryType string, targetID int64) (bool, error)

	ListStaffGrants(ctx context.Context, chatID int64) ([]*StaffGrant, error)
	SetStaffGrant(ctx context.Context, grant *StaffGrant) error
	RemoveStaffGrant(ctx context.Context, chatID, userID int64) (bool, error)

	CreateCase(ctx context.Context, record *CaseRecord) (*CaseRecord, error)
	GetCase(ctx context.Context, chatID int64, kind CaseKind, id int64) (*CaseRecord, error)
	GetActiveCase(ctx context.Context, chatID, userID int64, kind CaseKind) (*CaseRecord, error)
	// CloseCase flips active to false once; it reports false without error
	// when the record was already closed.
	CloseCase(ctx context.Context, chatID int64, kind CaseKind, id, closedBy int64, reason string) (bool, error)
	ListActiveCases(ctx context.Context, chatID, userID int64, kind CaseKind) ([]*CaseRecord, error)
	ListUserCases(ctx context.Context, chatID, userID int64) ([]*CaseRecord, error)
	CloseAllCases(ctx context.Context, chatID, userID int64, kind CaseKind, closedBy int64, reason string) (int64, error)

	CreateJob(ctx context.Context, job *ScheduledJob) (*ScheduledJob, error)
	DeleteJob(ctx context.Context, jobID int64) (bool, error)
	DeleteJobsForCase(ctx context.Context, chatID int64, kind CaseKind, caseID int64) error
	ListJobs(ctx context.Context) ([]*ScheduledJob, error)
	RescheduleJob(ctx context.Context, jobID int64, fireAt time.Time, attempts int) error
	MarkJobCloseCommitted(ctx context.Context, jobID int64) error

	CreateAppeal(ctx context.Context, ticket *AppealTicket) (*AppealTicket, error)
	GetAppealByToken(ctx context.Context, token string) (*AppealTicket, error)
	GetOpenAppealForCase(ctx context.Context, chatID, jailCaseID int64) (*AppealTicket, error)
	// ResolveAppeal transitions an open ticket to a terminal status; it
	// reports false without error when the ticket is no longer open.
	ResolveAppeal(ctx context.Context, ticketID int64, status AppealStatus, resolvedBy *int64) (bool, error)
	ListOpenAppeals(ctx context.Context) ([]*AppealTicket, error)
	QuarantineAppeals(ctx context.Context, ticketIDs []int64) error
}
