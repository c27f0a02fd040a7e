package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/wardbot/internal/db"
	werrors "github.com/iamwavecut/wardbot/internal/errors"
)

// store is the slice of the db client the ledger needs.
type store interface {
	CreateCase(ctx context.Context, record *db.CaseRecord) (*db.CaseRecord, error)
	GetCase(ctx context.Context, chatID int64, kind db.CaseKind, id int64) (*db.CaseRecord, error)
	GetActiveCase(ctx context.Context, chatID, userID int64, kind db.CaseKind) (*db.CaseRecord, error)
	CloseCase(ctx context.Context, chatID int64, kind db.CaseKind, id, closedBy int64, reason string) (bool, error)
	ListActiveCases(ctx context.Context, chatID, userID int64, kind db.CaseKind) ([]*db.CaseRecord, error)
	ListUserCases(ctx context.Context, chatID, userID int64) ([]*db.CaseRecord, error)
	CloseAllCases(ctx context.Context, chatID, userID int64, kind db.CaseKind, closedBy int64, reason string) (int64, error)
}

type Ledger struct {
	store store
	locks *keyedMutex
	now   func() time.Time
}

func New(store store) *Ledger {
	return &Ledger{
		store: store,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

func (l *Ledger) getLogEntry() *log.Entry {
	return log.WithField("context", "ledger")
}

// AddRecord creates a disciplinary record. For mute/jail kinds it fails with
// ErrConflict while an active record of the same kind exists; the caller has
// to close the old one explicitly first.
func (l *Ledger) AddRecord(ctx context.Context, record *db.CaseRecord, ttl time.Duration) (*db.CaseRecord, error) {
	if record.ChatID == 0 || record.UserID == 0 {
		return nil, errors.WithMessage(werrors.ErrInvalidInput, "chat and user are required")
	}

	unlock := l.locks.lock(record.ChatID, record.UserID)
	defer unlock()

	record.CreatedAt = l.now().UTC()
	if ttl > 0 {
		expiresAt := record.CreatedAt.Add(ttl)
		record.ExpiresAt = &expiresAt
	}

	if record.Kind.Exclusive() {
		existing, err := l.store.GetActiveCase(ctx, record.ChatID, record.UserID, record.Kind)
		if err != nil {
			return nil, errors.WithMessage(err, "cant check active case")
		}
		if existing != nil {
			return nil, errors.WithMessagef(werrors.ErrConflict,
				"user %d already has active %s #%d", record.UserID, record.Kind, existing.ID)
		}
	}

	created, err := l.store.CreateCase(ctx, record)
	if err != nil {
		return nil, err
	}
	l.getLogEntry().WithFields(log.Fields{
		"chat_id": created.ChatID,
		"user_id": created.UserID,
		"kind":    created.Kind,
		"case_id": created.ID,
	}).Debug("case created")
	return created, nil
}

// CloseRecord soft-closes a record. Closing an already closed record is a
// no-op success, so duplicate reversal triggers racing a manual reversal
// degrade cleanly. The returned bool tells whether this call did the close.
func (l *Ledger) CloseRecord(ctx context.Context, chatID int64, kind db.CaseKind, id, closedBy int64, reason string) (bool, error) {
	record, err := l.store.GetCase(ctx, chatID, kind, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return false, errors.WithMessagef(werrors.ErrNotFound, "%s #%d", kind, id)
		}
		return false, err
	}

	unlock := l.locks.lock(chatID, record.UserID)
	defer unlock()

	closed, err := l.store.CloseCase(ctx, chatID, kind, id, closedBy, reason)
	if err != nil {
		return false, err
	}
	if closed {
		l.getLogEntry().WithFields(log.Fields{
			"chat_id": chatID,
			"kind":    kind,
			"case_id": id,
			"reason":  reason,
		}).Debug("case closed")
	}
	return closed, nil
}

func (l *Ledger) GetRecord(ctx context.Context, chatID int64, kind db.CaseKind, id int64) (*db.CaseRecord, error) {
	return l.store.GetCase(ctx, chatID, kind, id)
}

func (l *Ledger) ActiveRecord(ctx context.Context, chatID, userID int64, kind db.CaseKind) (*db.CaseRecord, error) {
	return l.store.GetActiveCase(ctx, chatID, userID, kind)
}

// ListActive returns active records for a user, optionally narrowed by kind
// (empty kind means all kinds).
func (l *Ledger) ListActive(ctx context.Context, chatID, userID int64, kind db.CaseKind) ([]*db.CaseRecord, error) {
	return l.store.ListActiveCases(ctx, chatID, userID, kind)
}

// ListHistory returns the full disciplinary sequence for a user, newest
// first, closed records included. Materialized per query, never cached.
func (l *Ledger) ListHistory(ctx context.Context, chatID, userID int64) ([]*db.CaseRecord, error) {
	return l.store.ListUserCases(ctx, chatID, userID)
}

// ClearAll closes every active record of the given kind for a user and
// returns how many were closed.
func (l *Ledger) ClearAll(ctx context.Context, chatID, userID int64, kind db.CaseKind, closedBy int64, reason string) (int64, error) {
	unlock := l.locks.lock(chatID, userID)
	defer unlock()

	return l.store.CloseAllCases(ctx, chatID, userID, kind, closedBy, reason)
}
