package appeal

import (
	"context"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/wardbot/internal/audit"
	"github.com/iamwavecut/wardbot/internal/db"
	werrors "github.com/iamwavecut/wardbot/internal/errors"
	"github.com/iamwavecut/wardbot/internal/observability"
)

type store interface {
	CreateAppeal(ctx context.Context, ticket *db.AppealTicket) (*db.AppealTicket, error)
	GetAppealByToken(ctx context.Context, token string) (*db.AppealTicket, error)
	GetOpenAppealForCase(ctx context.Context, chatID, jailCaseID int64) (*db.AppealTicket, error)
	ResolveAppeal(ctx context.Context, ticketID int64, status db.AppealStatus, resolvedBy *int64) (bool, error)
	ListOpenAppeals(ctx context.Context) ([]*db.AppealTicket, error)
	QuarantineAppeals(ctx context.Context, ticketIDs []int64) error
}

type caseLedger interface {
	GetRecord(ctx context.Context, chatID int64, kind db.CaseKind, id int64) (*db.CaseRecord, error)
	CloseRecord(ctx context.Context, chatID int64, kind db.CaseKind, id, closedBy int64, reason string) (bool, error)
}

type jobCanceller interface {
	CancelForCase(ctx context.Context, chatID int64, kind db.CaseKind, caseID int64) error
}

type recorder interface {
	Record(event audit.Event)
}

// Service owns the appeal ticket state machine. Transitions are serialized by
// the store's compare-and-set on the open status, so of two racing staff
// actions exactly one wins and the loser gets ErrInvalidTransition.
type Service struct {
	store    store
	ledger   caseLedger
	jobs     jobCanceller
	recorder recorder
}

func NewService(store store, ledger caseLedger, jobs jobCanceller, recorder recorder) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		jobs:     jobs,
		recorder: recorder,
	}
}

func (s *Service) getLogEntry() *log.Entry {
	return log.WithField("context", "appeal")
}

// Start validates persisted open tickets. Duplicate open tickets for one jail
// case violate the ledger invariant; those are quarantined and reported, not
// silently repaired. Open tickets whose jail case is already closed are
// withdrawn, matching a manual unjail that bypassed the appeal.
func (s *Service) Start(ctx context.Context) error {
	open, err := s.store.ListOpenAppeals(ctx)
	if err != nil {
		return errors.WithMessage(err, "cant list open appeals")
	}

	entry := s.getLogEntry()
	seen := map[[2]int64][]int64{}
	for _, ticket := range open {
		key := [2]int64{ticket.ChatID, ticket.JailCaseID}
		seen[key] = append(seen[key], ticket.ID)
	}

	var quarantine []int64
	for key, ids := range seen {
		if len(ids) > 1 {
			entry.WithError(werrors.ErrCorruptState).WithFields(log.Fields{
				"chat_id":      key[0],
				"jail_case_id": key[1],
				"ticket_ids":   ids,
			}).Error("multiple open appeals for one jail case, quarantining")
			quarantine = append(quarantine, ids...)
		}
	}
	if len(quarantine) > 0 {
		if err := s.store.QuarantineAppeals(ctx, quarantine); err != nil {
			return errors.WithMessage(err, "cant quarantine appeals")
		}
	}

	quarantined := map[int64]struct{}{}
	for _, id := range quarantine {
		quarantined[id] = struct{}{}
	}
	for _, ticket := range open {
		if _, ok := quarantined[ticket.ID]; ok {
			continue
		}
		record, err := s.ledger.GetRecord(ctx, ticket.ChatID, db.CaseKindJail, ticket.JailCaseID)
		if err != nil {
			entry.WithError(err).WithField("ticket_id", ticket.ID).Error("cant load jail case for open appeal")
			continue
		}
		if !record.Active {
			if err := s.Withdraw(ctx, ticket.Token); err != nil && !errors.Is(err, werrors.ErrInvalidTransition) {
				entry.WithError(err).WithField("ticket_id", ticket.ID).Error("cant withdraw stale appeal")
			}
		}
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	return nil
}

// Open creates the ticket bound to an active jail case. Exactly zero or one
// open ticket may exist per jail case; a duplicate open is ErrConflict.
func (s *Service) Open(ctx context.Context, chatID, jailCaseID, userID int64) (*db.AppealTicket, error) {
	record, err := s.ledger.GetRecord(ctx, chatID, db.CaseKindJail, jailCaseID)
	if err != nil {
		return nil, err
	}
	if !record.Active {
		return nil, errors.WithMessagef(werrors.ErrInvalidTransition, "jail case #%d is closed", jailCaseID)
	}
	if record.UserID != userID {
		return nil, errors.WithMessagef(werrors.ErrInvalidInput, "jail case #%d belongs to another user", jailCaseID)
	}

	ticket, err := s.store.CreateAppeal(ctx, &db.AppealTicket{
		ChatID:     chatID,
		JailCaseID: jailCaseID,
		UserID:     userID,
		Token:      uuid.New(),
	})
	if err != nil {
		return nil, err
	}

	observability.RecordAppealTransition(string(db.AppealStatusOpen))
	s.recorder.Record(audit.Event{
		Kind:     "appeal_opened",
		ChatID:   chatID,
		ActorID:  userID,
		TargetID: userID,
		CaseKind: db.CaseKindJail,
		CaseID:   jailCaseID,
		TicketID: ticket.ID,
		After:    string(db.AppealStatusOpen),
	})
	return ticket, nil
}

// Accept resolves the ticket, lifts the jail case through the ledger (same
// effect as a manual unjail) and cancels the pending unjail job.
func (s *Service) Accept(ctx context.Context, token string, staffID int64) (*db.AppealTicket, error) {
	ticket, err := s.resolve(ctx, token, db.AppealStatusAccepted, &staffID)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.CloseRecord(ctx, ticket.ChatID, db.CaseKindJail, ticket.JailCaseID, staffID, "appeal accepted"); err != nil {
		s.getLogEntry().WithError(err).WithField("ticket_id", ticket.ID).Error("cant close jail case after accept")
	}
	if err := s.jobs.CancelForCase(ctx, ticket.ChatID, db.CaseKindJail, ticket.JailCaseID); err != nil {
		s.getLogEntry().WithError(err).WithField("ticket_id", ticket.ID).Error("cant cancel unjail job after accept")
	}

	s.recorder.Record(audit.Event{
		Kind:     "appeal_accepted",
		ChatID:   ticket.ChatID,
		ActorID:  staffID,
		TargetID: ticket.UserID,
		CaseKind: db.CaseKindJail,
		CaseID:   ticket.JailCaseID,
		TicketID: ticket.ID,
		Before:   string(db.AppealStatusOpen),
		After:    string(db.AppealStatusAccepted),
	})
	return ticket, nil
}

// Deny resolves the ticket; the jail case stays active.
func (s *Service) Deny(ctx context.Context, token string, staffID int64) (*db.AppealTicket, error) {
	ticket, err := s.resolve(ctx, token, db.AppealStatusDenied, &staffID)
	if err != nil {
		return nil, err
	}

	s.recorder.Record(audit.Event{
		Kind:     "appeal_denied",
		ChatID:   ticket.ChatID,
		ActorID:  staffID,
		TargetID: ticket.UserID,
		CaseKind: db.CaseKindJail,
		CaseID:   ticket.JailCaseID,
		TicketID: ticket.ID,
		Before:   string(db.AppealStatusOpen),
		After:    string(db.AppealStatusDenied),
	})
	return ticket, nil
}

// Withdraw closes the ticket without judgement, used when an external unjail
// bypasses the appeal flow.
func (s *Service) Withdraw(ctx context.Context, token string) error {
	ticket, err := s.resolve(ctx, token, db.AppealStatusWithdrawn, nil)
	if err != nil {
		return err
	}

	s.recorder.Record(audit.Event{
		Kind:     "appeal_withdrawn",
		ChatID:   ticket.ChatID,
		TargetID: ticket.UserID,
		CaseKind: db.CaseKindJail,
		CaseID:   ticket.JailCaseID,
		TicketID: ticket.ID,
		Before:   string(db.AppealStatusOpen),
		After:    string(db.AppealStatusWithdrawn),
	})
	return nil
}

// WithdrawForCase withdraws the open ticket bound to a jail case, if any.
func (s *Service) WithdrawForCase(ctx context.Context, chatID, jailCaseID int64) error {
	ticket, err := s.store.GetOpenAppealForCase(ctx, chatID, jailCaseID)
	if err != nil {
		return err
	}
	if ticket == nil {
		return nil
	}
	err = s.Withdraw(ctx, ticket.Token)
	if errors.Is(err, werrors.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (s *Service) Get(ctx context.Context, token string) (*db.AppealTicket, error) {
	return s.store.GetAppealByToken(ctx, token)
}

// OpenTicketForCase returns the open ticket bound to a jail case, or nil.
func (s *Service) OpenTicketForCase(ctx context.Context, chatID, jailCaseID int64) (*db.AppealTicket, error) {
	return s.store.GetOpenAppealForCase(ctx, chatID, jailCaseID)
}

func (s *Service) resolve(ctx context.Context, token string, status db.AppealStatus, resolvedBy *int64) (*db.AppealTicket, error) {
	ticket, err := s.store.GetAppealByToken(ctx, token)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, errors.WithMessage(werrors.ErrNotFound, "unknown appeal")
		}
		return nil, err
	}
	if ticket.Quarantined {
		return nil, errors.WithMessagef(werrors.ErrCorruptState, "appeal #%d is quarantined", ticket.ID)
	}

	resolved, err := s.store.ResolveAppeal(ctx, ticket.ID, status, resolvedBy)
	if err != nil {
		return nil, err
	}
	if !resolved {
		// The other staff action won the race; benign for the caller.
		return nil, errors.WithMessagef(werrors.ErrInvalidTransition, "appeal #%d already resolved", ticket.ID)
	}

	ticket.Status = status
	ticket.ResolvedBy = resolvedBy
	observability.RecordAppealTransition(string(status))
	s.getLogEntry().WithFields(log.Fields{
		"ticket_id": ticket.ID,
		"status":    status,
	}).Info("appeal resolved")
	return ticket, nil
}
