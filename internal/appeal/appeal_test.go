package appeal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/iamwavecut/wardbot/internal/audit"
	"github.com/iamwavecut/wardbot/internal/db"
	"github.com/iamwavecut/wardbot/internal/db/sqlite"
	werrors "github.com/iamwavecut/wardbot/internal/errors"
	"github.com/iamwavecut/wardbot/internal/ledger"
)

type fakeCanceller struct {
	mu        sync.Mutex
	cancelled []int64
}

func (c *fakeCanceller) CancelForCase(ctx context.Context, chatID int64, kind db.CaseKind, caseID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, caseID)
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *fakeRecorder) Record(event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *fakeRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]string, 0, len(r.events))
	for _, event := range r.events {
		res = append(res, event.Kind)
	}
	return res
}

type fixture struct {
	service *Service
	ledger  *ledger.Ledger
	jobs    *fakeCanceller
	events  *fakeRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	client, err := sqlite.NewSQLiteClient(context.Background(), t.TempDir(), "test.db")
	if err != nil {
		t.Fatalf("new sqlite client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	caseLedger := ledger.New(client)
	jobs := &fakeCanceller{}
	events := &fakeRecorder{}
	return &fixture{
		service: NewService(client, caseLedger, jobs, events),
		ledger:  caseLedger,
		jobs:    jobs,
		events:  events,
	}
}

func jailUser(t *testing.T, f *fixture, chatID, userID int64) *db.CaseRecord {
	t.Helper()

	record, err := f.ledger.AddRecord(context.Background(), &db.CaseRecord{
		ChatID:   chatID,
		Kind:     db.CaseKindJail,
		UserID:   userID,
		IssuerID: 1,
		Reason:   "test",
	}, 24*time.Hour)
	if err != nil {
		t.Fatalf("jail user: %v", err)
	}
	return record
}

func TestOpenRequiresActiveCaseOwnedByAppellant(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	record := jailUser(t, f, 100, 42)

	if _, err := f.service.Open(ctx, 100, record.ID, 43); !errors.Is(err, werrors.ErrInvalidInput) {
		t.Fatalf("foreign case: expected ErrInvalidInput, got %v", err)
	}

	ticket, err := f.service.Open(ctx, 100, record.ID, 42)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if ticket.Token == "" || ticket.Status != db.AppealStatusOpen {
		t.Fatalf("unexpected ticket: %#v", ticket)
	}

	if _, err := f.service.Open(ctx, 100, record.ID, 42); !errors.Is(err, werrors.ErrConflict) {
		t.Fatalf("duplicate open: expected ErrConflict, got %v", err)
	}

	if _, err := f.ledger.CloseRecord(ctx, 100, db.CaseKindJail, record.ID, 1, "manual"); err != nil {
		t.Fatalf("close jail: %v", err)
	}
	other := jailUser(t, f, 100, 42)
	if _, err := f.ledger.CloseRecord(ctx, 100, db.CaseKindJail, other.ID, 1, "manual"); err != nil {
		t.Fatalf("close second jail: %v", err)
	}
	if _, err := f.service.Open(ctx, 100, other.ID, 42); !errors.Is(err, werrors.ErrInvalidTransition) {
		t.Fatalf("closed case: expected ErrInvalidTransition, got %v", err)
	}
}

func TestConcurrentAcceptAndDenyAdmitOneWinner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	record := jailUser(t, f, 100, 42)
	ticket, err := f.service.Open(ctx, 100, record.ID, 42)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.service.Accept(ctx, ticket.Token, 7)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.service.Deny(ctx, ticket.Token, 8)
	}()
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, werrors.ErrInvalidTransition):
		default:
			t.Fatalf("resolver %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	resolved, err := f.service.Get(ctx, ticket.Token)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if !resolved.Status.Terminal() {
		t.Fatalf("ticket must be terminal, got %s", resolved.Status)
	}

	jail, err := f.ledger.GetRecord(ctx, 100, db.CaseKindJail, record.ID)
	if err != nil {
		t.Fatalf("get jail: %v", err)
	}
	switch resolved.Status {
	case db.AppealStatusAccepted:
		if jail.Active {
			t.Fatalf("accepted appeal must close the jail case")
		}
		if len(f.jobs.cancelled) != 1 {
			t.Fatalf("accepted appeal must cancel the unjail job")
		}
	case db.AppealStatusDenied:
		if !jail.Active {
			t.Fatalf("denied appeal must leave the jail active")
		}
	}
}

func TestAcceptClosesCaseAndEmitsAudit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	record := jailUser(t, f, 100, 42)
	ticket, err := f.service.Open(ctx, 100, record.ID, 42)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	accepted, err := f.service.Accept(ctx, ticket.Token, 7)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != db.AppealStatusAccepted {
		t.Fatalf("expected accepted status, got %s", accepted.Status)
	}

	jail, err := f.ledger.GetRecord(ctx, 100, db.CaseKindJail, record.ID)
	if err != nil {
		t.Fatalf("get jail: %v", err)
	}
	if jail.Active || jail.CloseReason != "appeal accepted" {
		t.Fatalf("jail must be closed by the appeal: %#v", jail)
	}

	kinds := f.events.kinds()
	if len(kinds) != 2 || kinds[0] != "appeal_opened" || kinds[1] != "appeal_accepted" {
		t.Fatalf("unexpected audit sequence: %v", kinds)
	}
}

func TestReopenAfterDenialCreatesNewTicket(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	record := jailUser(t, f, 100, 42)
	first, err := f.service.Open(ctx, 100, record.ID, 42)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.service.Deny(ctx, first.Token, 7); err != nil {
		t.Fatalf("deny: %v", err)
	}

	second, err := f.service.Open(ctx, 100, record.ID, 42)
	if err != nil {
		t.Fatalf("reopen after denial: %v", err)
	}
	if second.ID == first.ID || second.Token == first.Token {
		t.Fatalf("reopen must mint a fresh ticket: first=%#v second=%#v", first, second)
	}
	if second.Status != db.AppealStatusOpen {
		t.Fatalf("expected open status, got %s", second.Status)
	}
}

func TestWithdrawForCaseIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	record := jailUser(t, f, 100, 42)
	ticket, err := f.service.Open(ctx, 100, record.ID, 42)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := f.service.WithdrawForCase(ctx, 100, record.ID); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// No open ticket left; a second call is a clean no-op.
	if err := f.service.WithdrawForCase(ctx, 100, record.ID); err != nil {
		t.Fatalf("second withdraw: %v", err)
	}

	got, err := f.service.Get(ctx, ticket.Token)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.Status != db.AppealStatusWithdrawn {
		t.Fatalf("expected withdrawn, got %s", got.Status)
	}
}

type corruptStore struct {
	mu          sync.Mutex
	tickets     []*db.AppealTicket
	quarantined []int64
}

func (s *corruptStore) CreateAppeal(ctx context.Context, ticket *db.AppealTicket) (*db.AppealTicket, error) {
	return nil, errors.New("not implemented")
}

func (s *corruptStore) GetAppealByToken(ctx context.Context, token string) (*db.AppealTicket, error) {
	return nil, db.ErrNotFound
}

func (s *corruptStore) GetOpenAppealForCase(ctx context.Context, chatID, jailCaseID int64) (*db.AppealTicket, error) {
	return nil, db.ErrNotFound
}

func (s *corruptStore) ResolveAppeal(ctx context.Context, ticketID int64, status db.AppealStatus, resolvedBy *int64) (bool, error) {
	return false, errors.New("not implemented")
}

func (s *corruptStore) ListOpenAppeals(ctx context.Context) ([]*db.AppealTicket, error) {
	return s.tickets, nil
}

func (s *corruptStore) QuarantineAppeals(ctx context.Context, ticketIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined = append(s.quarantined, ticketIDs...)
	return nil
}

type activeCaseLedger struct{}

func (activeCaseLedger) GetRecord(ctx context.Context, chatID int64, kind db.CaseKind, id int64) (*db.CaseRecord, error) {
	return &db.CaseRecord{ID: id, ChatID: chatID, Kind: kind, Active: true}, nil
}

func (activeCaseLedger) CloseRecord(ctx context.Context, chatID int64, kind db.CaseKind, id, closedBy int64, reason string) (bool, error) {
	return false, errors.New("not implemented")
}

func TestStartQuarantinesDuplicateOpenTickets(t *testing.T) {
	t.Parallel()

	store := &corruptStore{tickets: []*db.AppealTicket{
		{ID: 1, ChatID: 100, JailCaseID: 5, UserID: 42, Status: db.AppealStatusOpen},
		{ID: 2, ChatID: 100, JailCaseID: 5, UserID: 42, Status: db.AppealStatusOpen},
		{ID: 3, ChatID: 100, JailCaseID: 6, UserID: 43, Status: db.AppealStatusOpen},
	}}
	service := NewService(store, activeCaseLedger{}, &fakeCanceller{}, &fakeRecorder{})

	if err := service.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(store.quarantined) != 2 {
		t.Fatalf("expected the duplicate pair quarantined, got %v", store.quarantined)
	}
	for _, id := range store.quarantined {
		if id != 1 && id != 2 {
			t.Fatalf("healthy ticket quarantined: %v", store.quarantined)
		}
	}
}

func TestStartWithdrawsTicketsForClosedCases(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	record := jailUser(t, f, 100, 42)
	ticket, err := f.service.Open(ctx, 100, record.ID, 42)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Simulates an unjail that happened while the process was down.
	if _, err := f.ledger.CloseRecord(ctx, 100, db.CaseKindJail, record.ID, 1, "manual"); err != nil {
		t.Fatalf("close jail: %v", err)
	}

	if err := f.service.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	got, err := f.service.Get(ctx, ticket.Token)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.Status != db.AppealStatusWithdrawn {
		t.Fatalf("stale ticket must be withdrawn on start, got %s", got.Status)
	}
}
