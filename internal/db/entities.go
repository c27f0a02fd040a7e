package db

import (
	"time"
)

type CaseKind string

const (
	CaseKindWarning CaseKind = "warning"
	CaseKindNote    CaseKind = "note"
	CaseKindStrike  CaseKind = "strike"
	CaseKindMute    CaseKind = "mute"
	CaseKindJail    CaseKind = "jail"
)

// Temporal returns true for kinds whose active records carry an expiry and a
// scheduled reversal.
func (k CaseKind) Temporal() bool {
	switch k {
	case CaseKindMute, CaseKindJail, CaseKindStrike:
		return true
	}
	return false
}

// Exclusive returns true for kinds that allow at most one active record per
// user at a time.
func (k CaseKind) Exclusive() bool {
	return k == CaseKindMute || k == CaseKindJail
}

type CaseRecord struct {
	// ID is assigned from a per (chat, kind) monotonic counter and is never
	// reused, so closed records stay addressable from command history.
	ID          int64      `db:"id"`
	ChatID      int64      `db:"chat_id"`
	Kind        CaseKind   `db:"kind"`
	UserID      int64      `db:"user_id"`
	IssuerID    int64      `db:"issuer_id"`
	Reason      string     `db:"reason"`
	CreatedAt   time.Time  `db:"created_at"`
	ExpiresAt   *time.Time `db:"expires_at"`
	Active      bool       `db:"active"`
	ClosedBy    *int64     `db:"closed_by"`
	CloseReason string     `db:"close_reason"`
	ClosedAt    *time.Time `db:"closed_at"`
}

type JobKind string

const (
	JobKindUnmute       JobKind = "unmute"
	JobKindUnjail       JobKind = "unjail"
	JobKindStrikeExpire JobKind = "strike_expire"
)

type ScheduledJob struct {
	ID       int64     `db:"id"`
	ChatID   int64     `db:"chat_id"`
	CaseKind CaseKind  `db:"case_kind"`
	CaseID   int64     `db:"case_id"`
	Kind     JobKind   `db:"kind"`
	FireAt   time.Time `db:"fire_at"`
	Attempts int       `db:"attempts"`
	// CloseCommitted marks that the ledger close already happened for this
	// job and only the external reversal is still owed. Persisted so a
	// restart mid-retry does not re-run the close decision.
	CloseCommitted bool `db:"close_committed"`
}

type AppealStatus string

const (
	AppealStatusOpen      AppealStatus = "open"
	AppealStatusAccepted  AppealStatus = "accepted"
	AppealStatusDenied    AppealStatus = "denied"
	AppealStatusWithdrawn AppealStatus = "withdrawn"
)

func (s AppealStatus) Terminal() bool {
	return s != AppealStatusOpen
}

type AppealTicket struct {
	ID          int64        `db:"id"`
	ChatID      int64        `db:"chat_id"`
	JailCaseID  int64        `db:"jail_case_id"`
	UserID      int64        `db:"user_id"`
	Token       string       `db:"token"`
	Status      AppealStatus `db:"status"`
	OpenedAt    time.Time    `db:"opened_at"`
	ResolvedAt  *time.Time   `db:"resolved_at"`
	ResolvedBy  *int64       `db:"resolved_by"`
	Quarantined bool         `db:"quarantined"`
}

const (
	SafelistTargetUser = "user"
	SafelistTargetRole = "role"
)

type SafelistEntry struct {
	ChatID   int64     `db:"chat_id"`
	Type     string    `db:"type"`
	TargetID int64     `db:"target_id"`
	AddedBy  int64     `db:"added_by"`
	AddedAt  time.Time `db:"added_at"`
}

type StaffGrant struct {
	ChatID    int64     `db:"chat_id"`
	UserID    int64     `db:"user_id"`
	Tier      int       `db:"tier"`
	GrantedBy int64     `db:"granted_by"`
	GrantedAt time.Time `db:"granted_at"`
}

type Settings struct {
	ID               int64 `db:"id"`
	Enabled          bool  `db:"enabled"`
	LogChannelID     int64 `db:"log_channel_id"`
	AppealsChannelID int64 `db:"appeals_channel_id"`
}

func DefaultSettings(chatID int64) *Settings {
	return &Settings{
		ID:      chatID,
		Enabled: true,
	}
}
