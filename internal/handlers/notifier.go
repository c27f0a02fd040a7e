package handlers

import (
	"context"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/wardbot/internal/audit"
	"github.com/iamwavecut/wardbot/internal/db"
	"github.com/iamwavecut/wardbot/internal/infrastructure/telegram"
	"github.com/iamwavecut/wardbot/internal/templates"
)

// ExpiryNotifier fans an expired record out to the audit trail and, for
// lifted restrictions, to the affected user's DMs.
type ExpiryNotifier struct {
	ops   *telegram.Operations
	audit recorder
}

func NewExpiryNotifier(ops *telegram.Operations, audit recorder) *ExpiryNotifier {
	return &ExpiryNotifier{ops: ops, audit: audit}
}

func (n *ExpiryNotifier) CaseExpired(record *db.CaseRecord) {
	n.audit.Record(audit.Event{
		Kind:     "case_expired",
		ChatID:   record.ChatID,
		TargetID: record.UserID,
		CaseKind: record.Kind,
		CaseID:   record.ID,
		At:       time.Now().UTC(),
	})

	if !record.Kind.Exclusive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := n.ops.SendDM(ctx, record.UserID, templates.Render("dm_reversal", map[string]any{
		"kind": string(record.Kind),
		"chat": strconv.FormatInt(record.ChatID, 10),
	}))
	if err != nil {
		log.WithField("context", "notifier").WithError(err).Debug("cant DM expiry notice")
	}
}
