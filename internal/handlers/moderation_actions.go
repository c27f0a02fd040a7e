package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"

	"github.com/iamwavecut/wardbot/internal/audit"
	"github.com/iamwavecut/wardbot/internal/db"
	"github.com/iamwavecut/wardbot/internal/observability"
	"github.com/iamwavecut/wardbot/internal/policy/authority"
	"github.com/iamwavecut/wardbot/internal/templates"
)

func (h *Moderation) defaultTTL(kind db.CaseKind) time.Duration {
	switch kind {
	case db.CaseKindMute:
		return h.cfg.DefaultMuteDuration
	case db.CaseKindJail:
		return h.cfg.DefaultJailDuration
	case db.CaseKindStrike:
		return h.cfg.DefaultStrikeTTL
	}
	return 0
}

func jobKindFor(kind db.CaseKind) db.JobKind {
	switch kind {
	case db.CaseKindMute:
		return db.JobKindUnmute
	case db.CaseKindJail:
		return db.JobKindUnjail
	}
	return db.JobKindStrikeExpire
}

// punitiveCommand is the shared path for /warn, /note, /strike, /mute and
// /jail: resolve target, authorize, write the ledger record, then apply the
// platform restriction and arm the expiry job for temporal kinds.
func (h *Moderation) punitiveCommand(ctx context.Context, m *api.Message, chat *api.Chat, actor *api.User, kind db.CaseKind, action authority.Action) error {
	target, args := resolveTarget(m)
	if target == nil {
		h.reply(ctx, m, "Reply to the user's message or pass their numeric id.")
		return nil
	}
	if target.IsBot {
		h.reply(ctx, m, "Bots are not subject to moderation records.")
		return nil
	}

	ttl := h.defaultTTL(kind)
	if kind.Temporal() && len(args) > 0 && looksLikeDuration(args[0]) {
		parsed, err := parseDuration(args[0])
		if err != nil {
			return h.replyOutcome(ctx, m, err)
		}
		ttl = parsed
		args = args[1:]
	}
	reason := strings.Join(args, " ")

	if err := h.authorize(ctx, chat.ID, actor, target, action); err != nil {
		observability.RecordAction(string(kind), "denied")
		return h.replyOutcome(ctx, m, err)
	}

	record, err := h.ledger.AddRecord(ctx, &db.CaseRecord{
		ChatID:   chat.ID,
		Kind:     kind,
		UserID:   target.ID,
		IssuerID: actor.ID,
		Reason:   reason,
	}, ttlFor(kind, ttl))
	if err != nil {
		observability.RecordAction(string(kind), "error")
		return h.replyOutcome(ctx, m, err)
	}

	if err := h.applyRestriction(ctx, record); err != nil {
		// Roll the record back so the ledger never claims a restriction the
		// platform refused to place.
		if _, rbErr := h.ledger.CloseRecord(ctx, chat.ID, kind, record.ID, 0, "restriction failed"); rbErr != nil {
			h.getLogEntry().WithError(rbErr).Error("cant roll back record after failed restriction")
		}
		observability.RecordAction(string(kind), "error")
		h.reply(ctx, m, "Could not restrict the user: "+err.Error())
		return nil
	}

	if kind.Temporal() && record.ExpiresAt != nil {
		_, err = h.engine.Schedule(ctx, &db.ScheduledJob{
			ChatID:   chat.ID,
			CaseKind: kind,
			CaseID:   record.ID,
			Kind:     jobKindFor(kind),
			FireAt:   *record.ExpiresAt,
		})
		if err != nil {
			h.getLogEntry().WithError(err).WithField("case_id", record.ID).Error("cant schedule expiry")
		}
	}

	observability.RecordAction(string(kind), "issued")
	h.audit.Record(audit.Event{
		Kind:     "case_issued",
		ChatID:   chat.ID,
		ActorID:  actor.ID,
		TargetID: target.ID,
		CaseKind: kind,
		CaseID:   record.ID,
		Reason:   reason,
		At:       record.CreatedAt,
	})
	h.notifyTarget(ctx, chat, record)

	confirmation := fmt.Sprintf("Issued %s #%d to %s.", kind, record.ID, mentionUser(target))
	if record.ExpiresAt != nil {
		confirmation = fmt.Sprintf("Issued %s #%d to %s, expires in %s.",
			kind, record.ID, mentionUser(target), formatDuration(time.Until(*record.ExpiresAt).Round(time.Minute)))
	}
	h.reply(ctx, m, confirmation)

	if kind == db.CaseKindJail {
		h.announceAppealPath(ctx, chat, target, record)
	}
	return nil
}

// ttlFor guards against non-temporal kinds being given a duration.
func ttlFor(kind db.CaseKind, ttl time.Duration) time.Duration {
	if !kind.Temporal() {
		return 0
	}
	return ttl
}

func (h *Moderation) applyRestriction(ctx context.Context, record *db.CaseRecord) error {
	until := time.Time{}
	if record.ExpiresAt != nil {
		until = *record.ExpiresAt
	}
	switch record.Kind {
	case db.CaseKindMute:
		return h.ops.Mute(ctx, record.ChatID, record.UserID, until)
	case db.CaseKindJail:
		return h.ops.Jail(ctx, record.ChatID, record.UserID, until)
	}
	return nil
}

// reversalCommand is /unmute and /unjail: close the record, cancel its
// pending expiry job, lift the restriction and withdraw any open appeal.
func (h *Moderation) reversalCommand(ctx context.Context, m *api.Message, chat *api.Chat, actor *api.User, kind db.CaseKind, action authority.Action) error {
	target, args := resolveTarget(m)
	if target == nil {
		h.reply(ctx, m, "Reply to the user's message or pass their numeric id.")
		return nil
	}
	reason := strings.Join(args, " ")
	if reason == "" {
		reason = "lifted by staff"
	}

	if err := h.authorize(ctx, chat.ID, actor, target, action); err != nil {
		return h.replyOutcome(ctx, m, err)
	}

	record, err := h.ledger.ActiveRecord(ctx, chat.ID, target.ID, kind)
	if err != nil {
		return errors.WithMessage(err, "cant look up active record")
	}
	if record == nil {
		h.reply(ctx, m, fmt.Sprintf("No active %s for %s.", kind, mentionUser(target)))
		return nil
	}

	closed, err := h.ledger.CloseRecord(ctx, chat.ID, kind, record.ID, actor.ID, reason)
	if err != nil {
		return h.replyOutcome(ctx, m, err)
	}
	if !closed {
		// Lost the race against expiry or another moderator; nothing left to do.
		h.reply(ctx, m, "Already lifted.")
		return nil
	}

	if err := h.engine.CancelForCase(ctx, chat.ID, kind, record.ID); err != nil {
		h.getLogEntry().WithError(err).WithField("case_id", record.ID).Error("cant cancel expiry job")
	}
	if kind == db.CaseKindJail {
		if err := h.appeals.WithdrawForCase(ctx, chat.ID, record.ID); err != nil {
			h.getLogEntry().WithError(err).WithField("case_id", record.ID).Error("cant withdraw appeal")
		}
	}

	var liftErr error
	switch kind {
	case db.CaseKindMute:
		liftErr = h.ops.Unmute(ctx, chat.ID, target.ID)
	case db.CaseKindJail:
		liftErr = h.ops.Unjail(ctx, chat.ID, target.ID)
	}
	if liftErr != nil {
		h.getLogEntry().WithError(liftErr).WithField("case_id", record.ID).Error("cant lift restriction")
		h.reply(ctx, m, "Record closed, but lifting the restriction failed: "+liftErr.Error())
	} else {
		h.reply(ctx, m, fmt.Sprintf("Lifted %s #%d for %s.", kind, record.ID, mentionUser(target)))
	}

	observability.RecordAction(string(kind), "reversed")
	h.audit.Record(audit.Event{
		Kind:     "case_closed",
		ChatID:   chat.ID,
		ActorID:  actor.ID,
		TargetID: target.ID,
		CaseKind: kind,
		CaseID:   record.ID,
		Reason:   reason,
		At:       time.Now().UTC(),
	})
	if err := h.ops.SendDM(ctx, target.ID, templates.Render("dm_reversal", map[string]any{
		"kind": string(kind),
		"chat": chat.Title,
	})); err != nil {
		h.getLogEntry().WithError(err).Debug("cant DM reversal notice")
	}
	return nil
}

func (h *Moderation) notifyTarget(ctx context.Context, chat *api.Chat, record *db.CaseRecord) {
	data := map[string]any{
		"kind":   string(record.Kind),
		"chat":   chat.Title,
		"reason": record.Reason,
	}
	if record.ExpiresAt != nil {
		data["duration"] = formatDuration(record.ExpiresAt.Sub(record.CreatedAt))
	}
	if err := h.ops.SendDM(ctx, record.UserID, templates.Render("dm_action", data)); err != nil {
		h.getLogEntry().WithError(err).Debug("cant DM action notice")
	}
}

func mentionUser(user *api.User) string {
	if user.UserName != "" {
		return "@" + user.UserName
	}
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = fmt.Sprintf("user %d", user.ID)
	}
	return name
}
