package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"

	"github.com/iamwavecut/wardbot/internal/audit"
	"github.com/iamwavecut/wardbot/internal/db"
	"github.com/iamwavecut/wardbot/internal/observability"
	"github.com/iamwavecut/wardbot/internal/policy/authority"
)

// listCommand is /warns, /notes and /strikes: active records of one kind for
// the target, newest first.
func (h *Moderation) listCommand(ctx context.Context, m *api.Message, chat *api.Chat, actor *api.User, kind db.CaseKind) error {
	target, _ := resolveTarget(m)
	if target == nil {
		target = actor
	}
	if err := h.authorize(ctx, chat.ID, actor, target, authority.ActionInspect); err != nil {
		return h.replyOutcome(ctx, m, err)
	}

	records, err := h.ledger.ListActive(ctx, chat.ID, target.ID, kind)
	if err != nil {
		return errors.WithMessage(err, "cant list records")
	}
	if len(records) == 0 {
		h.reply(ctx, m, fmt.Sprintf("No active %s records for %s.", kind, mentionUser(target)))
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Active %s records for %s:\n", kind, mentionUser(target))
	for _, record := range records {
		writeRecordLine(&b, record)
	}
	h.reply(ctx, m, b.String())
	return nil
}

func writeRecordLine(b *strings.Builder, record *db.CaseRecord) {
	fmt.Fprintf(b, "#%d, %s", record.ID, record.CreatedAt.Format("2006-01-02 15:04"))
	if record.ExpiresAt != nil {
		fmt.Fprintf(b, ", expires %s", record.ExpiresAt.Format("2006-01-02 15:04"))
	}
	if record.Reason != "" {
		fmt.Fprintf(b, ": %s", record.Reason)
	}
	b.WriteByte('\n')
}

// removeCommand is /removewarn, /removenote and /removestrike. It takes a
// record number and closes it, beating a concurrent expiry if one is racing.
func (h *Moderation) removeCommand(ctx context.Context, m *api.Message, chat *api.Chat, actor *api.User, kind db.CaseKind) error {
	args := strings.Fields(m.CommandArguments())
	if len(args) == 0 {
		h.reply(ctx, m, fmt.Sprintf("Usage: /remove%s <number> [reason]", strings.TrimSuffix(string(kind), "ing")))
		return nil
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		h.reply(ctx, m, "Record numbers are positive integers.")
		return nil
	}
	reason := strings.Join(args[1:], " ")
	if reason == "" {
		reason = "removed by staff"
	}

	record, err := h.ledger.GetRecord(ctx, chat.ID, kind, id)
	if err != nil {
		return h.replyOutcome(ctx, m, err)
	}
	if err := h.authorize(ctx, chat.ID, actor, &api.User{ID: record.UserID}, authority.ActionClear); err != nil {
		return h.replyOutcome(ctx, m, err)
	}

	closed, err := h.ledger.CloseRecord(ctx, chat.ID, kind, id, actor.ID, reason)
	if err != nil {
		return h.replyOutcome(ctx, m, err)
	}
	if !closed {
		h.reply(ctx, m, fmt.Sprintf("%s #%d is already closed.", kind, id))
		return nil
	}
	if kind.Temporal() {
		if err := h.engine.CancelForCase(ctx, chat.ID, kind, id); err != nil {
			h.getLogEntry().WithError(err).WithField("case_id", id).Error("cant cancel expiry job")
		}
	}

	observability.RecordAction(string(kind), "removed")
	h.audit.Record(audit.Event{
		Kind:     "case_closed",
		ChatID:   chat.ID,
		ActorID:  actor.ID,
		TargetID: record.UserID,
		CaseKind: kind,
		CaseID:   id,
		Reason:   reason,
		At:       time.Now().UTC(),
	})
	h.reply(ctx, m, fmt.Sprintf("Removed %s #%d.", kind, id))
	return nil
}

// clearCommand is /clearwarns and /clearnotes: closes every active record of
// the kind for the target in one pass.
func (h *Moderation) clearCommand(ctx context.Context, m *api.Message, chat *api.Chat, actor *api.User, kind db.CaseKind) error {
	target, args := resolveTarget(m)
	if target == nil {
		h.reply(ctx, m, "Reply to the user's message or pass their numeric id.")
		return nil
	}
	reason := strings.Join(args, " ")
	if reason == "" {
		reason = "cleared by staff"
	}

	if err := h.authorize(ctx, chat.ID, actor, target, authority.ActionClear); err != nil {
		return h.replyOutcome(ctx, m, err)
	}

	count, err := h.ledger.ClearAll(ctx, chat.ID, target.ID, kind, actor.ID, reason)
	if err != nil {
		return errors.WithMessage(err, "cant clear records")
	}
	if count == 0 {
		h.reply(ctx, m, fmt.Sprintf("No active %s records for %s.", kind, mentionUser(target)))
		return nil
	}

	observability.RecordAction(string(kind), "cleared")
	h.audit.Record(audit.Event{
		Kind:     "cases_cleared",
		ChatID:   chat.ID,
		ActorID:  actor.ID,
		TargetID: target.ID,
		CaseKind: kind,
		Reason:   reason,
		At:       time.Now().UTC(),
	})
	h.reply(ctx, m, fmt.Sprintf("Cleared %d %s record(s) for %s.", count, kind, mentionUser(target)))
	return nil
}

// whoisCommand prints the target's full disciplinary history, open and
// closed, grouped chronologically.
func (h *Moderation) whoisCommand(ctx context.Context, m *api.Message, chat *api.Chat, actor *api.User) error {
	target, _ := resolveTarget(m)
	if target == nil {
		target = actor
	}
	if err := h.authorize(ctx, chat.ID, actor, target, authority.ActionInspect); err != nil {
		return h.replyOutcome(ctx, m, err)
	}

	records, err := h.ledger.ListHistory(ctx, chat.ID, target.ID)
	if err != nil {
		return errors.WithMessage(err, "cant list history")
	}
	if len(records) == 0 {
		h.reply(ctx, m, fmt.Sprintf("Clean record for %s.", mentionUser(target)))
		return nil
	}

	active := 0
	var b strings.Builder
	fmt.Fprintf(&b, "History for %s (%d record(s)):\n", mentionUser(target), len(records))
	for _, record := range records {
		state := "closed"
		if record.Active {
			state = "active"
			active++
		}
		fmt.Fprintf(&b, "%s #%d [%s], %s", record.Kind, record.ID, state, record.CreatedAt.Format("2006-01-02"))
		if record.Reason != "" {
			fmt.Fprintf(&b, ": %s", record.Reason)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%d active.", active)
	h.reply(ctx, m, b.String())
	return nil
}

// checkJailCommand reports the target's jail status and any open appeal.
func (h *Moderation) checkJailCommand(ctx context.Context, m *api.Message, chat *api.Chat, actor *api.User) error {
	target, _ := resolveTarget(m)
	if target == nil {
		target = actor
	}
	if err := h.authorize(ctx, chat.ID, actor, target, authority.ActionInspect); err != nil {
		return h.replyOutcome(ctx, m, err)
	}

	record, err := h.ledger.ActiveRecord(ctx, chat.ID, target.ID, db.CaseKindJail)
	if err != nil {
		return errors.WithMessage(err, "cant look up jail record")
	}
	if record == nil {
		h.reply(ctx, m, fmt.Sprintf("%s is not jailed.", mentionUser(target)))
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s is jailed (case #%d)", mentionUser(target), record.ID)
	if record.ExpiresAt != nil {
		fmt.Fprintf(&b, ", releases %s", record.ExpiresAt.Format("2006-01-02 15:04"))
	}
	if record.Reason != "" {
		fmt.Fprintf(&b, ". Reason: %s", record.Reason)
	}

	ticket, err := h.appeals.OpenTicketForCase(ctx, chat.ID, record.ID)
	if err != nil {
		return errors.WithMessage(err, "cant look up appeal")
	}
	if ticket != nil {
		fmt.Fprintf(&b, "\nAppeal #%d is pending review.", ticket.ID)
	}
	h.reply(ctx, m, b.String())
	return nil
}
