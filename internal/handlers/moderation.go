package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/wardbot/internal/appeal"
	"github.com/iamwavecut/wardbot/internal/audit"
	"github.com/iamwavecut/wardbot/internal/bot"
	"github.com/iamwavecut/wardbot/internal/config"
	"github.com/iamwavecut/wardbot/internal/db"
	werrors "github.com/iamwavecut/wardbot/internal/errors"
	"github.com/iamwavecut/wardbot/internal/expiry"
	"github.com/iamwavecut/wardbot/internal/infrastructure/telegram"
	"github.com/iamwavecut/wardbot/internal/ledger"
	"github.com/iamwavecut/wardbot/internal/observability"
	"github.com/iamwavecut/wardbot/internal/policy/authority"
)

type recorder interface {
	Record(event audit.Event)
}

// Moderation handles the disciplinary command surface: warnings, notes,
// strikes, mutes, jails and their reversals, plus the authority and safelist
// configuration commands.
type Moderation struct {
	s       bot.Service
	ops     *telegram.Operations
	ledger  *ledger.Ledger
	engine  *expiry.Engine
	appeals *appeal.Service
	audit   recorder
	cfg     config.Moderation
}

func NewModeration(
	s bot.Service,
	ops *telegram.Operations,
	caseLedger *ledger.Ledger,
	engine *expiry.Engine,
	appeals *appeal.Service,
	audit recorder,
	cfg config.Moderation,
) *Moderation {
	return &Moderation{
		s:       s,
		ops:     ops,
		ledger:  caseLedger,
		engine:  engine,
		appeals: appeals,
		audit:   audit,
		cfg:     cfg,
	}
}

func (h *Moderation) getLogEntry() *log.Entry {
	return log.WithField("context", "moderation")
}

func (h *Moderation) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	if chat == nil || user == nil {
		return true, nil
	}
	switch {
	case
		u.Message == nil,
		user.IsBot,
		!u.Message.IsCommand():
		return true, nil
	}
	if chat.Type == "private" {
		return true, nil
	}
	m := u.Message

	settings, err := h.s.GetSettings(ctx, chat.ID)
	if err != nil {
		return true, errors.WithMessage(err, "cant get settings")
	}
	if settings != nil && !settings.Enabled {
		return true, nil
	}

	done := observability.StartActionProcessing()
	handled, err := h.handleCommand(ctx, m, chat, user)
	switch {
	case err != nil:
		done("error")
	case handled:
		done("ok")
	default:
		done("skipped")
	}
	return !handled, err
}

func (h *Moderation) handleCommand(ctx context.Context, m *api.Message, chat *api.Chat, user *api.User) (bool, error) {
	switch m.Command() {
	case "warn":
		return true, h.punitiveCommand(ctx, m, chat, user, db.CaseKindWarning, authority.ActionWarn)
	case "note":
		return true, h.punitiveCommand(ctx, m, chat, user, db.CaseKindNote, authority.ActionNote)
	case "strike":
		return true, h.punitiveCommand(ctx, m, chat, user, db.CaseKindStrike, authority.ActionStrike)
	case "mute":
		return true, h.punitiveCommand(ctx, m, chat, user, db.CaseKindMute, authority.ActionMute)
	case "jail":
		return true, h.punitiveCommand(ctx, m, chat, user, db.CaseKindJail, authority.ActionJail)
	case "unmute":
		return true, h.reversalCommand(ctx, m, chat, user, db.CaseKindMute, authority.ActionUnmute)
	case "unjail":
		return true, h.reversalCommand(ctx, m, chat, user, db.CaseKindJail, authority.ActionUnjail)
	case "checkjail":
		return true, h.checkJailCommand(ctx, m, chat, user)
	case "warns", "warnlist":
		return true, h.listCommand(ctx, m, chat, user, db.CaseKindWarning)
	case "notes", "notelist":
		return true, h.listCommand(ctx, m, chat, user, db.CaseKindNote)
	case "strikes", "strikelist":
		return true, h.listCommand(ctx, m, chat, user, db.CaseKindStrike)
	case "removewarn":
		return true, h.removeCommand(ctx, m, chat, user, db.CaseKindWarning)
	case "removenote":
		return true, h.removeCommand(ctx, m, chat, user, db.CaseKindNote)
	case "removestrike":
		return true, h.removeCommand(ctx, m, chat, user, db.CaseKindStrike)
	case "clearwarns":
		return true, h.clearCommand(ctx, m, chat, user, db.CaseKindWarning)
	case "clearnotes":
		return true, h.clearCommand(ctx, m, chat, user, db.CaseKindNote)
	case "whois":
		return true, h.whoisCommand(ctx, m, chat, user)
	case "safelist":
		return true, h.safelistCommand(ctx, m, chat, user)
	case "staff":
		return true, h.staffCommand(ctx, m, chat, user)
	case "setlogchannel":
		return true, h.setChannelCommand(ctx, m, chat, user, channelPurposeLog)
	case "setappealschannel":
		return true, h.setChannelCommand(ctx, m, chat, user, channelPurposeAppeals)
	case "wardconfig":
		return true, h.configCommand(ctx, m, chat, user)
	}
	return false, nil
}

// authorize re-resolves the authority decision from a fresh snapshot right
// before each mutating operation; grants are never cached inside a request.
func (h *Moderation) authorize(ctx context.Context, chatID int64, actor, target *api.User, action authority.Action) error {
	snapshot, err := buildSnapshot(ctx, h.s.GetDB(), chatID)
	if err != nil {
		return errors.WithMessage(err, "cant build authority snapshot")
	}
	boostFromChatMember(ctx, h.ops, chatID, actor.ID, &snapshot)

	targetID := int64(0)
	if target != nil {
		targetID = target.ID
	}
	decision := authority.Resolve(
		authority.Subject{ID: actor.ID},
		authority.Subject{ID: targetID},
		action,
		snapshot,
	)
	if !decision.Allowed {
		return errors.WithMessage(werrors.ErrDeniedByPolicy, decision.Reason)
	}
	return nil
}

func (h *Moderation) reply(ctx context.Context, m *api.Message, text string) {
	msg := api.NewMessage(m.Chat.ID, text)
	msg.ReplyParameters.MessageID = m.MessageID
	msg.ReplyParameters.ChatID = m.Chat.ID
	msg.ReplyParameters.AllowSendingWithoutReply = true
	if m.Chat.IsForum {
		msg.MessageThreadID = m.MessageThreadID
	}
	if _, err := h.s.GetBot().Send(msg); err != nil {
		h.getLogEntry().WithError(err).Error("cant send reply")
	}
}

// replyOutcome maps engine errors onto user-facing messages following the
// error taxonomy: denials and conflicts verbatim, terminal-state races as a
// benign "already resolved".
func (h *Moderation) replyOutcome(ctx context.Context, m *api.Message, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, werrors.ErrDeniedByPolicy):
		h.reply(ctx, m, fmt.Sprintf("Denied: %s.", denyReason(err)))
		return nil
	case errors.Is(err, werrors.ErrConflict):
		h.reply(ctx, m, "There is already an active record of this kind. Remove it first.")
		return nil
	case errors.Is(err, werrors.ErrInvalidTransition):
		h.reply(ctx, m, "Already handled.")
		return nil
	case errors.Is(err, werrors.ErrNotFound), errors.Is(err, db.ErrNotFound):
		h.reply(ctx, m, "No such record.")
		return nil
	case errors.Is(err, werrors.ErrInvalidInput):
		h.reply(ctx, m, "Cannot do that: "+errors.Cause(err).Error()+".")
		return nil
	}
	return err
}

func denyReason(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, ":"); idx > 0 {
		return msg[:idx]
	}
	return msg
}

// resolveTarget finds the command target: the replied-to message author, or
// a numeric user id as the first argument.
func resolveTarget(m *api.Message) (*api.User, []string) {
	args := strings.Fields(m.CommandArguments())
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil {
		return m.ReplyToMessage.From, args
	}
	if len(args) > 0 {
		if id, err := strconv.ParseInt(args[0], 10, 64); err == nil && id > 0 {
			return &api.User{ID: id}, args[1:]
		}
	}
	return nil, args
}
