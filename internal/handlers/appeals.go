package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/wardbot/internal/appeal"
	"github.com/iamwavecut/wardbot/internal/bot"
	"github.com/iamwavecut/wardbot/internal/config"
	"github.com/iamwavecut/wardbot/internal/db"
	werrors "github.com/iamwavecut/wardbot/internal/errors"
	"github.com/iamwavecut/wardbot/internal/infrastructure/telegram"
	"github.com/iamwavecut/wardbot/internal/ledger"
	"github.com/iamwavecut/wardbot/internal/policy/authority"
	"github.com/iamwavecut/wardbot/internal/templates"
)

const callbackPrefix = "appeal"

// Appeals drives the appeal ticket flow over inline keyboards: the jailed
// user opens and withdraws from their private chat with the bot, staff accept
// or deny from the appeals channel prompt.
type Appeals struct {
	s       bot.Service
	ops     *telegram.Operations
	appeals *appeal.Service
	ledger  *ledger.Ledger
	cfg     config.Moderation
}

func NewAppeals(s bot.Service, ops *telegram.Operations, appeals *appeal.Service, caseLedger *ledger.Ledger, cfg config.Moderation) *Appeals {
	return &Appeals{
		s:       s,
		ops:     ops,
		appeals: appeals,
		ledger:  caseLedger,
		cfg:     cfg,
	}
}

func (h *Appeals) getLogEntry() *log.Entry {
	return log.WithField("context", "appeals")
}

func (h *Appeals) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	cq := u.CallbackQuery
	if cq == nil || user == nil || !strings.HasPrefix(cq.Data, callbackPrefix+":") {
		return true, nil
	}

	parts := strings.Split(cq.Data, ":")
	var err error
	switch parts[1] {
	case "open":
		err = h.handleOpen(ctx, cq, user, parts[2:])
	case "accept":
		err = h.handleResolve(ctx, cq, user, parts[2:], db.AppealStatusAccepted)
	case "deny":
		err = h.handleResolve(ctx, cq, user, parts[2:], db.AppealStatusDenied)
	case "withdraw":
		err = h.handleWithdraw(ctx, cq, user, parts[2:])
	default:
		h.ops.AnswerCallback(ctx, cq.ID, "Unknown action.")
	}
	return false, err
}

func (h *Appeals) handleOpen(ctx context.Context, cq *api.CallbackQuery, user *api.User, args []string) error {
	if len(args) != 2 {
		h.ops.AnswerCallback(ctx, cq.ID, "Malformed appeal reference.")
		return nil
	}
	chatID, err1 := strconv.ParseInt(args[0], 10, 64)
	caseID, err2 := strconv.ParseInt(args[1], 10, 64)
	if err1 != nil || err2 != nil {
		h.ops.AnswerCallback(ctx, cq.ID, "Malformed appeal reference.")
		return nil
	}

	ticket, err := h.appeals.Open(ctx, chatID, caseID, user.ID)
	switch {
	case errors.Is(err, werrors.ErrConflict):
		h.ops.AnswerCallback(ctx, cq.ID, "You already have a pending appeal for this jail.")
		return nil
	case errors.Is(err, werrors.ErrInvalidInput):
		h.ops.AnswerCallback(ctx, cq.ID, "Only the jailed user can appeal.")
		return nil
	case errors.Is(err, db.ErrNotFound), errors.Is(err, werrors.ErrInvalidTransition):
		h.ops.AnswerCallback(ctx, cq.ID, "This jail is no longer active.")
		return nil
	case err != nil:
		h.ops.AnswerCallback(ctx, cq.ID, "Something went wrong, try again later.")
		return errors.WithMessage(err, "cant open appeal")
	}

	h.postReviewPrompt(ctx, ticket, user)
	h.ops.AnswerCallback(ctx, cq.ID, "Appeal submitted.")

	markup := api.NewInlineKeyboardMarkup(api.NewInlineKeyboardRow(
		api.NewInlineKeyboardButtonData("Withdraw appeal", callbackData("withdraw", ticket.Token)),
	))
	if _, err := h.ops.SendMessageWithMarkup(ctx, user.ID,
		fmt.Sprintf("Your appeal #%d is pending review.", ticket.ID), markup); err != nil {
		h.getLogEntry().WithError(err).Debug("cant DM appeal confirmation")
	}
	return nil
}

// postReviewPrompt puts the Accept/Deny keyboard in front of staff, in the
// chat's appeals channel when configured, otherwise the global one.
func (h *Appeals) postReviewPrompt(ctx context.Context, ticket *db.AppealTicket, user *api.User) {
	channelID := h.cfg.AppealsChannelID
	if settings, err := h.s.GetSettings(ctx, ticket.ChatID); err == nil && settings.AppealsChannelID != 0 {
		channelID = settings.AppealsChannelID
	}
	if channelID == 0 {
		h.getLogEntry().WithField("ticket_id", ticket.ID).Warn("no appeals channel configured, ticket awaits /checkjail review")
		return
	}

	record, err := h.ledger.GetRecord(ctx, ticket.ChatID, db.CaseKindJail, ticket.JailCaseID)
	reason := ""
	if err == nil {
		reason = record.Reason
	}

	text := fmt.Sprintf("Appeal #%d by %s against jail #%d in chat %d.",
		ticket.ID, mentionUser(user), ticket.JailCaseID, ticket.ChatID)
	if reason != "" {
		text += "\nJail reason: " + reason
	}
	markup := api.NewInlineKeyboardMarkup(api.NewInlineKeyboardRow(
		api.NewInlineKeyboardButtonData("Accept", callbackData("accept", ticket.Token)),
		api.NewInlineKeyboardButtonData("Deny", callbackData("deny", ticket.Token)),
	))
	if _, err := h.ops.SendMessageWithMarkup(ctx, channelID, text, markup); err != nil {
		h.getLogEntry().WithError(err).WithField("ticket_id", ticket.ID).Error("cant post review prompt")
	}
}

func (h *Appeals) handleResolve(ctx context.Context, cq *api.CallbackQuery, actor *api.User, args []string, status db.AppealStatus) error {
	if len(args) != 1 {
		h.ops.AnswerCallback(ctx, cq.ID, "Malformed appeal reference.")
		return nil
	}
	token := args[0]

	ticket, err := h.appeals.Get(ctx, token)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.ops.AnswerCallback(ctx, cq.ID, "Unknown appeal.")
			return nil
		}
		return errors.WithMessage(err, "cant load appeal")
	}

	if err := h.authorizeReview(ctx, ticket, actor); err != nil {
		if errors.Is(err, werrors.ErrDeniedByPolicy) {
			h.ops.AnswerCallback(ctx, cq.ID, "You are not allowed to review appeals.")
			return nil
		}
		return err
	}

	if status == db.AppealStatusAccepted {
		ticket, err = h.appeals.Accept(ctx, token, actor.ID)
	} else {
		ticket, err = h.appeals.Deny(ctx, token, actor.ID)
	}
	switch {
	case errors.Is(err, werrors.ErrInvalidTransition):
		h.ops.AnswerCallback(ctx, cq.ID, "Already resolved by another reviewer.")
		return nil
	case errors.Is(err, werrors.ErrCorruptState):
		h.ops.AnswerCallback(ctx, cq.ID, "This appeal is quarantined, contact an admin.")
		return nil
	case err != nil:
		h.ops.AnswerCallback(ctx, cq.ID, "Something went wrong, try again later.")
		return errors.WithMessage(err, "cant resolve appeal")
	}

	verdict := "denied"
	if status == db.AppealStatusAccepted {
		verdict = "accepted"
		if err := h.ops.Unjail(ctx, ticket.ChatID, ticket.UserID); err != nil {
			h.getLogEntry().WithError(err).WithField("ticket_id", ticket.ID).Error("cant lift jail restriction")
		}
		if err := h.ops.SendDM(ctx, ticket.UserID, templates.Render("dm_reversal", map[string]any{
			"kind": string(db.CaseKindJail),
			"chat": strconv.FormatInt(ticket.ChatID, 10),
		})); err != nil {
			h.getLogEntry().WithError(err).Debug("cant DM appeal verdict")
		}
	} else {
		if err := h.ops.SendDM(ctx, ticket.UserID,
			fmt.Sprintf("Your appeal #%d was denied.", ticket.ID)); err != nil {
			h.getLogEntry().WithError(err).Debug("cant DM appeal verdict")
		}
	}

	h.ops.AnswerCallback(ctx, cq.ID, "Appeal "+verdict+".")
	h.retirePrompt(ctx, cq, fmt.Sprintf("Appeal #%d %s by %s at %s.",
		ticket.ID, verdict, mentionUser(actor), time.Now().UTC().Format("2006-01-02 15:04")))
	return nil
}

func (h *Appeals) handleWithdraw(ctx context.Context, cq *api.CallbackQuery, user *api.User, args []string) error {
	if len(args) != 1 {
		h.ops.AnswerCallback(ctx, cq.ID, "Malformed appeal reference.")
		return nil
	}
	token := args[0]

	ticket, err := h.appeals.Get(ctx, token)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.ops.AnswerCallback(ctx, cq.ID, "Unknown appeal.")
			return nil
		}
		return errors.WithMessage(err, "cant load appeal")
	}
	if ticket.UserID != user.ID {
		h.ops.AnswerCallback(ctx, cq.ID, "Only the appellant can withdraw.")
		return nil
	}

	err = h.appeals.Withdraw(ctx, token)
	switch {
	case errors.Is(err, werrors.ErrInvalidTransition):
		h.ops.AnswerCallback(ctx, cq.ID, "This appeal is already resolved.")
		return nil
	case err != nil:
		h.ops.AnswerCallback(ctx, cq.ID, "Something went wrong, try again later.")
		return errors.WithMessage(err, "cant withdraw appeal")
	}

	h.ops.AnswerCallback(ctx, cq.ID, "Appeal withdrawn.")
	h.retirePrompt(ctx, cq, fmt.Sprintf("Appeal #%d withdrawn.", ticket.ID))
	return nil
}

func (h *Appeals) retirePrompt(ctx context.Context, cq *api.CallbackQuery, text string) {
	if cq.Message == nil {
		return
	}
	if err := h.ops.EditMessage(ctx, cq.Message.Chat.ID, cq.Message.MessageID, text); err != nil {
		h.getLogEntry().WithError(err).Debug("cant retire prompt message")
	}
}

func (h *Appeals) authorizeReview(ctx context.Context, ticket *db.AppealTicket, actor *api.User) error {
	snapshot, err := buildSnapshot(ctx, h.s.GetDB(), ticket.ChatID)
	if err != nil {
		return errors.WithMessage(err, "cant build authority snapshot")
	}
	boostFromChatMember(ctx, h.ops, ticket.ChatID, actor.ID, &snapshot)

	decision := authority.Resolve(
		authority.Subject{ID: actor.ID},
		authority.Subject{ID: ticket.UserID},
		authority.ActionReview,
		snapshot,
	)
	if !decision.Allowed {
		return errors.WithMessage(werrors.ErrDeniedByPolicy, decision.Reason)
	}
	return nil
}

func callbackData(verb string, parts ...string) string {
	return strings.Join(append([]string{callbackPrefix, verb}, parts...), ":")
}

// announceAppealPath hands the freshly jailed user a private "Appeal" button
// bound to the jail case.
func (h *Moderation) announceAppealPath(ctx context.Context, chat *api.Chat, target *api.User, record *db.CaseRecord) {
	markup := api.NewInlineKeyboardMarkup(api.NewInlineKeyboardRow(
		api.NewInlineKeyboardButtonData("Appeal this jail",
			callbackData("open", strconv.FormatInt(chat.ID, 10), strconv.FormatInt(record.ID, 10))),
	))
	text := fmt.Sprintf("You were jailed in %s (case #%d). You can appeal once while the jail is active.", chat.Title, record.ID)
	if _, err := h.ops.SendMessageWithMarkup(ctx, target.ID, text, markup); err != nil {
		h.getLogEntry().WithError(err).Debug("cant DM appeal button")
	}
}
