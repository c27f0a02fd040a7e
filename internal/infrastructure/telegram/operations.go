package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/iamwavecut/wardbot/internal/db"
)

// Operations provides the outbound platform side effects the engine needs:
// restriction grants and reversals, messages and DM notifications. Calls are
// idempotent from the engine's perspective.
type Operations struct {
	bot *api.BotAPI
}

func NewOperations(bot *api.BotAPI) *Operations {
	return &Operations{bot: bot}
}

var unrestricted = api.ChatPermissions{
	CanSendMessages:       true,
	CanSendAudios:         true,
	CanSendDocuments:      true,
	CanSendPhotos:         true,
	CanSendVideos:         true,
	CanSendVideoNotes:     true,
	CanSendVoiceNotes:     true,
	CanSendPolls:          true,
	CanSendOtherMessages:  true,
	CanAddWebPagePreviews: true,
}

// Mute blocks messaging for the user until the given time.
func (o *Operations) Mute(ctx context.Context, chatID, userID int64, until time.Time) error {
	return o.restrict(ctx, chatID, userID, until, &api.ChatPermissions{
		CanSendMessages:       false,
		CanSendOtherMessages:  false,
		CanAddWebPagePreviews: true,
	})
}

// Unmute lifts a mute by restoring default member permissions.
func (o *Operations) Unmute(ctx context.Context, chatID, userID int64) error {
	return o.restrict(ctx, chatID, userID, time.Time{}, &unrestricted)
}

// Jail removes every member capability until the given time.
func (o *Operations) Jail(ctx context.Context, chatID, userID int64, until time.Time) error {
	return o.restrict(ctx, chatID, userID, until, &api.ChatPermissions{})
}

// Unjail restores default member permissions.
func (o *Operations) Unjail(ctx context.Context, chatID, userID int64) error {
	return o.restrict(ctx, chatID, userID, time.Time{}, &unrestricted)
}

func (o *Operations) restrict(ctx context.Context, chatID, userID int64, until time.Time, permissions *api.ChatPermissions) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	config := api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		Permissions: permissions,
	}
	if !until.IsZero() {
		config.UntilDate = until.Unix()
	}
	if _, err := o.bot.Request(config); err != nil {
		if strings.Contains(err.Error(), "not enough rights") {
			return fmt.Errorf("not enough rights to restrict user %d: %w", userID, err)
		}
		return fmt.Errorf("failed to restrict user %d: %w", userID, err)
	}
	return nil
}

// Reverse undoes the platform side of a fired scheduled job. Strike expiry
// is ledger-only and needs no platform call.
func (o *Operations) Reverse(ctx context.Context, job *db.ScheduledJob, record *db.CaseRecord) error {
	switch job.Kind {
	case db.JobKindUnmute:
		return o.Unmute(ctx, job.ChatID, record.UserID)
	case db.JobKindUnjail:
		return o.Unjail(ctx, job.ChatID, record.UserID)
	case db.JobKindStrikeExpire:
		return nil
	}
	return fmt.Errorf("unknown job kind %q", job.Kind)
}

func (o *Operations) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	msg, err := o.bot.Send(api.NewMessage(chatID, text))
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return msg.MessageID, nil
}

func (o *Operations) SendMessageWithMarkup(ctx context.Context, chatID int64, text string, markup api.InlineKeyboardMarkup) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	config := api.NewMessage(chatID, text)
	config.ReplyMarkup = markup
	msg, err := o.bot.Send(config)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return msg.MessageID, nil
}

// EditMessage replaces a previously sent message's text and drops its inline
// keyboard, which is how resolved appeal prompts are retired.
func (o *Operations) EditMessage(ctx context.Context, chatID int64, messageID int, text string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, err := o.bot.Send(api.NewEditMessageText(chatID, messageID, text)); err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

// SendDM notifies a user privately. Fails when the user never started a
// private chat with the bot; callers treat that as best effort.
func (o *Operations) SendDM(ctx context.Context, userID int64, text string) error {
	_, err := o.SendMessage(ctx, userID, text)
	return err
}

func (o *Operations) AnswerCallback(ctx context.Context, callbackID, text string) {
	select {
	case <-ctx.Done():
		return
	default:
	}
	_, _ = o.bot.Request(api.NewCallback(callbackID, text))
}

func (o *Operations) GetChatMember(ctx context.Context, chatID, userID int64) (*api.ChatMember, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	member, err := o.bot.GetChatMember(api.GetChatMemberConfig{
		ChatConfigWithUser: api.ChatConfigWithUser{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chat member: %w", err)
	}
	return &member, nil
}
