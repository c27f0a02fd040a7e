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
	"github.com/iamwavecut/wardbot/internal/policy/authority"
)

type channelPurpose string

const (
	channelPurposeLog     channelPurpose = "log"
	channelPurposeAppeals channelPurpose = "appeals"
)

// safelistCommand is /safelist add|remove|list. Safelisted users are immune
// to every disciplinary action regardless of the actor's tier.
func (h *Moderation) safelistCommand(ctx context.Context, m *api.Message, chat *api.Chat, actor *api.User) error {
	args := strings.Fields(m.CommandArguments())
	verb := "list"
	if len(args) > 0 {
		verb = strings.ToLower(args[0])
		args = args[1:]
	}

	if err := h.authorize(ctx, chat.ID, actor, nil, authority.ActionSafelist); err != nil {
		return h.replyOutcome(ctx, m, err)
	}

	switch verb {
	case "list":
		entries, err := h.s.GetDB().ListSafelist(ctx, chat.ID)
		if err != nil {
			return errors.WithMessage(err, "cant list safelist")
		}
		if len(entries) == 0 {
			h.reply(ctx, m, "The safelist is empty.")
			return nil
		}
		var b strings.Builder
		b.WriteString("Safelisted:\n")
		for _, entry := range entries {
			fmt.Fprintf(&b, "%s %d, added %s\n", entry.Type, entry.TargetID, entry.AddedAt.Format("2006-01-02"))
		}
		h.reply(ctx, m, b.String())
		return nil

	case "add", "remove":
		target := h.safelistTarget(m, args)
		if target == 0 {
			h.reply(ctx, m, "Reply to the user's message or pass their numeric id.")
			return nil
		}
		if verb == "add" {
			err := h.s.GetDB().AddSafelistEntry(ctx, &db.SafelistEntry{
				ChatID:   chat.ID,
				Type:     db.SafelistTargetUser,
				TargetID: target,
				AddedBy:  actor.ID,
				AddedAt:  time.Now().UTC(),
			})
			if err != nil {
				return errors.WithMessage(err, "cant add safelist entry")
			}
			h.reply(ctx, m, fmt.Sprintf("Added user %d to the safelist.", target))
		} else {
			removed, err := h.s.GetDB().RemoveSafelistEntry(ctx, chat.ID, db.SafelistTargetUser, target)
			if err != nil {
				return errors.WithMessage(err, "cant remove safelist entry")
			}
			if !removed {
				h.reply(ctx, m, fmt.Sprintf("User %d is not safelisted.", target))
				return nil
			}
			h.reply(ctx, m, fmt.Sprintf("Removed user %d from the safelist.", target))
		}
		h.audit.Record(audit.Event{
			Kind:     "safelist_updated",
			ChatID:   chat.ID,
			ActorID:  actor.ID,
			TargetID: target,
			Reason:   verb,
			At:       time.Now().UTC(),
		})
		return nil
	}
	h.reply(ctx, m, "Usage: /safelist [add|remove|list] [user id]")
	return nil
}

func (h *Moderation) safelistTarget(m *api.Message, args []string) int64 {
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil {
		return m.ReplyToMessage.From.ID
	}
	if len(args) > 0 {
		if id, err := strconv.ParseInt(args[0], 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return 0
}

// staffCommand is /staff set|remove|list: explicit tier grants stored per
// chat, merged at resolve time with the actor's live Telegram admin standing.
func (h *Moderation) staffCommand(ctx context.Context, m *api.Message, chat *api.Chat, actor *api.User) error {
	args := strings.Fields(m.CommandArguments())
	verb := "list"
	if len(args) > 0 {
		verb = strings.ToLower(args[0])
		args = args[1:]
	}

	if err := h.authorize(ctx, chat.ID, actor, nil, authority.ActionConfigure); err != nil {
		return h.replyOutcome(ctx, m, err)
	}

	switch verb {
	case "list":
		grants, err := h.s.GetDB().ListStaffGrants(ctx, chat.ID)
		if err != nil {
			return errors.WithMessage(err, "cant list staff grants")
		}
		if len(grants) == 0 {
			h.reply(ctx, m, "No explicit staff grants; Telegram admins act as moderators.")
			return nil
		}
		var b strings.Builder
		b.WriteString("Staff grants:\n")
		for _, grant := range grants {
			fmt.Fprintf(&b, "user %d: %s\n", grant.UserID, tierName(grant.Tier))
		}
		h.reply(ctx, m, b.String())
		return nil

	case "set":
		if len(args) < 2 {
			h.reply(ctx, m, "Usage: /staff set <user id> <helper|moderator|admin>")
			return nil
		}
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || userID <= 0 {
			h.reply(ctx, m, "User ids are positive integers.")
			return nil
		}
		tier, ok := tierByName(args[1])
		if !ok {
			h.reply(ctx, m, "Tiers: helper, moderator, admin.")
			return nil
		}
		err = h.s.GetDB().SetStaffGrant(ctx, &db.StaffGrant{
			ChatID:    chat.ID,
			UserID:    userID,
			Tier:      tier,
			GrantedBy: actor.ID,
			GrantedAt: time.Now().UTC(),
		})
		if err != nil {
			return errors.WithMessage(err, "cant set staff grant")
		}
		h.reply(ctx, m, fmt.Sprintf("User %d is now %s.", userID, tierName(tier)))
		return nil

	case "remove":
		if len(args) < 1 {
			h.reply(ctx, m, "Usage: /staff remove <user id>")
			return nil
		}
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || userID <= 0 {
			h.reply(ctx, m, "User ids are positive integers.")
			return nil
		}
		removed, err := h.s.GetDB().RemoveStaffGrant(ctx, chat.ID, userID)
		if err != nil {
			return errors.WithMessage(err, "cant remove staff grant")
		}
		if !removed {
			h.reply(ctx, m, fmt.Sprintf("User %d has no explicit grant.", userID))
			return nil
		}
		h.reply(ctx, m, fmt.Sprintf("Removed staff grant for user %d.", userID))
		return nil
	}
	h.reply(ctx, m, "Usage: /staff [set|remove|list]")
	return nil
}

func tierName(tier int) string {
	switch tier {
	case authority.TierHelper:
		return "helper"
	case authority.TierModerator:
		return "moderator"
	case authority.TierAdmin:
		return "admin"
	}
	return "none"
}

func tierByName(name string) (int, bool) {
	switch strings.ToLower(name) {
	case "helper":
		return authority.TierHelper, true
	case "moderator", "mod":
		return authority.TierModerator, true
	case "admin":
		return authority.TierAdmin, true
	}
	return authority.TierNone, false
}

// setChannelCommand is /setlogchannel and /setappealschannel. With no
// argument the current chat becomes the channel; "off" clears it.
func (h *Moderation) setChannelCommand(ctx context.Context, m *api.Message, chat *api.Chat, actor *api.User, purpose channelPurpose) error {
	if err := h.authorize(ctx, chat.ID, actor, nil, authority.ActionConfigure); err != nil {
		return h.replyOutcome(ctx, m, err)
	}

	arg := strings.TrimSpace(m.CommandArguments())
	channelID := chat.ID
	switch {
	case arg == "off":
		channelID = 0
	case arg != "":
		parsed, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			h.reply(ctx, m, "Pass a numeric chat id, \"off\", or nothing to use this chat.")
			return nil
		}
		channelID = parsed
	}

	settings, err := h.s.GetSettings(ctx, chat.ID)
	if err != nil {
		return errors.WithMessage(err, "cant get settings")
	}
	switch purpose {
	case channelPurposeLog:
		settings.LogChannelID = channelID
	case channelPurposeAppeals:
		settings.AppealsChannelID = channelID
	}
	if err := h.s.SetSettings(ctx, settings); err != nil {
		return errors.WithMessage(err, "cant save settings")
	}

	if channelID == 0 {
		h.reply(ctx, m, fmt.Sprintf("The %s channel is now disabled.", purpose))
	} else {
		h.reply(ctx, m, fmt.Sprintf("The %s channel is now %d.", purpose, channelID))
	}
	return nil
}

// configCommand prints the effective moderation settings for the chat.
func (h *Moderation) configCommand(ctx context.Context, m *api.Message, chat *api.Chat, actor *api.User) error {
	if err := h.authorize(ctx, chat.ID, actor, nil, authority.ActionConfigure); err != nil {
		return h.replyOutcome(ctx, m, err)
	}

	settings, err := h.s.GetSettings(ctx, chat.ID)
	if err != nil {
		return errors.WithMessage(err, "cant get settings")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Moderation enabled: %t\n", settings.Enabled)
	fmt.Fprintf(&b, "Log channel: %s\n", channelLabel(settings.LogChannelID))
	fmt.Fprintf(&b, "Appeals channel: %s\n", channelLabel(settings.AppealsChannelID))
	fmt.Fprintf(&b, "Default mute: %s, jail: %s, strike TTL: %s",
		formatDuration(h.cfg.DefaultMuteDuration),
		formatDuration(h.cfg.DefaultJailDuration),
		formatDuration(h.cfg.DefaultStrikeTTL))
	h.reply(ctx, m, b.String())
	return nil
}

func channelLabel(id int64) string {
	if id == 0 {
		return "not set"
	}
	return strconv.FormatInt(id, 10)
}
