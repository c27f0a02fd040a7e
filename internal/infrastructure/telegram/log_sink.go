package telegram

import (
	"context"
	"fmt"

	"github.com/iamwavecut/wardbot/internal/audit"
	"github.com/iamwavecut/wardbot/internal/db"
	"github.com/iamwavecut/wardbot/internal/templates"
)

type settingsProvider interface {
	GetSettings(ctx context.Context, chatID int64) (*db.Settings, error)
}

// LogSink posts rendered audit events to the chat's moderation log channel.
// Implements audit.Sink.
type LogSink struct {
	ops              *Operations
	settings         settingsProvider
	defaultChannelID int64
}

func NewLogSink(ops *Operations, settings settingsProvider, defaultChannelID int64) *LogSink {
	return &LogSink{
		ops:              ops,
		settings:         settings,
		defaultChannelID: defaultChannelID,
	}
}

func (s *LogSink) Deliver(ctx context.Context, event audit.Event) error {
	channelID := s.defaultChannelID
	if settings, err := s.settings.GetSettings(ctx, event.ChatID); err == nil && settings != nil && settings.LogChannelID != 0 {
		channelID = settings.LogChannelID
	}
	if channelID == 0 {
		// No destination configured; nothing to deliver.
		return nil
	}

	_, err := s.ops.SendMessage(ctx, channelID, renderEvent(event))
	return err
}

func renderEvent(event audit.Event) string {
	data := map[string]any{
		"kind":      string(event.CaseKind),
		"case_id":   event.CaseID,
		"ticket_id": event.TicketID,
		"actor":     mention(event.ActorID),
		"target":    mention(event.TargetID),
		"reason":    event.Reason,
	}
	return templates.Render(event.Kind, data)
}

func mention(userID int64) string {
	if userID == 0 {
		return "system"
	}
	return fmt.Sprintf("user %d", userID)
}
