package bot

import (
	"context"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/iamwavecut/wardbot/internal/db"
)

type service struct {
	bot *api.BotAPI
	db  db.Client
}

func NewService(bot *api.BotAPI, db db.Client) *service {
	return &service{
		bot: bot,
		db:  db,
	}
}

func (s *service) GetBot() *api.BotAPI {
	return s.bot
}

func (s *service) GetDB() db.Client {
	return s.db
}

// GetSettings returns the chat's settings, creating defaults on first touch.
func (s *service) GetSettings(ctx context.Context, chatID int64) (*db.Settings, error) {
	settings, err := s.db.GetSettings(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		settings = db.DefaultSettings(chatID)
		if err := s.db.SetSettings(ctx, settings); err != nil {
			return nil, err
		}
	}
	return settings, nil
}

func (s *service) SetSettings(ctx context.Context, settings *db.Settings) error {
	return s.db.SetSettings(ctx, settings)
}
