package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
)

type (
	Config struct {
		TelegramAPIToken  string   `env:"TOKEN,required"`
		EnabledHandlers   []string `env:"HANDLERS,default=moderation,appeals"`
		LogLevel          int      `env:"LOG_LEVEL,default=2"`
		DotPath           string   `env:"DOT_PATH,default=~/.wardbot"`
		MetricsListenAddr string   `env:"METRICS_ADDR,default=:2112"`
		Moderation        Moderation
	}

	Moderation struct {
		LogChannelID     int64 `env:"MOD_LOG_CHANNEL_ID"`
		AppealsChannelID int64 `env:"MOD_APPEALS_CHANNEL_ID"`

		DefaultMuteDuration time.Duration `env:"MOD_DEFAULT_MUTE_DURATION,default=10m"`
		DefaultJailDuration time.Duration `env:"MOD_DEFAULT_JAIL_DURATION,default=24h"`
		DefaultStrikeTTL    time.Duration `env:"MOD_DEFAULT_STRIKE_TTL,default=720h"`

		RetryMaxAttempts int           `env:"MOD_RETRY_MAX_ATTEMPTS,default=3"`
		RetryBaseDelay   time.Duration `env:"MOD_RETRY_BASE_DELAY,default=300ms"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

func Load() (Config, error) {
	once.Do(func() {
		cfg := &Config{}
		envcfg := envconfig.Config{
			Lookuper: envconfig.PrefixLookuper("WARD_", envconfig.OsLookuper()),
			Target:   cfg,
		}
		if err := envconfig.ProcessWith(context.Background(), &envcfg); err != nil {
			globalErr = fmt.Errorf("process env config: %w", err)
			return
		}
		home, err := os.UserHomeDir()
		if err != nil {
			globalErr = fmt.Errorf("get user home directory: %w", err)
			return
		}
		cfg.DotPath = strings.Replace(cfg.DotPath, "~", home, 1)
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}
