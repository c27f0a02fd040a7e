package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/wardbot/internal/appeal"
	"github.com/iamwavecut/wardbot/internal/audit"
	"github.com/iamwavecut/wardbot/internal/bot"
	"github.com/iamwavecut/wardbot/internal/config"
	"github.com/iamwavecut/wardbot/internal/db/sqlite"
	"github.com/iamwavecut/wardbot/internal/expiry"
	"github.com/iamwavecut/wardbot/internal/handlers"
	"github.com/iamwavecut/wardbot/internal/infra"
	"github.com/iamwavecut/wardbot/internal/infrastructure/telegram"
	"github.com/iamwavecut/wardbot/internal/ledger"
	"github.com/iamwavecut/wardbot/internal/lifecycle"
	"github.com/iamwavecut/wardbot/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatalln("cant load config")
	}
	log.SetFormatter(&config.WbFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.Level(cfg.LogLevel))

	infra.GoRecoverable(-1, "main", func() {
		ctx, cancelFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancelFunc()

		if err := observability.Init(ctx, cfg.MetricsListenAddr); err != nil {
			log.WithError(err).Errorln("cant initialize observability")
		}

		botAPI, err := api.NewBotAPI(cfg.TelegramAPIToken)
		if err != nil {
			log.WithError(err).Errorln("cant initialize bot api")
			time.Sleep(1 * time.Second)
			log.Fatalln("exiting")
		}
		if log.Level(cfg.LogLevel) == log.TraceLevel {
			botAPI.Debug = true
		}
		defer botAPI.StopReceivingUpdates()

		dbClient, err := sqlite.NewSQLiteClient(ctx, infra.GetWorkDir(), "wardbot.db")
		if err != nil {
			log.WithError(err).Fatalln("cant initialize database")
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				log.WithError(err).Errorln("cant close database")
			}
		}()

		service := bot.NewService(botAPI, dbClient)
		ops := telegram.NewOperations(botAPI)
		caseLedger := ledger.New(dbClient)

		emitter := audit.NewEmitter(
			telegram.NewLogSink(ops, service, cfg.Moderation.LogChannelID),
			cfg.Moderation.RetryMaxAttempts,
			cfg.Moderation.RetryBaseDelay,
		)
		engine := expiry.NewEngine(dbClient, caseLedger, ops, cfg.Moderation.RetryMaxAttempts, cfg.Moderation.RetryBaseDelay)
		engine.SetNotifier(handlers.NewExpiryNotifier(ops, emitter))
		appeals := appeal.NewService(dbClient, caseLedger, engine, emitter)

		rt := lifecycle.NewRuntime(emitter, engine, appeals)
		if err := rt.Start(ctx); err != nil {
			log.WithError(err).Fatalln("cant start components")
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			if err := rt.Stop(stopCtx); err != nil {
				log.WithError(err).Errorln("cant stop components")
			}
		}()

		bot.RegisterUpdateHandler("moderation", handlers.NewModeration(service, ops, caseLedger, engine, appeals, emitter, cfg.Moderation))
		bot.RegisterUpdateHandler("appeals", handlers.NewAppeals(service, ops, appeals, caseLedger, cfg.Moderation))

		updateConfig := api.NewUpdate(0)
		updateConfig.Timeout = 60
		updateProcessor := bot.NewUpdateProcessor(service)

		updateChan, errorChan := bot.GetUpdatesChans(botAPI, updateConfig)

		for {
			select {
			case err := <-errorChan:
				log.WithError(err).Fatalln("bot api get updates error")
			case update := <-updateChan:
				if err := updateProcessor.Process(ctx, &update); err != nil {
					log.WithError(err).Errorln("cant process update")
				}
			case <-ctx.Done():
				log.Infoln("no more updates")
				return
			}
		}
	})

	select {
	case <-infra.MonitorExecutable(context.Background()):
		log.Errorln("executable file was modified")
	}
	os.Exit(0)
}
