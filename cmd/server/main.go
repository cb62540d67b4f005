package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/config"
	"github.com/suPer8Hu/persona-chat/internal/db"
	"github.com/suPer8Hu/persona-chat/internal/gateway"
	"github.com/suPer8Hu/persona-chat/internal/httpapi"
	"github.com/suPer8Hu/persona-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/persona-chat/internal/notify"
	"github.com/suPer8Hu/persona-chat/internal/presence"
	"github.com/suPer8Hu/persona-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/persona-chat/internal/store/redisstore"
	"github.com/suPer8Hu/persona-chat/internal/wallet"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err := db.Migrate(gdb); err != nil {
		slog.Error("migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 3*time.Second)
	redisOK := rds.Ping(pingCtx) == nil
	cancelPing()
	if !redisOK {
		slog.Warn("redis unreachable, cooldowns fall back to process memory", "addr", cfg.RedisAddr)
	}

	notifyRepo := notify.NewRepo(gdb)
	var publisher notify.Publisher
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		slog.Warn("rabbitmq unavailable, delivering notifications inline", "error", err)
	} else {
		defer pub.Close()
		publisher = pub
	}

	var cooldown notify.Cooldown
	if redisOK {
		cooldown = rds
	}
	dispatcher := notify.NewDispatcher(notifyRepo, cooldown, publisher, cfg.NotifyCooldown)
	if publisher == nil {
		dispatcher.DeliverInline(notify.NewProcessor(notifyRepo, notify.SinkFor(cfg.NotifyWebhookURL), notify.DefaultMaxAttempts))
	} else {
		dispatcher.StartRelay(ctx, time.Minute)
	}

	ledger := wallet.NewLedger(gdb)
	reg := presence.NewRegistry()
	svc := chat.NewService(chat.NewRepo(gdb), ledger, reg, dispatcher, chat.Options{
		BillingInterval: cfg.BillingInterval,
		UnattendedAfter: cfg.UnattendedAfter,
		TrackerIdle:     cfg.TrackerIdle,
	})
	var typing handlers.TypingReader
	if redisOK {
		svc.SetTypingStore(rds)
		typing = rds
	}
	svc.StartSweeper(ctx, cfg.SweepInterval)

	h := handlers.NewHandler(gdb, cfg, svc, ledger, typing)
	ws := gateway.NewHandler(svc, cfg.JWTSecret, cfg.WSAllowedOrigin)
	r := httpapi.NewRouter(cfg, h, ws)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.HTTPAddr, "billing_interval", svc.Metronome().Interval())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down", "live_sessions", reg.Sessions(), "billing_clocks", svc.Metronome().Active())

	// no session may be billed once shutdown starts
	svc.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
}
