package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YishaiYosifov/chess2-sub006/internal/challenge"
	appcfg "github.com/YishaiYosifov/chess2-sub006/internal/config"
	"github.com/YishaiYosifov/chess2-sub006/internal/entity"
	"github.com/YishaiYosifov/chess2-sub006/internal/gamestart"
	"github.com/YishaiYosifov/chess2-sub006/internal/gateway"
	"github.com/YishaiYosifov/chess2-sub006/internal/inbox"
	"github.com/YishaiYosifov/chess2-sub006/internal/mm"
	"github.com/YishaiYosifov/chess2-sub006/internal/msgcat"
	"github.com/YishaiYosifov/chess2-sub006/internal/notify"
	"github.com/YishaiYosifov/chess2-sub006/internal/obslog"
	"github.com/YishaiYosifov/chess2-sub006/internal/quest"
	"github.com/YishaiYosifov/chess2-sub006/internal/rematch"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatalf("redis ping error: %v", err)
	}

	catalog, err := msgcat.New(cfg.MsgTemplateDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	rt := entity.New(rdb, entity.Options{IdleTTL: cfg.EntityIdleTTL})
	notifier := notify.NewPublisher(rdb, catalog)

	games := gamestart.NewManager(rdb)
	if cfg.DatabaseURL != "" {
		repo, err := gamestart.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("match repository error: %v", err)
		}
		defer func() { _ = repo.Close() }()
		games.AttachRepository(repo)
	}

	ib := inbox.NewService(rt)
	challenges := challenge.NewService(rt, ib, games, notifier, cfg.ChallengeTTL)
	rematches := rematch.NewService(rt, games, games, notifier, cfg.RematchTTL)
	matchmake := mm.NewService(rt, games, notifier, mm.Options{
		WavePeriod:         cfg.WavePeriod,
		DefaultRatingRange: cfg.DefaultRatingRange,
	})
	quests := quest.NewService(rt, notifier)

	rt.Start()
	defer rt.Stop()

	api := gateway.NewServer(challenges, rematches, matchmake, ib, quests, games)
	push := gateway.NewPushServer(rdb, challenges, games)

	errCh := make(chan error, 2)
	go func() { errCh <- api.ListenAndServe(cfg.ListenAddr) }()
	go func() { errCh <- push.ListenAndServe(cfg.WSListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		obslog.L().Info("shutdown_signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			obslog.L().Error("server_error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(); err != nil {
		obslog.L().Warn("gateway_shutdown_error", zap.Error(err))
	}
	if err := push.Shutdown(shutdownCtx); err != nil {
		obslog.L().Warn("push_shutdown_error", zap.Error(err))
	}
	_ = rdb.Close()
}
