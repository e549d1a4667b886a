package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/storyforge/points-api/internal/config"
	"github.com/storyforge/points-api/internal/domain/points"
	"github.com/storyforge/points-api/internal/pkg/database"
	"github.com/storyforge/points-api/internal/pkg/lock"
	"github.com/storyforge/points-api/internal/pkg/logger"
)

const (
	dailyLockKey = "points:sweeper:daily"
	dailyLockTTL = 10 * time.Minute
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().Msg("Starting points sweeper")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	repo := points.NewPostgresRepository(db)
	svc := points.NewService(repo, points.Config{
		FreeQuotaPerModule: cfg.FreeQuotaPerModule,
		OneClickPoints:     cfg.OneClickPoints,
		ChatPoints:         cfg.ChatPoints,
		AutoTopupThreshold: cfg.AutoTopupThreshold,
		CarryoverRate:      cfg.CarryoverRate,
		DefaultExpireDays:  cfg.DefaultExpireDays,
		SweepBatchSize:     cfg.SweepBatchSize,
		ExpiringSoonWindow: cfg.ExpiringSoonWindow,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := repo.SeedCatalog(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed catalog")
	}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// Catch up immediately on start, then run at the configured hour.
	runDailyPass(ctx, svc, rdb)

	for {
		next := nextRunAt(time.Now(), cfg.SweepHour)
		log.Info().Time("next_run", next).Msg("Sweeper sleeping until next pass")

		select {
		case <-ctx.Done():
			log.Info().Msg("Sweeper stopped")
			return
		case <-time.After(time.Until(next)):
			runDailyPass(ctx, svc, rdb)
		}
	}
}

// runDailyPass executes one maintenance cycle under a distributed lease so
// only one replica does the work. Every step is idempotent, so a crashed
// pass is simply redone by the next holder.
func runDailyPass(ctx context.Context, svc *points.Service, rdb *redis.Client) {
	l, err := lock.Acquire(ctx, rdb, dailyLockKey, dailyLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			log.Info().Msg("Another sweeper holds the daily lock, skipping")
			return
		}
		log.Error().Err(err).Msg("Failed to acquire daily lock")
		return
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to release daily lock")
		}
	}()

	now := time.Now()

	swept, err := svc.Sweep(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("Expiry sweep failed")
		return
	}

	granted, err := svc.GrantMonthlyPoints(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("Monthly grant pass failed")
		return
	}

	notices, err := svc.ExpirationNotices(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("Expiration notice pass failed")
		return
	}

	log.Info().
		Int("swept", swept).
		Int("granted", granted).
		Int("notices", len(notices)).
		Dur("took", time.Since(now)).
		Msg("Daily pass done")
}

// nextRunAt returns the next occurrence of hour o'clock local time after now.
func nextRunAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
