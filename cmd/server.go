package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/courtsched/internal/api"
	"github.com/example/courtsched/internal/booking"
	"github.com/example/courtsched/internal/config"
	"github.com/example/courtsched/internal/db"
	"github.com/example/courtsched/internal/executor"
	"github.com/example/courtsched/internal/migrate"
	"github.com/example/courtsched/internal/notify"
	"github.com/example/courtsched/internal/pool"
	"github.com/example/courtsched/internal/queue"
	"github.com/example/courtsched/internal/recovery"
	"github.com/example/courtsched/internal/scheduler"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the API + scheduler + worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return fmt.Errorf("invalid TIMEZONE: %w", err)
			}

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			slog.SetDefault(log)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}
			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			repo := queue.NewRepo(d, loc, cfg.BookingWindow, cfg.Courts)

			client := booking.New(cfg.BookingBaseURL, booking.Credentials{APIKey: cfg.BookingAPIKey})
			p, err := pool.New(ctx, cfg.Courts, booking.NewSessionFactory(client), log)
			if err != nil {
				return err
			}
			go p.RunMaintenance(ctx, pool.MaintenanceConfig{
				Interval: cfg.RefreshInterval,
				Stagger:  cfg.RefreshStagger,
			})

			rec := recovery.NewService(p, cfg.CriticalWait, log)

			exec := executor.New(booking.NewStrategy(client), executor.Budgets{
				Readiness:    cfg.ReadinessTimeout,
				Interaction:  cfg.InteractTimeout,
				Confirmation: cfg.ConfirmTimeout,
				RetrySpacing: cfg.RetrySpacing,
				AttemptCap:   cfg.AttemptCap,
			})

			notifier, err := buildNotifier(cfg, log)
			if err != nil {
				return err
			}

			s := &scheduler.Scheduler{
				Queue:        repo,
				Pool:         p,
				Exec:         exec,
				Recovery:     rec,
				Notifier:     notifier,
				Interval:     cfg.PollInterval,
				Lead:         cfg.Lead,
				BatchTimeout: cfg.BatchTimeout,
				Log:          log.With("component", "scheduler"),
			}
			go func() { _ = s.Run(ctx) }()

			srv := &api.Server{
				Queue:    repo,
				Pool:     p,
				Recovery: rec,
				IsAdmin:  cfg.IsAdmin,
				Log:      log.With("component", "api"),
			}
			return srv.Start(ctx, cfg.ListenAddr)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}

// buildNotifier assembles the outbound chain: PubNub publisher when keys are
// configured (log sink otherwise), wrapped in the idempotency ledger (Redis
// when available, in-memory otherwise).
func buildNotifier(cfg config.Config, log *slog.Logger) (notify.Notifier, error) {
	var sink notify.Notifier
	if cfg.PubNubPubKey != "" {
		pn, err := notify.NewPubNub(notify.PubNubConfig{
			PublishKey:   cfg.PubNubPubKey,
			SubscribeKey: cfg.PubNubSubKey,
			SecretKey:    cfg.PubNubSecretKey,
			UserID:       cfg.PubNubUserID,
		})
		if err != nil {
			return nil, err
		}
		sink = pn
	} else {
		sink = &notify.LogNotifier{Log: log}
	}

	var ledger notify.Ledger
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ledger = notify.NewRedisLedger(rdb)
	} else {
		ledger = notify.NewMemoryLedger()
	}
	return notify.NewDedup(sink, ledger, log), nil
}
