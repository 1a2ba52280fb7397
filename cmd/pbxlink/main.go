package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"pbxlink/internal/auth"
	"pbxlink/internal/config"
	"pbxlink/internal/endpoints"
	"pbxlink/internal/events"
	"pbxlink/internal/journal"
	"pbxlink/internal/relay"
	"pbxlink/internal/session"
	"pbxlink/internal/statusapi"
	"pbxlink/internal/transport"
	"pbxlink/pkg/logger"
	"pbxlink/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		slog.Error("pbxlink failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	tr, err := transport.New(transport.Options{
		Timeout:            cfg.PBX.RequestTimeout,
		InsecureSkipVerify: cfg.PBX.InsecureTLS,
		Logger:             log,
	})
	if err != nil {
		return fmt.Errorf("transport init: %w", err)
	}

	// A lost subscription or lease ends the process; the supervisor restarts it.
	fatal := make(chan error, 2)
	report := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	ctrl := session.New(session.Config{
		Host: endpoints.Host{
			PrivateAddress: cfg.PBX.PrivateAddr,
			PublicAddress:  cfg.PBX.PublicAddr,
		},
		Credentials:     auth.Credentials{Login: cfg.PBX.Login, Password: cfg.PBX.Password},
		ApplicationName: cfg.PBX.AppName,
		APIVersion:      cfg.PBX.APIVersion,
		Scheme:          cfg.PBX.Scheme,
		PollTimeout:     cfg.PBX.PollTimeout,
		OnSubscriptionLost: func(err error) {
			log.Error("event subscription lost", "err", err)
			report(err)
		},
	}, tr, log)

	recorder := events.NewRecorder(opts.recorded)
	sinks := events.Chain{recorder}

	var journalSvc *journal.Service
	if cfg.JournalEnabled() {
		db, err := utils.OpenPostgres(rootCtx, utils.PostgresConfig{DSN: cfg.PostgresDSN()})
		if err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
		defer db.Close()

		journalSvc, err = openJournal(rootCtx, db, cfg.PBX.Login)
		if err != nil {
			return err
		}
		journalSvc.SubscriptionID = ctrl.SubscriptionID
		sinks = append(sinks, journalSvc)
	}

	var lease *relay.Lease
	if cfg.RelayEnabled() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			return fmt.Errorf("redis init: %w", err)
		}
		defer rdb.Close()

		pub, lse, err := openRelay(rdb, cfg, opts, log)
		if err != nil {
			return err
		}
		lse.OnLost = func(err error) {
			log.Error("subscription lease lost", "err", err)
			report(err)
		}
		sinks = append(sinks, pub)
		lease = lse
	}

	sub, err := opts.subscription(sinks)
	if err != nil {
		return err
	}

	if err := ctrl.Open(rootCtx); err != nil {
		return err
	}
	defer closeSession(ctrl, lease, log)

	if sub != nil {
		// Only one process per login may poll; the others stay idle until restarted.
		if lease != nil {
			if err := lease.Hold(rootCtx); err != nil {
				return fmt.Errorf("subscription lease %s: %w", lease.Key(), err)
			}
		}
		if err := ctrl.ListenEvents(rootCtx, sub); err != nil {
			return err
		}
	}

	h := statusapi.Handlers{Session: ctrl, Events: recorder}
	if journalSvc != nil {
		h.Journal = journalSvc
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("status api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			report(err)
		}
	}()

	var runErr error
	select {
	case <-rootCtx.Done():
		log.Info("shutdown initiated")
	case runErr = <-fatal:
		log.Info("shutdown initiated", "cause", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	return runErr
}

func openJournal(ctx context.Context, db *sql.DB, source string) (*journal.Service, error) {
	repo, err := journal.NewPostgresRepo(db)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("journal migrate: %w", err)
	}
	return journal.NewService(repo, source), nil
}

func openRelay(rdb *redis.Client, cfg config.Config, opts options, log *slog.Logger) (*relay.Publisher, *relay.Lease, error) {
	pub, err := relay.NewPublisher(rdb, cfg.Redis.ChannelPrefix, cfg.PBX.Login)
	if err != nil {
		return nil, nil, err
	}
	lease, err := relay.NewLease(rdb, relay.LeaseKey(cfg.Redis.ChannelPrefix, cfg.PBX.Login), opts.leaseTTL, log)
	if err != nil {
		return nil, nil, err
	}
	return pub, lease, nil
}

// closeSession tears the session down before giving up the lease, so a
// standby never subscribes while this process still polls.
func closeSession(ctrl *session.Controller, lease *relay.Lease, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ctrl.Close(ctx); err != nil {
		log.Error("session close failed", "err", err)
	}
	if lease != nil {
		if err := lease.Release(ctx); err != nil {
			log.Warn("lease release failed", "err", err)
		}
	}
}
