// Command server starts the dialer HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpserver "github.com/fairyhunter13/campaign-dialer/internal/adapter/httpserver"
	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
	asynqadp "github.com/fairyhunter13/campaign-dialer/internal/adapter/queue/asynq"
	"github.com/fairyhunter13/campaign-dialer/internal/adapter/queue/events"
	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
	"github.com/fairyhunter13/campaign-dialer/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/campaign-dialer/internal/adapter/telephony/exotel"
	"github.com/fairyhunter13/campaign-dialer/internal/app"
	"github.com/fairyhunter13/campaign-dialer/internal/config"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
	"github.com/fairyhunter13/campaign-dialer/internal/service/breaker"
	"github.com/fairyhunter13/campaign-dialer/internal/service/coldstart"
	"github.com/fairyhunter13/campaign-dialer/internal/service/dialer"
	"github.com/fairyhunter13/campaign-dialer/internal/service/lease"
	"github.com/fairyhunter13/campaign-dialer/internal/service/outcall"
	"github.com/fairyhunter13/campaign-dialer/internal/service/promoter"
	"github.com/fairyhunter13/campaign-dialer/internal/service/reservation"
	"github.com/fairyhunter13/campaign-dialer/internal/service/retrymgr"
	"github.com/fairyhunter13/campaign-dialer/internal/service/scheduler"
	"github.com/fairyhunter13/campaign-dialer/internal/service/waitlist"
	"github.com/fairyhunter13/campaign-dialer/internal/usecase"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seed-admin" {
		runSeedAdmin(os.Args[2:])
		return
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DocstoreURI)
	if err != nil {
		slog.Error("docstore connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("docstore migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	rdb, err := rediskv.NewClient(ctx, cfg.KVURL)
	if err != nil {
		slog.Error("kv connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	// Repositories
	campaignRepo := postgres.NewCampaignRepo(pool)
	contactRepo := postgres.NewContactRepo(pool)
	callLogRepo := postgres.NewCallLogRepo(pool)
	scheduledRepo := postgres.NewScheduledCallRepo(pool)
	retryRepo := postgres.NewRetryAttemptRepo(pool)
	userRepo := postgres.NewUserRepo(pool)

	// Concurrency engine services
	leases := lease.NewRegistry(rdb, lease.Config{
		PreDialTTL:    cfg.PreDialLeaseTTL,
		PreDialJitter: cfg.PreDialLeaseJitter,
		PreDialMax:    cfg.PreDialLeaseMax,
		ActiveTTL:     cfg.ActiveLeaseTTL,
		ActiveJitter:  cfg.ActiveLeaseJitter,
	})
	ledger := reservation.NewLedger(rdb)
	wl := waitlist.New(rdb, cfg.WaitlistMarkerTTL, cfg.WaitlistSeenTTL)
	brk := breaker.New(rdb, cfg.BreakerFailureThreshold, cfg.BreakerWindow, cfg.BreakerOpenTTL)
	guard := coldstart.New(rdb, leases, callLogRepo, cfg.ColdStartBlocking, cfg.ColdStartGrace, cfg.ColdStartDoneTTL)

	runner, err := asynqadp.NewRunner(cfg.KVURL, cfg.QueueRetryAttempts)
	if err != nil {
		slog.Error("runner init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = runner.Close() }()

	telephony := buildTelephony(cfg)

	var publisher domain.CallEventPublisher
	if cfg.CallEventsEnabled() {
		producer, err := events.NewProducer(cfg.KafkaBrokers, cfg.CallEventsTopic)
		if err != nil {
			slog.Error("call-event producer init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = producer.Close() }()
		publisher = producer
	}

	rm, err := retrymgr.New(retryRepo, contactRepo, wl, runner, retrymgr.Config{
		RespectWindow: cfg.RespectOffPeakWindow,
		WindowStart:   mustClock(cfg.OffPeakWindowStart),
		WindowEnd:     mustClock(cfg.OffPeakWindowEnd),
		Timezone:      cfg.DefaultTimezone,
	})
	if err != nil {
		slog.Error("retry manager init failed", slog.Any("error", err))
		os.Exit(1)
	}

	statusURL := fmt.Sprintf("%s/exotel/webhook/status", cfg.FrontendURL)
	engine := dialer.NewEngine(leases, ledger, wl, brk, guard, telephony,
		contactRepo, campaignRepo, callLogRepo, retryRepo, rm, publisher, runner,
		dialer.Config{
			GateMaxAge:    cfg.PromotionMaxAge,
			RenewInterval: cfg.LeaseRenewInterval,
			RenewMaxLife:  cfg.PreDialLeaseMax,
			DispatchRate:  cfg.DispatchRatePerSec,
			StatusURL:     statusURL,
		})

	outCall := outcall.New(telephony, callLogRepo, leases, brk, outcall.Config{StatusURL: statusURL})
	if err := outCall.Init(ctx); err != nil {
		slog.Error("outcall init failed", slog.Any("error", err))
		os.Exit(1)
	}
	sched := scheduler.New(scheduledRepo, runner, outCall, scheduler.Defaults{
		Timezone: cfg.DefaultTimezone,
		StartMin: mustClock(cfg.DefaultBusinessHoursStart),
		EndMin:   mustClock(cfg.DefaultBusinessHoursEnd),
	})

	prom := promoter.New(rdb, ledger, wl, brk, guard, runner, contactRepo, retryRepo, campaignRepo, promoter.Config{
		BatchSize:      cfg.PromoteBatchSize,
		PollInterval:   cfg.PromotePollInterval,
		PollJitter:     cfg.PromotePollJitter,
		MutexTTL:       cfg.PromoteMutexTTL,
		MutexRenewal:   cfg.PromoteMutexRenewal,
		ReservationTTL: cfg.ReservationTTL,
		GateTTL:        cfg.PromoteGateTTL,
	})
	campaignSvc := usecase.NewCampaignService(campaignRepo, contactRepo, wl, leases, prom)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, rdb)
	srv := &httpserver.Server{
		Cfg:        cfg,
		Scheduler:  sched,
		OutCall:    outCall,
		Engine:     engine,
		Campaigns:  campaignSvc,
		Leases:     leases,
		Users:      userRepo,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
	}

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      app.BuildRouter(cfg, srv),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", slog.Any("error", err))
	}
}

func buildTelephony(cfg config.Config) domain.TelephonyClient {
	if cfg.ExotelBaseURL == "" {
		slog.Warn("EXOTEL_BASE_URL not set; using loopback telephony stub")
		return exotel.NewStub()
	}
	return exotel.New(exotel.Config{
		BaseURL:   cfg.ExotelBaseURL,
		APIKey:    cfg.ExotelAPIKey,
		APIToken:  cfg.ExotelAPIToken,
		Subdomain: cfg.ExotelSubdomain,
		Timeout:   cfg.TelephonyTimeout,
	})
}

func mustClock(s string) int {
	m, err := config.ParseClock(s)
	if err != nil {
		panic(err)
	}
	return m
}
