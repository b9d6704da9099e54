// Command worker runs the campaign worker, promoter, scheduler fires, and
// janitors. The dispatch loops run only on the elected leader so the limit
// check never races a second local dispatcher.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
	asynqadp "github.com/fairyhunter13/campaign-dialer/internal/adapter/queue/asynq"
	"github.com/fairyhunter13/campaign-dialer/internal/adapter/queue/events"
	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
	"github.com/fairyhunter13/campaign-dialer/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/campaign-dialer/internal/adapter/telephony/exotel"
	"github.com/fairyhunter13/campaign-dialer/internal/config"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
	"github.com/fairyhunter13/campaign-dialer/internal/service/breaker"
	"github.com/fairyhunter13/campaign-dialer/internal/service/coldstart"
	"github.com/fairyhunter13/campaign-dialer/internal/service/dialer"
	"github.com/fairyhunter13/campaign-dialer/internal/service/janitor"
	"github.com/fairyhunter13/campaign-dialer/internal/service/leader"
	"github.com/fairyhunter13/campaign-dialer/internal/service/lease"
	"github.com/fairyhunter13/campaign-dialer/internal/service/outcall"
	"github.com/fairyhunter13/campaign-dialer/internal/service/promoter"
	"github.com/fairyhunter13/campaign-dialer/internal/service/reservation"
	"github.com/fairyhunter13/campaign-dialer/internal/service/retrymgr"
	"github.com/fairyhunter13/campaign-dialer/internal/service/scheduler"
	"github.com/fairyhunter13/campaign-dialer/internal/service/waitlist"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker",
		slog.String("env", cfg.AppEnv),
		slog.String("instance", cfg.NodeAppInstance))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	campaignRepo := postgres.NewCampaignRepo(pool)
	contactRepo := postgres.NewContactRepo(pool)
	callLogRepo := postgres.NewCallLogRepo(pool)
	scheduledRepo := postgres.NewScheduledCallRepo(pool)
	retryRepo := postgres.NewRetryAttemptRepo(pool)

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

	jan := janitor.New(rdb, leases, ledger, wl, guard, brk,
		campaignRepo, contactRepo, retryRepo, callLogRepo, telephony, janitor.Config{
			Interval:           cfg.JanitorInterval,
			Budget:             cfg.JanitorBudget,
			CampaignsPerRun:    cfg.JanitorCampaignsPerRun,
			OrphanAge:          cfg.ReservationOrphanAge,
			ReservationTTL:     cfg.ReservationTTL,
			CompactorInterval:  cfg.CompactorInterval,
			CompactSample:      cfg.WaitlistCompactLimit,
			ReconcilerInterval: cfg.ReconcilerInterval,
			DriftAlert:         cfg.ReconcilerDriftAlert,
			StuckInterval:      cfg.StuckCallInterval,
			StuckThreshold:     cfg.StuckCallThreshold,
			InvariantInterval:  cfg.InvariantInterval,
			ColdStartGrace:     cfg.ColdStartGrace,
		})

	// The asynq server cannot restart after a shutdown, so each leadership
	// term gets a fresh instance.
	workerFactory := func() (*asynqadp.Worker, error) {
		return asynqadp.NewWorker(cfg.KVURL, engine, sched, rm, asynqadp.WorkerConfig{
			MaxRetry:     cfg.QueueRetryAttempts,
			BackoffDelay: cfg.QueueRetryBackoffDelay,
		})
	}

	elector := leader.New(rdb, 15*time.Second, 5*time.Second)
	go elector.Run(ctx)
	go gateOnLeadership(ctx, elector, workerFactory, prom, jan, scheduledRepo, runner)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("worker shutting down")
	cancel()
}

// gateOnLeadership starts the dispatch loops when this node becomes leader
// and tears them down when leadership is lost.
func gateOnLeadership(ctx context.Context, elector *leader.Elector, workerFactory func() (*asynqadp.Worker, error), prom *promoter.Promoter, jan *janitor.Janitor, scheduledRepo domain.ScheduledCallRepository, runner domain.DelayedJobRunner) {
	var loopCancel context.CancelFunc
	var worker *asynqadp.Worker
	running := false
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if loopCancel != nil {
				loopCancel()
			}
			if worker != nil {
				worker.Stop()
			}
			return
		case <-ticker.C:
		}
		isLeader := elector.IsLeader()
		switch {
		case isLeader && !running:
			w, err := workerFactory()
			if err != nil {
				slog.Error("worker init failed", slog.Any("error", err))
				continue
			}
			var loopCtx context.Context
			loopCtx, loopCancel = context.WithCancel(ctx)
			if err := w.Start(loopCtx); err != nil {
				slog.Error("worker start failed", slog.Any("error", err))
				loopCancel()
				continue
			}
			worker = w
			go prom.Run(loopCtx)
			go jan.Run(loopCtx)
			go catchUpScheduledCalls(loopCtx, scheduledRepo, runner)
			running = true
			slog.Info("dispatch loops started (leader)")
		case !isLeader && running:
			loopCancel()
			worker.Stop()
			worker = nil
			running = false
			slog.Info("dispatch loops stopped (lost leadership)")
		}
	}
}

// catchUpScheduledCalls re-books pending scheduled calls whose fire time
// passed while no leader was running; the runner dedups on jobId.
func catchUpScheduledCalls(ctx context.Context, repo domain.ScheduledCallRepository, runner domain.DelayedJobRunner) {
	due, err := repo.ListDue(ctx, time.Now().Add(time.Minute), 500)
	if err != nil {
		slog.Error("scheduled-call catch-up failed", slog.Any("error", err))
		return
	}
	for _, sc := range due {
		job := domain.ScheduledCallJob{ScheduledCallID: sc.ID, JobID: sc.Metadata.JobID}
		if err := runner.EnqueueScheduledCall(ctx, job, sc.ScheduledFor); err != nil {
			slog.Warn("catch-up enqueue failed", slog.String("scheduled_call_id", sc.ID), slog.Any("error", err))
		}
	}
	if len(due) > 0 {
		slog.Info("scheduled-call catch-up complete", slog.Int("count", len(due)))
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
