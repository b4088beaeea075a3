package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kljama/fleetmon/internal/alerts"
	"github.com/kljama/fleetmon/internal/api"
	"github.com/kljama/fleetmon/internal/broker"
	"github.com/kljama/fleetmon/internal/config"
	"github.com/kljama/fleetmon/internal/influx"
	"github.com/kljama/fleetmon/internal/logger"
	"github.com/kljama/fleetmon/internal/models"
	"github.com/kljama/fleetmon/internal/monitoring"
	"github.com/kljama/fleetmon/internal/sched"
	"github.com/kljama/fleetmon/internal/state"
	"github.com/kljama/fleetmon/internal/store"
	"github.com/kljama/fleetmon/internal/vault"
)

const influxBufferCap = 10000

func main() {
	configPath := flag.String("config", "config.yml", "Path to the YAML config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger.Setup(*debug)
	log := logger.Component("main")
	log.Info().Msg("fleetmon starting up")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.DBURL, store.Options{}, logger.Component("store"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to the device store")
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize the schema")
	}

	bk, err := broker.Connect(cfg.BrokerURL, logger.Component("broker"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to the broker")
	}
	defer bk.Close()

	writer := influx.NewWriter(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org,
		cfg.Influx.Bucket, influxBufferCap, logger.Component("influx"))
	defer writer.Close()
	go writer.Run(ctx, 5*time.Second)

	cipher, err := vault.NewCipherFromHex(cfg.CredentialKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid credential key")
	}
	creds := vault.New(cipher, st)

	clock := clockwork.NewRealClock()
	mgr := state.NewManager(clock)

	pinger := monitoring.NewPingWorker(monitoring.PingConfig{
		Count:       cfg.PingCount,
		Timeout:     cfg.PingTimeout,
		Privileged:  cfg.PingPrivileged,
		Concurrency: cfg.PingWorkers,
		RateLimit:   rate.Limit(cfg.PingWorkers),
		RateBurst:   cfg.PingWorkers,
		Flap: monitoring.FlapConfig{
			K:      cfg.FlapK,
			Window: cfg.FlapWindow,
			ISPK:   cfg.ISPFlapK,
		},
	}, st, bk, writer, mgr, nil, logger.Component("pinger"))

	snmp := monitoring.NewSNMPWorker(monitoring.SNMPConfig{
		Timeout:     cfg.SNMPTimeout,
		Retries:     cfg.SNMPRetries,
		Interval:    cfg.SNMPInterval,
		Concurrency: cfg.SNMPWorkers,
		RateLimit:   rate.Limit(cfg.SNMPWorkers),
		RateBurst:   cfg.SNMPWorkers,
		MaxFails:    3,
		Backoff:     5 * time.Minute,
	}, st, creds, mgr, bk, writer, mgr, nil, logger.Component("snmp"))

	if err := alerts.SeedBuiltins(ctx, st); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed built-in alert rules")
	}
	engine := alerts.NewEngine(alerts.Config{}, st, writer, bk, clock, logger.Component("alerts"))

	apiSrv := api.NewServer(st, writer, snmp, cfg.APICacheTTL, logger.Component("api"))

	// Workers consume through queue groups, so running extra instances scales
	// probe throughput without re-probing devices.
	prefetch := cfg.QueueDepthLimit * 2
	subscribe := func(jobType string, handle func(context.Context, broker.Job)) {
		if err := bk.SubscribeJobs(jobType, prefetch, func(job broker.Job) {
			handle(ctx, job)
		}); err != nil {
			log.Fatal().Err(err).Str("job", jobType).Msg("Failed to subscribe")
		}
	}
	subscribe(broker.JobPingBatch, pinger.HandleJob)
	subscribe(broker.JobSNMPBatch, snmp.HandleSystemJob)
	subscribe(broker.JobIfMetricsBatch, snmp.HandleIfMetricsJob)
	subscribe(broker.JobDiscovery, snmp.HandleDiscoveryJob)
	subscribe(sched.JobAlertEval, engine.HandleEvalJob)
	subscribe(sched.JobRetention, func(ctx context.Context, _ broker.Job) {
		runRetention(ctx, st, writer, cfg, logger.Component("retention"))
	})

	if err := bk.SubscribeStateEvents(func(ev models.StateEvent) {
		engine.HandleStateEvent(ev)
		apiSrv.HandleStateEvent(ev)
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to state events")
	}
	if err := bk.SubscribeProblemEvents(apiSrv.HandleProblemEvent); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to problem events")
	}

	go engine.Run(ctx)
	go apiSrv.Run(ctx)

	httpSrv := &http.Server{Addr: cfg.APIListenAddr, Handler: apiSrv.Router()}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("API server panic recovered")
			}
		}()
		log.Info().Str("address", cfg.APIListenAddr).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server failed")
			stop()
		}
	}()

	// Only the lock holder schedules sweeps; everyone else just works jobs.
	release, acquired, err := st.AcquireLeaderLock(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Leader lock check failed")
	}
	var scheduler *sched.Scheduler
	if acquired {
		defer release()
		scheduler = sched.New(sched.Config{
			PingInterval:      cfg.PingInterval,
			SNMPInterval:      cfg.SNMPInterval,
			IfMetricsInterval: cfg.IfMetricsInterval,
			AlertEvalInterval: cfg.AlertEvalInterval,
			DiscoveryHour:     cfg.DiscoveryHourLocal,
			BatchSize:         cfg.BatchSize,
			QueueDepthLimit:   cfg.QueueDepthLimit,
		}, st, st, bk, clock, logger.Component("sched"))
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Scheduler panic recovered")
					stop()
				}
			}()
			if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Scheduler exited")
				stop()
			}
		}()
		log.Info().Msg("Leader lock acquired, scheduling enabled")
	} else {
		log.Info().Msg("Another instance holds the leader lock, running worker-only")
	}

	// Started after leader election so /health reports leadership from the
	// first request on.
	health := newHealthServer(cfg.HealthPort, healthSources{
		store:  st,
		broker: bk,
		writer: writer,
		mgr:    mgr,
		pinger: pinger,
		snmp:   snmp,
		hub:    apiSrv,
	})
	health.scheduler = scheduler
	health.start()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API shutdown incomplete")
	}
	bk.Close()
	if err := writer.Flush(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Final time-series flush failed")
	}
	log.Info().Msg("fleetmon stopped")
}

// runRetention prunes closed-out history across both stores. Runs daily off
// the scheduler's retention job.
func runRetention(ctx context.Context, st *store.Store, writer *influx.Writer,
	cfg *config.Config, log zerolog.Logger) {

	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -cfg.RetentionDays)

	if n, err := st.TrimPingResults(ctx, cutoff); err != nil {
		log.Error().Err(err).Msg("Trimming ping results failed")
	} else if n > 0 {
		log.Info().Int64("rows", n).Msg("Trimmed ping results")
	}
	if n, err := st.PruneHistory(ctx, now.AddDate(0, 0, -cfg.HistoryDays)); err != nil {
		log.Error().Err(err).Msg("Pruning problem history failed")
	} else if n > 0 {
		log.Info().Int64("rows", n).Msg("Pruned problem history")
	}
	if n, err := st.RetireStale(ctx, now.AddDate(0, 0, -cfg.StaleIfaceDays)); err != nil {
		log.Error().Err(err).Msg("Retiring stale interfaces failed")
	} else if n > 0 {
		log.Info().Int64("rows", n).Msg("Retired stale interfaces")
	}
	if err := writer.DeleteOlderThan(ctx, cutoff); err != nil {
		log.Error().Err(err).Msg("Time-series retention delete failed")
	}
}
