package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"speedmarkets/internal/config"
	"speedmarkets/internal/engine"
	"speedmarkets/internal/ingestion"
	"speedmarkets/internal/ledger"
	"speedmarkets/internal/market"
	"speedmarkets/internal/observability"
	"speedmarkets/internal/oracle"
	"speedmarkets/internal/persistence"
	"speedmarkets/internal/pricing"
	"speedmarkets/internal/query"
	"speedmarkets/internal/server"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: speedmarkets starting...")

	configPath := flag.String("config", os.Getenv("SPEED_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("postgres", "nats", "engine")
	healthChecker.SetReady("postgres", true)

	// --- Engine assembly ---
	store := market.NewStore()
	tracker := ledger.NewBalanceTracker()
	riskRegistry := cfg.BuildRiskRegistry()

	schedule, err := cfg.BuildFeeSchedule()
	if err != nil {
		log.Fatalf("FATAL: fee schedule: %v", err)
	}
	calculator := pricing.NewCalculator(schedule, riskRegistry)

	normalizer, err := cfg.BuildNormalizer(cfg.StaticPrices())
	if err != nil {
		log.Fatalf("FATAL: collateral normalizer: %v", err)
	}

	// Evidence authenticity is the relayer's job; the validator checks feed
	// identity, strike-time alignment, and staleness.
	validator, err := cfg.BuildOracleValidator(oracle.NopVerifier{})
	if err != nil {
		log.Fatalf("FATAL: oracle validator: %v", err)
	}

	persistChan := make(chan engine.Output, cfg.Postgres.PersistChanSize)
	publishChan := make(chan engine.Output, cfg.NATS.PublishChanSize)

	eng, err := engine.New(engine.Params{
		Log:              observability.NewLoggerWithLevel("engine", level),
		Metrics:          metrics,
		Store:            store,
		Risk:             riskRegistry,
		Collaterals:      normalizer,
		Fees:             calculator,
		Oracle:           validator,
		Splitter:         cfg.BuildSplitter(),
		Tracker:          tracker,
		Limits:           cfg.BuildLimits(),
		Multipliers:      cfg.BuildMultipliers(),
		Admin:            common.HexToAddress(cfg.Engine.Admin),
		Resolvers:        cfg.Resolvers(),
		BatchStopOnError: cfg.Engine.BatchStopOnError,
		PersistChan:      persistChan,
		PublishChan:      publishChan,
	})
	if err != nil {
		log.Fatalf("FATAL: engine: %v", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	healthChecker.SetReady("nats", true)
	log.Println("INFO: NATS connected")

	if err := ingestion.EnsureStream(ctx, js, cfg.NATS.StreamName, cfg.NATS.SubjectPrefix); err != nil {
		log.Fatalf("FATAL: ensure request stream: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, cfg.NATS.SubjectPrefix); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	requestChan := make(chan ingestion.RawRequest, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, requestChan)
	subjects := ingestion.DefaultSubjects(cfg.NATS.StreamName, cfg.NATS.SubjectPrefix)
	if err := subscriber.Subscribe(ctx, subjects); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan, cfg.NATS.SubjectPrefix)

	// --- HTTP API ---
	// adminChan funnels HTTP-origin engine calls into the serial loop below,
	// so the engine only ever runs on one goroutine.
	adminChan := make(chan func(), 64)
	execOnEngine := func(fn func()) {
		done := make(chan struct{})
		adminChan <- func() {
			fn()
			close(done)
		}
		<-done
	}

	httpServer := server.New(cfg.Server.HTTPAddr, &server.Deps{
		Log:     observability.NewLoggerWithLevel("http", level),
		Query:   query.NewService(db),
		Engine:  eng,
		Risk:    riskRegistry,
		Exec:    execOnEngine,
		Health:  healthChecker,
		Metrics: metrics,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	worker := persistence.NewWorker(db, persistChan,
		cfg.Postgres.BatchSize, cfg.Postgres.FlushTimeout.Duration, metrics)
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	go func() {
		if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	go func() {
		errChan <- server.StartMetrics(ctx, cfg.Server.MetricsAddr,
			observability.NewLoggerWithLevel("metrics", level))
	}()

	engineDone := make(chan struct{})
	go func() {
		runEngineLoop(ctx, eng, metrics, subjects, requestChan, adminChan)
		close(engineDone)
	}()

	healthChecker.SetReady("engine", true)
	log.Printf("INFO: speedmarkets ready (http=%s, metrics=%s, stream=%s)",
		cfg.Server.HTTPAddr, cfg.Server.MetricsAddr, cfg.NATS.StreamName)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	// Stop intake first, let the engine drain, then close the output
	// channels so the persistence worker and publisher flush and exit.
	subscriber.Stop()
	cancel()
	<-engineDone

	close(persistChan)
	close(publishChan)
	time.Sleep(2 * cfg.Postgres.FlushTimeout.Duration)

	log.Println("INFO: speedmarkets shutdown complete")
}

// runEngineLoop is the single goroutine that touches the engine. It drains
// NATS requests and HTTP-origin admin calls; the wall clock is read here, at
// the boundary, and passed into every engine call.
func runEngineLoop(
	ctx context.Context,
	eng *engine.Engine,
	metrics *observability.Metrics,
	subjects []ingestion.SubjectConfig,
	requestChan <-chan ingestion.RawRequest,
	adminChan <-chan func(),
) {
	commandBySubject := make(map[string]string, len(subjects))
	for _, cfg := range subjects {
		commandBySubject[cfg.Subject] = cfg.CommandType
	}

	for {
		select {
		case <-ctx.Done():
			return

		case fn := <-adminChan:
			fn()

		case raw, ok := <-requestChan:
			if !ok {
				return
			}
			metrics.RequestsReceived.WithLabelValues(raw.Subject).Inc()

			commandType, ok := commandBySubject[raw.Subject]
			if !ok {
				log.Printf("WARN: unknown subject %s", raw.Subject)
				metrics.RequestsRejected.WithLabelValues("unknown_subject").Inc()
				raw.AckFunc()
				continue
			}

			cmd, err := ingestion.ParseCommand(raw, commandType)
			if err != nil {
				log.Printf("WARN: parse %s failed: %v", commandType, err)
				metrics.RequestsRejected.WithLabelValues("parse").Inc()
				raw.AckFunc()
				continue
			}

			// Engine errors are rejections of bad requests, not transient
			// faults; redelivering the same request cannot succeed, so the
			// message is acked either way.
			now := time.Now()
			switch commandType {
			case ingestion.CommandCreateSingle:
				_, err = eng.CreateMarket(cmd.(engine.CreateRequest), now)
			case ingestion.CommandCreateChained:
				_, err = eng.CreateChainedMarket(cmd.(engine.CreateChainedRequest), now)
			case ingestion.CommandResolveSingle:
				rc := cmd.(ingestion.ResolveCommand)
				_, err = eng.ResolveMarket(rc.MarketID, rc.Evidence[0], now)
			case ingestion.CommandResolveChained:
				rc := cmd.(ingestion.ResolveCommand)
				_, err = eng.ResolveChainedMarket(rc.MarketID, rc.Evidence, now)
			}
			if err != nil {
				log.Printf("WARN: %s rejected: %v", commandType, err)
			}
			raw.AckFunc()
		}
	}
}
