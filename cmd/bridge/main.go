// Command bridge launches the message-to-webhook bridge runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/delivery"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/record"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/infra/broker"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/infra/config"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/infra/messagedb"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/infra/persistence/migrations"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/infra/persistence/postgres"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/ingest"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/normalizer"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/observability"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/poller"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/registration"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	bridgeLoggerPrefix       = "bridge "
	startupGrace             = 5 * time.Minute
	telemetryBusBuffer       = 64
	abandonedLogCapacity     = 256
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	brokerShutdownTimeout    = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newBridgeLogger()
	observability.SetLogger(observability.StdLogger{Base: logger})

	configPath := resolveConfigPath(cfgPathFlag)

	appCfg, err := config.Load(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, source=%s",
		appCfg.Environment, appCfg.Messages.DatabasePath)

	telemetryProvider, runtimeMetrics, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	pool, err := initDatabase(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise database: %v", err)
	}
	store := postgres.New(pool)

	bus := observability.NewInMemoryTelemetryBus(telemetryBusBuffer)
	abandoned := observability.NewAbandonedLog(abandonedLogCapacity)

	tiers := broker.RetryTiers(appCfg.Broker.Delays())
	conn, err := broker.Dial(ctx, appCfg.Broker.URL, tiers, logger, bus)
	if err != nil {
		logger.Fatalf("connect broker: %v", err)
	}
	publisher := broker.NewPublisher(conn)

	registrar, err := initRegistration(ctx, logger, appCfg.Registration, store, bus)
	if err != nil {
		logger.Fatalf("register device: %v", err)
	}

	source, err := openMessageSource(appCfg.Messages)
	if err != nil {
		logger.Fatalf("open message store: %v", err)
	}

	detector := poller.NewDetector(source, poller.NewCursor(time.Now().Add(-startupGrace)),
		appCfg.Poller.Lookback.Std(), appCfg.Poller.PageSize)
	if err := detector.SeedConversations(ctx); err != nil {
		logger.Printf("seed conversations: %v", err)
	}

	ingestor := ingest.New(store.DispatchLog(), publisher, registrar, normalizerConfig(appCfg.Messages), logger)
	changePoller := poller.New(detector, ingestor, appCfg.Poller.Interval.Std(), logger, bus)

	worker := delivery.NewWorker(store.DispatchLog(), publisher, &http.Client{}, delivery.Config{
		Timeout:       appCfg.Delivery.Timeout.Std(),
		MaxRetries:    appCfg.Delivery.MaxRetries,
		RatePerSecond: appCfg.Delivery.RatePerSecond,
		RateBurst:     appCfg.Delivery.RateBurst,
	}, logger, bus)
	workerPool := delivery.NewPool(conn, worker, appCfg.Delivery.Workers, logger)

	var lifecycle conc.WaitGroup
	startTelemetrySink(ctx, &lifecycle, logger, bus, abandoned)
	lifecycle.Go(func() {
		if err := changePoller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("poller stopped: %v", err)
		}
	})
	lifecycle.Go(func() {
		if err := workerPool.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("delivery pool stopped: %v", err)
		}
	})

	logger.Print("bridge started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	shutdownErr := performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		source:     source,
		publisher:  publisher,
		broker:     conn,
		dbPool:     pool,
		bus:        bus,
		telemetry:  telemetryProvider,
	})

	if runtimeMetrics != nil {
		snapshot := runtimeMetrics.Snapshot()
		logger.Printf("pipeline totals: scanned=%d admitted=%d duplicate=%d delivered=%d failed=%d retries=%d",
			snapshot.RecordsScanned, snapshot.EventsAdmitted, snapshot.EventsDuplicate,
			snapshot.DeliveriesSucceeded, snapshot.DeliveriesFailed, snapshot.RetriesPublished)
	}
	if dropped := abandoned.Len(); dropped > 0 {
		logger.Printf("abandoned deliveries recorded: %d", dropped)
	}
	if shutdownErr != nil {
		logger.Printf("shutdown completed with errors in %v", time.Since(shutdownStart))
		return
	}
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBridgeLogger() *log.Logger {
	return log.New(os.Stdout, bridgeLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, *observability.RuntimeMetrics, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	runtimeMetrics := observability.NewRuntimeMetrics()
	sinks := observability.FanoutMetrics{runtimeMetrics}
	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		sinks = append(sinks, telemetry.NewCollector(provider))
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry export disabled, in-process counters only")
	}
	observability.SetMetrics(sinks)

	return provider, runtimeMetrics, nil
}

func initDatabase(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, cfg.MigrationsDir, logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime.Std()
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime.Std()
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod.Std()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	postgres.ObservePoolMetrics(pool, "bridge")
	logger.Printf("database connected: maxConns=%d", cfg.MaxConns)
	return pool, nil
}

func initRegistration(ctx context.Context, logger *log.Logger, cfg config.RegistrationConfig, store *postgres.Store, bus observability.TelemetryBus) (*registration.Service, error) {
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = registration.DefaultStateDir()
	}
	deviceID, err := registration.DeviceID(stateDir)
	if err != nil {
		return nil, fmt.Errorf("resolve device id: %w", err)
	}

	info := registration.NewServerInfoClient(cfg.ServerInfoURL, nil)
	svc := registration.NewService(store.Registration(), info, deviceID, logger, bus)
	if _, err := svc.EnsureRegistration(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

func openMessageSource(cfg config.MessagesConfig) (*messagedb.Source, error) {
	var decoder record.BodyDecoder = record.NoopDecoder{}
	if cfg.ParseRichTextEnabled() {
		decoder = record.PlainTextDecoder{}
	}
	return messagedb.Open(messagedb.Config{
		Path:             cfg.DatabasePath,
		LoadParticipants: cfg.IncludeConversationEnabled(),
		ParseRichText:    cfg.ParseRichTextEnabled(),
	}, decoder)
}

func normalizerConfig(cfg config.MessagesConfig) normalizer.Config {
	normCfg := normalizer.DefaultConfig()
	normCfg.IncludeConversation = cfg.IncludeConversationEnabled()
	normCfg.ParseRichText = cfg.ParseRichTextEnabled()
	if cfg.AttachmentBaseURL != "" {
		normCfg.AttachmentBaseURL = cfg.AttachmentBaseURL
	}
	return normCfg
}

// startTelemetrySink drains the in-process bus so abandoned deliveries stay
// inspectable after the workers give up on them.
func startTelemetrySink(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, bus observability.TelemetryBus, abandoned *observability.AbandonedLog) {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		logger.Printf("telemetry bus subscribe: %v", err)
		return
	}
	lifecycle.Go(func() {
		for event := range events {
			switch event.Type {
			case observability.TelemetryEventDeliveryAbandoned:
				abandoned.Offer(event)
				logger.Printf("delivery abandoned: job=%s metadata=%v", event.JobID, event.Metadata)
			case observability.TelemetryEventRegistrationRefreshed:
				logger.Printf("registration refreshed: %v", event.Metadata)
			default:
				logger.Printf("telemetry event: type=%s severity=%s", event.Type, event.Severity)
			}
		}
	})
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	source     *messagedb.Source
	publisher  *broker.Publisher
	broker     *broker.Connection
	dbPool     *pgxpool.Pool
	bus        *observability.InMemoryTelemetryBus
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) error {
	var stepErrs []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
			stepErrs = append(stepErrs, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.source != nil {
		shutdownStep("closing message store", brokerShutdownTimeout, func(context.Context) error {
			return cfg.source.Close()
		})
	}

	if cfg.publisher != nil {
		shutdownStep("closing publisher channel", brokerShutdownTimeout, func(context.Context) error {
			return cfg.publisher.Close()
		})
	}

	if cfg.broker != nil {
		shutdownStep("closing broker connection", brokerShutdownTimeout, func(context.Context) error {
			return cfg.broker.Close()
		})
	}

	if cfg.dbPool != nil {
		shutdownStep("closing database pool", brokerShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.dbPool.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.bus != nil {
		cfg.bus.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}

	return observability.AggregateErrors("graceful shutdown", stepErrs)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
