package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/calendar"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/config"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/healthcheck"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/intent"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/reconcile"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/slotlock"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/webhook"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/whatsapp"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/tracing"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/utils"
)

const (
	serviceName     = "daisi-wa-booking-assistant"
	shutdownTimeout = 30 * time.Second
)

var version = "dev"

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	logger.Log.Info("Starting Daisi WA Booking Assistant",
		zap.String("environment", cfg.Environment),
		zap.String("business_id", cfg.Business.ID),
		zap.String("timezone", cfg.Business.Timezone),
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("whatsapp_driver", cfg.WhatsApp.Driver),
	)

	shutdownTracing, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	postgresRepo, err := initPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate, cfg.Business.ID)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}

	jsClient, err := initJetStreamClient(cfg.NATS.URL)
	if err != nil {
		logger.Log.Fatal("Failed to initialize JetStream client", zap.Error(err))
	}
	if err := setupSideStreams(cfg, jsClient); err != nil {
		logger.Log.Fatal("Failed to set up auxiliary streams", zap.Error(err))
	}

	customerRepo := storage.NewCustomerRepoAdapter(postgresRepo)
	appointmentRepo := storage.NewAppointmentRepoAdapter(postgresRepo)
	turnRepo := storage.NewTurnRepoAdapter(postgresRepo)
	onboardingLogRepo := storage.NewOnboardingLogRepoAdapter(postgresRepo)
	inconsistencyRepo := storage.NewInconsistencyRepoAdapter(postgresRepo)

	var rdb *redis.Client
	var locker slotlock.Locker = slotlock.NoopLocker{}
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = slotlock.NewRedisLocker(rdb, cfg.Redis.SlotLockTTL, "slot")
		logger.Log.Info("Slot locking enabled (redis)", zap.String("redis_addr", cfg.Redis.Addr))
	} else {
		logger.Log.Info("Slot locking disabled, relying on the appointment unique index")
	}

	calendarGateway, err := calendar.NewGoogleGateway(context.Background(), calendar.GoogleConfig{
		CalendarID:      cfg.Calendar.ID,
		CredentialsFile: cfg.Calendar.CredentialsFile,
		Endpoint:        cfg.Calendar.Endpoint,
		SendUpdates:     cfg.Calendar.SendUpdates,
		Location:        cfg.Location(),
	})
	if err != nil {
		logger.Log.Fatal("Failed to initialize calendar gateway", zap.Error(err))
	}

	resolver := intent.NewFallbackResolver(intent.NewOpenAIResolver(intent.OpenAIConfig{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		SiteURL:     cfg.OpenAI.SiteURL,
		SiteName:    cfg.OpenAI.SiteName,
		Location:    cfg.Location(),
		Business:    cfg.Business.Name,
	}), cfg.Timeouts.Resolver)

	var sender usecase.MessageSender
	switch cfg.WhatsApp.Driver {
	case config.DriverJetStream:
		sender = whatsapp.NewOutboundPublisher(jsClient, cfg.Business.ID, cfg.NATS.OutboundSubject)
	default:
		sender = whatsapp.NewCloudSender(whatsapp.CloudConfig{
			GraphBaseURL:  cfg.WhatsApp.GraphBaseURL,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			AccessToken:   cfg.WhatsApp.AccessToken,
			Timeout:       cfg.Timeouts.Send,
		})
	}

	reporter := reconcile.NewPublisher(jsClient, cfg.Business.ID)
	timeouts := usecase.Timeouts{
		Calendar: cfg.Timeouts.Calendar,
		Store:    cfg.Timeouts.Store,
		Send:     cfg.Timeouts.Send,
	}

	machine := usecase.NewConversationStateMachine(customerRepo, onboardingLogRepo, appointmentRepo, calendarGateway, reporter,
		usecase.OnboardingConfig{
			BusinessName:  cfg.Business.Name,
			RequireEmail:  cfg.Onboarding.RequireEmail,
			MinNameLength: cfg.Onboarding.MinNameLength,
		}, timeouts)
	orchestrator := usecase.NewBookingOrchestrator(appointmentRepo, calendarGateway, locker, reporter,
		usecase.NewFormatter(cfg.Location(), cfg.Business.Locale),
		usecase.BookingConfig{Duration: cfg.Booking.Duration(), CheckLimit: cfg.Booking.CheckLimit}, timeouts)
	assistant := usecase.NewAssistant(machine, resolver, orchestrator, turnRepo, sender, cfg.Booking.HistoryLimit, timeouts)

	messageWorker, err := usecase.NewMessageWorker(cfg.WorkerPools.Messages, assistant, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize message worker pool", zap.Error(err))
	}

	processor := usecase.NewProcessor(messageWorker, jsClient, cfg)
	if err := processor.Setup(); err != nil {
		logger.Log.Fatal("Failed to set up processor", zap.Error(err))
	}

	reconcileWorker, err := reconcile.NewWorker(cfg, logger.Log, jsClient, reconcile.Deps{
		Store:        inconsistencyRepo,
		Appointments: appointmentRepo,
		Calendar:     calendarGateway,
	})
	if err != nil {
		logger.Log.Fatal("Failed to initialize reconcile worker", zap.Error(err))
	}

	webhookHandler := webhook.NewHandler(webhook.Config{
		BusinessID:    cfg.Business.ID,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		VerifyToken:   cfg.WhatsApp.VerifyToken,
		AppSecret:     cfg.WhatsApp.AppSecret,
	}, jsClient)

	healthServer := healthcheck.NewServer(strconv.Itoa(cfg.Server.Port), logger.Log)
	if metricsEnabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	} else {
		logger.Log.Info("Metrics endpoint disabled for environment", zap.String("environment", cfg.Environment))
	}
	healthServer.Handle("/webhook", otelhttp.NewHandler(webhookHandler, "webhook"))
	healthServer.AddReadinessCheck("postgres", postgresRepo.Ping)
	healthServer.AddReadinessCheck("nats", jsClient.Ping)
	if rdb != nil {
		healthServer.AddReadinessCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	healthServer.Start()

	logger.Log.Info("HTTP endpoints available",
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("readiness", fmt.Sprintf("http://localhost:%d/ready", cfg.Server.Port)),
		zap.String("webhook", fmt.Sprintf("http://localhost:%d/webhook", cfg.Server.Port)),
	)

	if err := processor.Start(); err != nil {
		logger.Log.Fatal("Failed to start processor", zap.Error(err))
	}

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()
	sigChan := make(chan os.Signal, 1)
	go func() {
		if err := reconcileWorker.Start(mainCtx); err != nil {
			logger.Log.Error("Reconcile worker failed, initiating shutdown...", zap.Error(err))
			mainCancel()
			select {
			case sigChan <- syscall.SIGTERM:
			default:
				logger.Log.Warn("Could not send SIGTERM to signal channel immediately")
			}
		}
	}()

	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	mainCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", shutdownTimeout))

	// Intake stops first so the pools drain before connections close.
	var intake sync.WaitGroup
	intake.Add(2)
	stopComponent(&intake, "inbound processor", func() error {
		processor.Stop()
		return nil
	})
	stopComponent(&intake, "health check server", func() error {
		if err := healthServer.Stop(shutdownCtx); err != nil {
			return err
		}
		return webhookHandler.Wait(shutdownCtx)
	})
	intake.Wait()

	var wg sync.WaitGroup
	wg.Add(2)
	stopComponent(&wg, "message worker pool", func() error {
		messageWorker.Stop(shutdownTimeout / 2)
		return nil
	})
	stopComponent(&wg, "reconcile worker", func() error {
		reconcileWorker.Stop()
		return nil
	})

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] Workers stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	closeConnections(shutdownCtx, postgresRepo, jsClient, rdb)

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Log.Warn("[shutdown] Failed to flush traces", zap.Error(err))
	}

	logger.Log.Info("Daisi WA Booking Assistant shutdown complete")
}

// stopComponent runs stop on its own goroutine and always marks wg done.
func stopComponent(wg *sync.WaitGroup, name string, stop func() error) {
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping " + name)
		start := time.Now()
		if err := stop(); err != nil {
			logger.Log.Error("[shutdown] Error stopping "+name, zap.Error(err))
			return
		}
		logger.Log.Info("[shutdown] Stopped "+name, zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping "+name,
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})
}

func closeConnections(ctx context.Context, postgresRepo *storage.PostgresRepo, jsClient *jetstream.Client, rdb *redis.Client) {
	logger.Log.Info("[shutdown] Closing PostgreSQL connection")
	pgStart := time.Now()
	if err := postgresRepo.Close(ctx); err != nil {
		logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
	} else {
		logger.Log.Info("[shutdown] PostgreSQL connection closed", zap.Duration("duration", time.Since(pgStart)))
	}

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.Log.Error("[shutdown] Failed to close Redis connection", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] Redis connection closed")
		}
	}

	logger.Log.Info("[shutdown] Closing JetStream connection")
	jsStart := time.Now()
	jsClient.Close()
	logger.Log.Info("[shutdown] JetStream connection closed", zap.Duration("duration", time.Since(jsStart)))
}

// Initialize PostgreSQL repository
func initPostgresRepo(dsn string, autoMigrate bool, businessID string) (*storage.PostgresRepo, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(dsn, autoMigrate, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository")
	return repo, nil
}

func initJetStreamClient(url string) (*jetstream.Client, error) {
	client, err := jetstream.NewClient(url, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream client: %w", err)
	}
	return client, nil
}

// setupSideStreams ensures the streams this service only publishes to. The inbound and
// reconcile streams are owned by their consumers.
func setupSideStreams(cfg *config.Config, js jetstream.ClientInterface) error {
	ctx := context.Background()

	dlq := &nats.StreamConfig{
		Name:      cfg.NATS.DLQStream,
		Subjects:  []string{cfg.NATS.DLQSubject + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Duration(cfg.NATS.DLQMaxAgeDays) * 24 * time.Hour,
	}
	if err := js.SetupStream(ctx, dlq); err != nil {
		return fmt.Errorf("failed to setup DLQ stream '%s': %w", dlq.Name, err)
	}

	if cfg.WhatsApp.Driver != config.DriverJetStream {
		return nil
	}
	outbound := &nats.StreamConfig{
		Name:       cfg.NATS.OutboundStream,
		Subjects:   []string{cfg.NATS.OutboundSubject + ".*"},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: cfg.NATS.DuplicateWindow,
	}
	if err := js.SetupStream(ctx, outbound); err != nil {
		return fmt.Errorf("failed to setup outbound stream '%s': %w", outbound.Name, err)
	}
	return nil
}
