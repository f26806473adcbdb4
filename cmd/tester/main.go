package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/config"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/model"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-booking-assistant/pkg/logger"
)

// IndividualTaskDetail is one simulated customer message within a batch.
type IndividualTaskDetail struct {
	BusinessID string
	Sender     simulatedCustomer
	Text       string
}

// BatchTask represents a batch of messages to be published by a worker.
type BatchTask struct {
	Tasks      []IndividualTaskDetail
	NatsClient jetstream.Publisher
}

type simulatedCustomer struct {
	Phone string
	Name  string
}

const defaultBatchSize = 50

// Texts a customer might send once onboarded. The first message of each customer
// walks through onboarding regardless of content.
var phrases = []string{
	"hola",
	"quiero agendar una cita mañana a las 10",
	"¿tengo citas pendientes?",
	"cancela mi cita",
	"¿puedo mover mi cita al viernes a las 4?",
	"¿a qué hora abren los sábados?",
	"gracias",
	"/reset",
}

func main() {
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	natsURL := flag.String("url", cfg.NATS.URL, "NATS server URL")
	rate := flag.Int("rate", 20, "Target messages per second (total)")
	duration := flag.Duration("duration", time.Minute, "Load test duration")
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	businessIDsStr := flag.String("business_ids", cfg.Business.ID, "Comma-separated list of business IDs")
	customers := flag.Int("customers", 100, "Number of distinct simulated customers per business")
	batchSize := flag.Int("batch-size", defaultBatchSize, "Number of messages to generate/publish per worker batch")
	metricsPort := flag.Int("metrics-port", 9091, "Port for Prometheus metrics endpoint")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Inbound Load Generator (Batch Mode)\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Publishes simulated WhatsApp customer messages to the inbound stream of the daisi-wa-booking-assistant.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *batchSize <= 0 {
		*batchSize = defaultBatchSize
		fmt.Printf("Invalid batch size, using default: %d\n", defaultBatchSize)
	}
	if *rate <= 0 {
		*rate = 1
	}
	if *customers <= 0 {
		*customers = 1
	}

	if err := logger.Initialize(*logLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	observer.InitMetrics(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsServer := startMetricsServer(*metricsPort)
	var metricsWg sync.WaitGroup
	metricsWg.Add(1)
	go func() {
		defer metricsWg.Done()
		<-ctx.Done()
		logger.Log.Info("Shutting down metrics server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Metrics server shutdown error", zap.Error(err))
		} else {
			logger.Log.Info("Metrics server stopped gracefully.")
		}
	}()

	logger.Log.Info("Starting Inbound Load Generator (Batch Mode)",
		zap.String("nats_url", *natsURL),
		zap.Int("rate_per_sec", *rate),
		zap.Duration("duration", *duration),
		zap.Int("concurrency", *concurrency),
		zap.Int("batch_size", *batchSize),
		zap.Int("customers", *customers),
		zap.String("business_ids", *businessIDsStr),
		zap.Int("metrics_port", *metricsPort),
	)

	natsClient, err := jetstream.NewClient(*natsURL, "daisi-wa-booking-loadgen")
	if err != nil {
		logger.Log.Fatal("Failed to connect to NATS", zap.String("url", *natsURL), zap.Error(err))
	}
	defer natsClient.Close()
	logger.Log.Info("Connected to NATS", zap.String("url", *natsURL))

	businessIDs := splitNonEmpty(*businessIDsStr)
	if len(businessIDs) == 0 {
		logger.Log.Fatal("No business IDs provided")
	}

	gofakeit.Seed(time.Now().UnixNano())
	population := newPopulation(*customers)

	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(*concurrency, func(data interface{}) {
		batchWorkerFunc(ctx, data, &wg)
	})
	if err != nil {
		logger.Log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	logger.Log.Info("Worker pool initialized", zap.Int("size", *concurrency))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var loopWg sync.WaitGroup
	loopWg.Add(1)
	loopDone := make(chan struct{})
	go func() {
		runBatchLoadLoop(ctx, *rate, *duration, *batchSize, businessIDs, population, natsClient, pool, &wg, &loopWg)
		close(loopDone)
	}()

	select {
	case sig := <-sigChan:
		logger.Log.Info("Received termination signal, shutting down...", zap.String("signal", sig.String()))
	case <-loopDone:
		logger.Log.Info("Load generation duration finished.")
	}

	logger.Log.Info("Waiting for load generation loop to finish submitting tasks...")
	cancel()
	loopWg.Wait()

	logger.Log.Info("Waiting for active publishing worker tasks to complete...")
	wg.Wait()
	logger.Log.Info("All worker tasks finished.")

	logger.Log.Info("Waiting for metrics server to stop...")
	metricsWg.Wait()

	logger.Log.Info("Load generator shutdown complete.")
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// population tracks which simulated customers already sent their first message, so
// the second message of each one is a name.
type population struct {
	mu        sync.Mutex
	customers []simulatedCustomer
	seen      map[string]int
}

func newPopulation(n int) *population {
	p := &population{customers: make([]simulatedCustomer, n), seen: make(map[string]int, n)}
	for i := range p.customers {
		p.customers[i] = simulatedCustomer{
			Phone: model.FakePhone(),
			Name:  gofakeit.FirstName() + " " + gofakeit.LastName(),
		}
	}
	return p
}

// next picks a random customer and the text it sends now.
func (p *population) next(businessID string) (simulatedCustomer, string) {
	c := p.customers[gofakeit.Number(0, len(p.customers)-1)]
	key := businessID + ":" + c.Phone

	p.mu.Lock()
	n := p.seen[key]
	p.seen[key] = n + 1
	p.mu.Unlock()

	switch n {
	case 0:
		return c, "hola"
	case 1:
		return c, c.Name
	default:
		text := phrases[gofakeit.Number(0, len(phrases)-1)]
		if text == "/reset" {
			p.mu.Lock()
			delete(p.seen, key)
			p.mu.Unlock()
		}
		return c, text
	}
}

func startMetricsServer(port int) *http.Server {
	logger.Log.Info("Starting Prometheus metrics server", zap.Int("port", port))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Failed to start Prometheus metrics server", zap.Error(err))
		}
	}()

	return server
}

// runBatchLoadLoop manages the rate-limited submission of batches to the worker pool.
func runBatchLoadLoop(ctx context.Context, rate int, duration time.Duration, batchSize int, businesses []string, people *population, nc jetstream.Publisher, pool *ants.PoolWithFunc, wg *sync.WaitGroup, loopWg *sync.WaitGroup) {
	defer loopWg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	durationTimer := time.NewTimer(duration)
	defer durationTimer.Stop()

	subject := string(model.V1MessagesInbound)
	messageCounter := 0
	currentBatch := make([]IndividualTaskDetail, 0, batchSize)

	logger.Log.Info("Starting batch load generation loop",
		zap.Int("target_rate_per_sec", rate),
		zap.Duration("duration", duration),
		zap.Int("batch_size", batchSize),
	)

	submitBatch := func(batchToSubmit []IndividualTaskDetail) {
		if len(batchToSubmit) == 0 {
			return
		}
		wg.Add(len(batchToSubmit))
		if err := pool.Invoke(BatchTask{Tasks: batchToSubmit, NatsClient: nc}); err != nil {
			logger.Log.Warn("Failed to invoke worker pool for batch", zap.Int("batch_task_count", len(batchToSubmit)), zap.Error(err))
			wg.Add(-len(batchToSubmit))
			for _, td := range batchToSubmit {
				observer.IncLoadgenPublishErrors(subject, td.BusinessID)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("Load generation loop stopping due to context cancellation. Submitting final partial batch...")
			submitBatch(currentBatch)
			return
		case <-durationTimer.C:
			logger.Log.Info("Load generation loop stopping after specified duration. Submitting final partial batch...")
			submitBatch(currentBatch)
			return
		case <-ticker.C:
			businessID := businesses[messageCounter%len(businesses)]
			messageCounter++

			observer.IncLoadgenMessagesAttempted(subject, businessID)

			sender, text := people.next(businessID)
			currentBatch = append(currentBatch, IndividualTaskDetail{
				BusinessID: businessID,
				Sender:     sender,
				Text:       text,
			})

			if len(currentBatch) >= batchSize {
				submitBatch(currentBatch)
				currentBatch = make([]IndividualTaskDetail, 0, batchSize)
			}
		}
	}
}

// batchWorkerFunc publishes every message of a batch to the inbound subject of its business.
func batchWorkerFunc(ctx context.Context, data interface{}, wg *sync.WaitGroup) {
	batchTask := data.(BatchTask)
	baseSubject := string(model.V1MessagesInbound)

	for _, taskDetail := range batchTask.Tasks {
		func(td IndividualTaskDetail) {
			defer wg.Done()

			msg := model.NewInboundMessage(td.BusinessID, td.Text)
			msg.SenderAddress = td.Sender.Phone
			msg.SenderName = td.Sender.Name

			payloadBytes, err := json.Marshal(msg)
			if err != nil {
				logger.Log.Error("Failed to marshal inbound message", zap.Error(err))
				observer.IncLoadgenPublishErrors(baseSubject, td.BusinessID)
				return
			}

			// The final batch is published after cancel.
			pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()

			subject := model.V1MessagesInbound.Subject(td.BusinessID)
			headers := map[string]string{jetstream.HeaderMsgID: msg.MessageID}
			if err := batchTask.NatsClient.Publish(pubCtx, subject, payloadBytes, headers); err != nil {
				logger.Log.Error("Failed to publish message in batch", zap.String("subject", subject), zap.Error(err))
				observer.IncLoadgenPublishErrors(baseSubject, td.BusinessID)
			} else {
				observer.IncLoadgenMessagesPublished(baseSubject, td.BusinessID)
			}
		}(taskDetail)
	}
}
