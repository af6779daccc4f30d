package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"botswarm/internal/db"
	"botswarm/internal/db/repositories"
	"botswarm/internal/events"
	"botswarm/internal/logging"
	"botswarm/internal/metrics"
	"botswarm/internal/notifications"
	"botswarm/internal/queue"
	"botswarm/internal/scheduler"
	"botswarm/internal/services"
	"botswarm/internal/session"
	"botswarm/internal/telemetry"
	"botswarm/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server: queue workers, scheduler and metrics",
	Long: `Start the long-running server. It consumes queued sessions, fires cron
schedules, delivers webhooks and exposes Prometheus metrics until
interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Server mode logs JSON lines; the pretty CLI format set up by
	// initLogging is for interactive commands.
	logging.Initialize(logging.Config{Level: cfg.LogLevel})
	log := logging.Component("serve")

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	repos := repositories.New(database)

	q, err := queue.New(queue.Options{
		Enabled:  true,
		Embedded: cfg.NATSURL == "",
		Port:     cfg.NATSPort,
		StoreDir: jetstreamDir(cfg.DatabaseURL),
		URL:      cfg.NATSURL,
	})
	if err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	defer q.Close()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.OTelConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		ServiceName:    "botswarm",
		ServiceVersion: version.Short(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	prom := telemetry.NewMetrics()
	collectors := metrics.NewCollectors(prom.Registerer())

	// Every event consumer rides the same stream: Prometheus counters,
	// webhook deliveries and the per-session NATS subjects.
	publishers := []events.Publisher{prom.Publisher()}
	notifier := notifications.New(cfg.WebhookURLs)
	if notifier != nil {
		publishers = append(publishers, notifier)
		log.Info().Int("urls", len(cfg.WebhookURLs)).Msg("webhook notifications enabled")
	}
	natsPub, err := events.NewNATSPublisher(q.Conn(), events.NATSPublisherConfig{})
	if err != nil {
		log.Warn().Err(err).Msg("session event stream disabled")
	} else {
		publishers = append(publishers, natsPub)
	}
	publisher := events.NewMultiPublisher(publishers...)

	sessions := services.NewSessionService(repos, q, publisher, session.WithCollectors(collectors))
	batches := services.NewBatchService(repos, sessions)

	// Each worker fetches and executes jobs sequentially; the shared
	// durable consumer splits the stream between them. Only the first
	// runs the startup sweep for sessions an earlier process left mid-run.
	workers := make([]*queue.Worker, 0, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		w := queue.NewWorker(q, sessions, sessions)
		if i == 0 {
			w.SetRecoverer(sessions)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		workers = append(workers, w)
	}

	sched := scheduler.New(repos, batches)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	var wg sync.WaitGroup
	metricsServer := telemetry.NewMetricsServer(cfg.MetricsPort, prom)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.MetricsPort).Msg("metrics server listening")
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown error")
		}
	}()

	analytics.Track("bs_serve_started", map[string]interface{}{
		"workers":         cfg.WorkerCount,
		"embedded_nats":   cfg.NATSURL == "",
		"webhooks":        len(cfg.WebhookURLs),
		"tracing_enabled": cfg.OTLPEndpoint != "",
	})

	fmt.Printf("\n✅ Botswarm %s is running\n", version.Short())
	fmt.Printf("📊 Metrics: http://localhost:%d/metrics\n", cfg.MetricsPort)
	fmt.Printf("📬 Queue: %s\n", q.ClientURL())
	fmt.Printf("👷 Workers: %d\n", cfg.WorkerCount)
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	fmt.Println("\n🛑 Received shutdown signal, gracefully shutting down...")

	// Stop admitting new work before interrupting what runs: the
	// scheduler first, then the workers drain their in-flight jobs.
	sched.Stop()
	for _, w := range workers {
		w.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		fmt.Println("✅ All servers stopped gracefully")
	case <-shutdownCtx.Done():
		fmt.Println("⏰ Shutdown timeout exceeded (3s), forcing exit")
	}

	notifier.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown error")
	}
	return nil
}

// jetstreamDir places JetStream storage next to the database file so
// accepted jobs survive a restart. Remote database URLs fall back to the
// NATS default.
func jetstreamDir(databaseURL string) string {
	if dir := viper.GetString("jetstream_dir"); dir != "" {
		return dir
	}
	if strings.Contains(databaseURL, "://") {
		return ""
	}
	return filepath.Join(filepath.Dir(databaseURL), "botswarm-jetstream")
}
