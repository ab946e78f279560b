package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codechat/runner/internal/api"
	"github.com/codechat/runner/internal/config"
	"github.com/codechat/runner/internal/events"
	"github.com/codechat/runner/internal/pool"
	"github.com/codechat/runner/internal/queue"
	"github.com/codechat/runner/internal/sandbox"
	"github.com/codechat/runner/internal/screener"
)

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("runner failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("starting runner",
		"port", cfg.Server.Port,
		"pool_size", cfg.Pool.Size,
		"static_check", cfg.Server.StaticCheck,
		"kafka", cfg.KafkaEnabled())

	memBytes, err := cfg.MemoryBytes()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := sandbox.NewManager(sandbox.Options{
		Memory:   memBytes,
		NanoCPUs: cfg.NanoCPUs(),
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	// Startup is fatal on any of these: a runner without sandboxes is useless.
	if err := manager.BuildImage(ctx, cfg.Pool.WorkerDir); err != nil {
		return err
	}
	if err := manager.EnsureNetwork(ctx); err != nil {
		return err
	}
	if err := manager.AttachSelf(ctx); err != nil {
		return err
	}
	if err := manager.CleanupStale(ctx); err != nil {
		return err
	}

	workers, err := manager.SpawnAll(ctx, cfg.Pool.Size)
	if err != nil {
		return err
	}
	defer func() {
		// Fresh context: the signal context is already cancelled by now.
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		manager.Teardown(tctx)
	}()

	slots := make([]*pool.Slot, 0, len(workers))
	for i, w := range workers {
		// The advertised port is informational on the internal network; it
		// only matters when workers are published on the host.
		slots = append(slots, pool.NewSlot(w.Name, w.Addr, cfg.Pool.BasePort+i))
	}

	reg := prometheus.NewRegistry()
	p := pool.New(slots, pool.Options{
		DefaultTimeout: cfg.Pool.Timeout,
		Metrics:        pool.NewMetrics(reg),
	})

	bus := events.NewBus()
	p.AddObserver(bus.Publish)

	var check func(string) []string
	if cfg.Server.StaticCheck {
		check = screener.Check
	}

	if cfg.KafkaEnabled() {
		startQueue(ctx, cfg, p, check)
	}

	server := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     api.NewServer(p, bus, check, reg).Handler(),
		ReadTimeout: 15 * time.Second,
		// Execution responses can take deadline + slack to produce.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http ingress listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	return nil
}

// startQueue brings up the Kafka ingress. Failures are logged and swallowed:
// the runner keeps serving HTTP without the queue.
func startQueue(ctx context.Context, cfg *config.Config, p *pool.Pool, check func(string) []string) {
	runner, err := queue.NewRunner(queue.Options{
		Brokers:       cfg.Kafka.Brokers(),
		RequestTopic:  cfg.Kafka.RequestTopic,
		ResponseTopic: cfg.Kafka.ResponseTopic,
		GroupID:       cfg.Kafka.ConsumerGroup,
		Codec:         queue.NewCodec(cfg.Kafka.ChatKey, cfg.Kafka.RunnerKey),
		Executor:      p,
		Check:         check,
	})
	if err != nil {
		slog.Warn("queue ingress disabled", "error", err)
		return
	}

	go func() {
		if err := runner.WaitForBrokers(ctx); err != nil {
			slog.Warn("queue ingress disabled, serving HTTP only", "error", err)
			return
		}
		if err := runner.Start(ctx); err != nil {
			slog.Error("queue ingress stopped", "error", err)
		}
	}()
}
