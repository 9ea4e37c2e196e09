// Command medgateway is the composition root for the medical research
// gateway: it wires configuration, security, session, rate-limiting,
// tool-pool, imaging, LLM, observability, and federation components into
// one HTTP server, or runs one-shot maintenance passes against the
// on-disk state those components leave behind.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms/anthropic"

	"github.com/klyne-labs/medintel-gateway/internal/audit"
	"github.com/klyne-labs/medintel-gateway/internal/config"
	"github.com/klyne-labs/medintel-gateway/internal/federation"
	"github.com/klyne-labs/medintel-gateway/internal/httpapi"
	"github.com/klyne-labs/medintel-gateway/internal/imaging"
	"github.com/klyne-labs/medintel-gateway/internal/llm"
	"github.com/klyne-labs/medintel-gateway/internal/obs"
	"github.com/klyne-labs/medintel-gateway/internal/ratelimit"
	"github.com/klyne-labs/medintel-gateway/internal/security"
	"github.com/klyne-labs/medintel-gateway/internal/session"
	"github.com/klyne-labs/medintel-gateway/internal/toolpool"
)

func main() {
	root := &cobra.Command{
		Use:   "medgateway",
		Short: "Medical research query federation and synthesis gateway",
	}
	root.AddCommand(serveCmd(), sweepCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway's HTTP server until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a one-shot cleanup of expired imaging artifacts and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep()
		},
	}
}

func runSweep() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("medgateway: load config: %w", err)
	}
	logger := obs.New(obs.Config{Level: obs.LevelInfo, Service: "medgateway-sweep", JSON: true})
	defer logger.Close()

	sweeper := imaging.NewSweeper(scratchDirFor(cfg), cfg.ArtifactTTL)
	removed, err := sweeper.StartupSweep()
	if err != nil {
		logger.Error("sweep failed", "error", err)
		return err
	}
	logger.Info("sweep complete", "artifacts_removed", removed)
	return nil
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("medgateway: %w", err)
	}

	logger := obs.New(obs.Config{
		Level:   levelFromString(cfg.AuditLogLevel),
		LogDir:  cfg.AuditLogDir,
		Service: "medgateway",
		JSON:    true,
	})
	defer logger.Close()

	shutdownTracer, err := obs.InitTracer(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("medgateway: init tracer: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(tctx)
	}()

	sec, err := security.NewService(cfg.EncryptionKey, cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("medgateway: security: %w", err)
	}
	defer sec.Destroy()

	sink, err := audit.New(cfg.AuditLogDir)
	if err != nil {
		return fmt.Errorf("medgateway: audit: %w", err)
	}
	defer sink.Close()

	sessions := session.New(cfg.SessionTTL)
	stopSweeper := startSessionSweeper(sessions, cfg.SweepInterval)
	defer stopSweeper()

	limiter := ratelimit.New(ratelimit.Config{
		WindowSize:      cfg.APIRateLimitWindow,
		DefaultMax:      cfg.APIRateLimitMax,
		MedicalMax:      cfg.MedicalAPIRateLimitMax,
		GlobalBurstRPS:  50,
		GlobalBurstSize: 100,
	})

	pool := toolpool.NewPool(cfg.ToolPaths)
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := pool.ConnectAll(connectCtx); err != nil {
		logger.Warn("one or more tool providers failed to connect at startup", "error", err)
	}
	cancel()
	defer pool.ShutdownAll(5 * time.Second)

	imgPipeline, err := imaging.NewPipeline(scratchDirFor(cfg), cfg.ArtifactTTL, int64(cfg.MaxImageSizeMB)<<20)
	if err != nil {
		return fmt.Errorf("medgateway: imaging: %w", err)
	}
	if removed, err := imaging.NewSweeper(scratchDirFor(cfg), cfg.ArtifactTTL).StartupSweep(); err != nil {
		logger.Warn("startup artifact sweep failed", "error", err)
	} else if removed > 0 {
		logger.Info("startup artifact sweep removed stale files", "count", removed)
	}

	chain, err := buildLLMChain(cfg)
	if err != nil {
		return fmt.Errorf("medgateway: llm: %w", err)
	}

	orchestrator := federation.New(pool, chain, sink, cfg.RequireDisclaimer)
	orchestrator.SetConfidenceFloor(cfg.AIConfidenceThreshold)
	limiter.SetMax("medical", cfg.MedicalAPIRateLimitMax)

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry,
		func() int { return sessions.Len() },
		func() int64 { return sink.DroppedCount() },
	)

	server := httpapi.NewServer(httpapi.Server{
		Config:       cfg,
		Audit:        sink,
		Security:     sec,
		Sessions:     sessions,
		RateLimit:    limiter,
		Tools:        pool,
		Imaging:      imgPipeline,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Logger:       logger,
	})

	tuning, err := config.NewTuningWatcher("config/tuning.yaml", config.Tunables{
		AIConfidenceThreshold:  cfg.AIConfidenceThreshold,
		MedicalAPIRateLimitMax: cfg.MedicalAPIRateLimitMax,
		SupportedImageFormats:  cfg.SupportedImageFormats,
	}, func(t config.Tunables) {
		orchestrator.SetConfidenceFloor(t.AIConfidenceThreshold)
		limiter.SetMax("medical", t.MedicalAPIRateLimitMax)
		server.SetSupportedImageFormats(t.SupportedImageFormats)
	})
	if err != nil {
		return fmt.Errorf("medgateway: tuning watcher: %w", err)
	}
	go tuning.Start(logger.Warn)
	defer tuning.Stop()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: ":9464", Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: server.Handler(),
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-runCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("medgateway: serve: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}

// startSessionSweeper runs Store.Sweep on a fixed interval until stopped,
// bounding each cycle the same way the teacher's ttl scheduler does.
func startSessionSweeper(store *session.Store, interval time.Duration) func() {
	const maxPerCycle = 500
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				store.Sweep(maxPerCycle)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// buildLLMChain wires langchaingo's Anthropic backend and go-openai
// behind the Chain's Primary/Fallback slots, ordered by
// AI_MODEL_PREFERENCE ("primary" favors Anthropic, "fallback" favors
// OpenAI). Either backend may be absent from the environment; a chain
// with only one configured still serves, just without failover.
func buildLLMChain(cfg config.Config) (*llm.Chain, error) {
	var anthropicProvider, openaiProvider llm.Provider

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		model := os.Getenv("ANTHROPIC_MODEL")
		if model == "" {
			model = "claude-3-5-sonnet-latest"
		}
		backend, err := anthropic.New(anthropic.WithToken(apiKey), anthropic.WithModel(model))
		if err != nil {
			return nil, fmt.Errorf("anthropic backend: %w", err)
		}
		anthropicProvider = llm.NewLangchainProvider("anthropic:"+model, backend)
	}
	if provider, err := llm.NewOpenAIProvider(); err == nil {
		openaiProvider = provider
	}

	chain := &llm.Chain{}
	if cfg.AIModelPreference == "fallback" {
		chain.Primary, chain.Fallback = openaiProvider, anthropicProvider
	} else {
		chain.Primary, chain.Fallback = anthropicProvider, openaiProvider
	}
	if chain.Primary == nil {
		chain.Primary, chain.Fallback = chain.Fallback, nil
	}
	if chain.Primary == nil {
		return nil, fmt.Errorf("no LLM backend configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	return chain, nil
}

func scratchDirFor(cfg config.Config) string {
	return cfg.AuditLogDir + "/../imaging-scratch"
}

func levelFromString(v string) obs.Level {
	switch v {
	case "debug":
		return obs.LevelDebug
	case "warn":
		return obs.LevelWarn
	case "error":
		return obs.LevelError
	default:
		return obs.LevelInfo
	}
}
