package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/modelforge/orchestrator/pkg/adapter"
	"github.com/modelforge/orchestrator/pkg/api"
	"github.com/modelforge/orchestrator/pkg/calculator"
	"github.com/modelforge/orchestrator/pkg/config"
	"github.com/modelforge/orchestrator/pkg/gpuprobe"
	"github.com/modelforge/orchestrator/pkg/health"
	"github.com/modelforge/orchestrator/pkg/hotreload"
	"github.com/modelforge/orchestrator/pkg/lifecycle"
	"github.com/modelforge/orchestrator/pkg/proxy"
	"github.com/modelforge/orchestrator/pkg/scheduler"
	"github.com/modelforge/orchestrator/pkg/store"
	"github.com/modelforge/orchestrator/pkg/types"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator control plane.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// A flag given on the command line overrides its env var.
			for flag, env := range map[string]string{"store-dsn": "STORE_DSN", "bind-addr": "BIND_ADDR", "data-dir": "DATA_DIR", "log-level": "LOG_LEVEL"} {
				if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
					if err := os.Setenv(env, f.Value.String()); err != nil {
						return err
					}
				}
			}
			return serve(cmd.Context())
		},
	}
	cmd.Flags().String("store-dsn", "", "config store DSN (file://, sqlite:// or postgres://); overrides STORE_DSN")
	cmd.Flags().String("bind-addr", "", "HTTP bind address; overrides BIND_ADDR")
	cmd.Flags().String("data-dir", "", "data directory; overrides DATA_DIR")
	cmd.Flags().String("log-level", "", "log level; overrides LOG_LEVEL")
	return cmd
}

// openConfigStore dispatches between the file- and DB-backed Config
// Store implementations by the DSN's scheme, per DESIGN.md's Open
// Question decision that both variants are acceptable.
func openConfigStore(cfg config.Store, log zerolog.Logger) (store.ConfigStore, error) {
	if strings.HasPrefix(cfg.DSN, "file://") {
		dataDir := strings.TrimPrefix(cfg.DSN, "file://")
		return store.NewFileStore(dataDir, log)
	}
	return store.OpenDB(cfg.DSN, log)
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	configStore, err := openConfigStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer configStore.Close()

	adapters := adapter.NewRegistry()
	adapters.Register(types.FrameworkNativeServer, adapter.NewNativeAdapter(cfg.Adapter.NativeBinary, logger))
	if containerAdapter, err := adapter.NewContainerAdapter(cfg.Adapter.ContainerImage, cfg.Adapter.ContainerPort, logger); err == nil {
		adapters.Register(types.FrameworkContainerServer, containerAdapter)
	} else {
		logger.Warn().Err(err).Msg("docker unavailable, CONTAINER_SERVER models will fail validation")
	}

	calc := calculator.New()
	probe := gpuprobe.New(logger)
	lc := lifecycle.New(adapters, calc, logger)
	sched := scheduler.New(calc, cfg.Scheduler.EvictionEnabled, cfg.Scheduler.MinPriorityGap)
	proxyRegistry := proxy.NewRegistry()

	checker, err := health.NewChecker(lc, logger)
	if err != nil {
		return err
	}
	recovery := health.NewRecovery(lc, logger)
	checker.OnDegraded(recovery.HandleDegraded)
	checker.Start()
	defer checker.Shutdown(ctx)

	lc.OnStatusChange(func(info types.ModelInfo) {
		if info.Status == types.StatusRunning && info.APIEndpoint != "" {
			proxyRegistry.Register(info.ID, info.APIEndpoint)
			if modelCfg, err := lc.GetConfig(info.ID); err == nil {
				if err := checker.Register(info.ID, info.APIEndpoint, modelCfg.HealthCheck); err != nil {
					logger.Warn().Err(err).Str("model_id", info.ID).Msg("failed to register health check")
				}
			}
		} else {
			proxyRegistry.Unregister(info.ID)
			checker.Unregister(info.ID)
		}
	})

	reloadEngine, err := hotreload.New(configStore, lc, logger)
	if err != nil {
		return err
	}
	if err := reloadEngine.InitializeCache(ctx); err != nil {
		return err
	}

	var earlyNudge <-chan struct{}
	if fileStore, ok := configStore.(*store.FileStore); ok {
		earlyNudge = fileStore.Changed
	}
	if err := reloadEngine.Start(ctx, cfg.HotReload.CheckInterval, earlyNudge); err != nil {
		return err
	}
	defer reloadEngine.Shutdown()

	var balancer proxy.Balancer
	if cfg.Proxy.Strategy == "LEAST_CONNECTIONS" {
		balancer = proxy.LeastConnections{}
	} else {
		balancer = &proxy.RoundRobin{}
	}
	limiter := proxy.NewFixedWindowLimiter(cfg.Proxy.RequestsPerMinute)
	router := proxy.NewRouter(proxyRegistry, balancer, limiter, cfg.Proxy.FailoverEnabled, cfg.Proxy.MaxFailoverAttempts, logger)

	apiServer := api.NewServer(lc, sched, probe, configStore, logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/models/", router)
	mux.Handle("/", apiServer)

	httpServer := &http.Server{
		Addr:    cfg.Server.BindAddr,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.BindAddr).Msg("orchestratord listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	lc.Shutdown(shutdownCtx)
	return nil
}
