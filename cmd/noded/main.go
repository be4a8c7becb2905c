package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"noded/internal/config"
	"noded/internal/coordinator"
	"noded/internal/downloader"
	"noded/internal/gpu"
	"noded/internal/httpapi"
	"noded/internal/modelcache"
	"noded/internal/modelstore"
	"noded/internal/modelsync"
	"noded/internal/repair"
	"noded/internal/router"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "noded",
		Short:         "noded joins a fleet and serves local LLM inference over an OpenAI-compatible API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}

	defaultConfigPath := os.Getenv("NODED_CONFIG")
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to a YAML/JSON/TOML config file (env NODED_CONFIG)")
	return root
}

func run(configPath string) error {
	logger := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg := config.Config{}
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg, defaulted := config.ApplyDefaults(cfg)
	for _, field := range defaulted {
		logger.Warn().Str("field", field).Msg("config field missing or invalid, using default")
	}

	if cfg.IPAddress == "" {
		cfg.IPAddress = detectIPAddress()
	}

	gpuInfo := gpu.Detect(context.Background())
	if cfg.RequiresGPU() && !gpuInfo.Available {
		logger.Error().Msg("require_gpu is set but no GPU was detected")
		return fmt.Errorf("fatal: no GPU detected and require_gpu is true")
	}
	httpapi.SetGPUMetrics(len(gpuInfo.Devices), gpuInfo.TotalMemoryBytes(), gpuInfo.Capability())

	store := modelstore.New(cfg.ModelsDir, &logger)

	registry := modelsync.NewHTTPRegistryClient(cfg.RouterURL, "")
	syncCfg := modelsync.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		DownloaderCfg: downloader.Config{
			MaxRetries:     cfg.MaxRetries,
			Backoff:        cfg.BackoffDuration(),
			MaxBytesPerSec: cfg.MaxBytesPerSec,
			ChunkSize:      cfg.ChunkSize,
		},
	}
	sync := modelsync.New(cfg.ModelsDir, syncCfg, registry, &logger)

	repairer := repair.New(coordinator.NewSyncerAdapter(sync), &logger)

	engine := newEngine()
	cache := modelcache.New(engine, &logger)
	cache.SetGPULayers(cfg.GPULayers)
	if cfg.MaxLoaded > 0 {
		cache.SetMaxLoaded(cfg.MaxLoaded)
	}
	if cfg.MaxMemoryBytes > 0 {
		cache.SetMaxMemory(uint64(cfg.MaxMemoryBytes))
	}
	if cfg.IdleTimeoutMS > 0 {
		cache.SetIdleTimeout(cfg.IdleTimeout())
	}

	coord := coordinator.New(store, repairer, cache, engine, sync, &logger)
	coord.SetRepairTimeout(cfg.RepairTimeout())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	httpapi.SetBaseContext(ctx)
	httpapi.SetLogger(logger)

	routerClient := router.New(cfg.RouterURL, &logger)
	agentToken, err := registerWithRouter(ctx, routerClient, cfg, &logger)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	coord.SetRouter(routerClient, agentToken)

	heartbeat := router.NewHeartbeatLoop(routerClient, agentToken, cfg.HeartbeatInterval(), func() router.HeartbeatRequest {
		return router.HeartbeatRequest{
			NodeID:       agentToken,
			LoadedModels: cache.LoadedModels(),
		}
	}, &logger)
	go heartbeat.Run(ctx)
	go runIdleSweep(ctx, cache, &logger)

	mux := httpapi.NewMux(coord)
	addr := net.JoinHostPort(cfg.BindAddress, fmt.Sprintf("%d", effectivePort(cfg.NodePort)))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info().Str("addr", addr).Msg("noded listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// idleSweepInterval is the host-invoked schedule for reclaiming idle
// loaded models, matching the "every 30 s" cadence named alongside the
// idle-timeout cache eviction policy.
const idleSweepInterval = 30 * time.Second

func runIdleSweep(ctx context.Context, cache *modelcache.Cache, logger *zerolog.Logger) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cache.UnloadIdle(); n > 0 {
				logger.Info().Int("count", n).Msg("idle sweep unloaded models")
			}
		}
	}
}

func effectivePort(configured int) int {
	if configured > 0 {
		return configured
	}
	return 8080
}

// registerWithRouter registers the node and returns the agent token to use
// for subsequent heartbeats, per spec.md §6's "POST /api/nodes... returns
// {node_id, agent_token}". Registration exhaustion is fatal (exit code 1).
func registerWithRouter(ctx context.Context, client router.Client, cfg config.Config, logger *zerolog.Logger) (string, error) {
	machineName, _ := os.Hostname()
	if machineName == "" {
		machineName = "noded-" + uuid.NewString()[:8]
	}
	gpuInfo := gpu.Detect(ctx)

	resp, err := client.Register(ctx, router.RegisterRequest{
		MachineName:    machineName,
		IPAddress:      cfg.IPAddress,
		RuntimeVersion: "1",
		RuntimePort:    effectivePort(cfg.NodePort),
		GPUAvailable:   gpuInfo.Available,
		GPUCount:       len(gpuInfo.Devices),
	})
	if err != nil {
		logger.Error().Err(err).Msg("registration exhausted retries")
		return "", err
	}
	logger.Info().Str("node_id", resp.NodeID).Msg("registered with router")
	return resp.AgentToken, nil
}

func detectIPAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
